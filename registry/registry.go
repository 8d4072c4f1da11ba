package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arthiv/interview-gate-go/fingerprint"
)

// DefaultCeiling is the per-device concurrent session limit applied when no
// WithCeiling option is given.
const DefaultCeiling = 8

var (
	// ErrLimitReached matches any *LimitError via errors.Is.
	ErrLimitReached = errors.New("session limit reached")

	// ErrEmptySessionID reports a malformed admission attempt. It is
	// returned before any registry state is touched.
	ErrEmptySessionID = errors.New("session id must not be empty")

	// ErrSessionExists reports an admission reusing a session id that is
	// still live under a different device fingerprint. Session ids are a
	// caller contract; this is a defensive rejection, not a capacity
	// decision.
	ErrSessionExists = errors.New("session id already active under another device")
)

// LimitError is the structured rejection returned by TryAdmit when a device
// is at its ceiling. Current and Limit let the caller build a precise
// user-facing refusal.
type LimitError struct {
	Current int
	Limit   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("session limit reached: %d of %d sessions active", e.Current, e.Limit)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitReached }

// record is one admitted live session. Owned exclusively by the Registry;
// nothing outside this package holds a reference.
type record struct {
	sessionID    string
	userID       string
	admittedAt   time.Time
	lastActivity time.Time
}

// deviceEntry tracks the sessions admitted under one fingerprint. count is
// carried redundantly alongside the set so that desync is detectable.
type deviceEntry struct {
	sessions map[string]*record
	count    int
}

// Option configures a Registry.
type Option func(*Registry)

// WithCeiling sets the per-device concurrent session limit. Values below 1
// are ignored.
func WithCeiling(n int) Option {
	return func(r *Registry) {
		if n >= 1 {
			r.ceiling = n
		}
	}
}

// WithLogger sets the slog logger used for defensive diagnostics. If not
// provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the time source. Tests use this to drive ReapIdle
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the authoritative map from device fingerprint to live
// sessions. All methods are safe for concurrent use; a single mutex
// serializes admissions, releases, and snapshots, which is sufficient
// because every operation is a handful of map touches.
type Registry struct {
	mu      sync.Mutex
	ceiling int
	now     func() time.Time
	log     *slog.Logger
	devices map[fingerprint.Fingerprint]*deviceEntry
	owners  map[string]fingerprint.Fingerprint // live sessionID -> owning device
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		ceiling: DefaultCeiling,
		now:     time.Now,
		log:     slog.New(slog.DiscardHandler),
		devices: make(map[fingerprint.Fingerprint]*deviceEntry),
		owners:  make(map[string]fingerprint.Fingerprint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ceiling returns the configured per-device limit.
func (r *Registry) Ceiling() int { return r.ceiling }

// TryAdmit admits sessionID under fp if the device is below its ceiling.
//
// On success the returned Admission owns the reserved capacity; its Release
// method is idempotent so every teardown path of a connection handler can
// share a single deferred release. On rejection the error is either a
// *LimitError (device at ceiling), ErrEmptySessionID, or ErrSessionExists.
//
// Re-admitting a sessionID that is already live under the same fingerprint
// is treated as a no-op replace: timestamps refresh, the count does not
// move.
func (r *Registry) TryAdmit(fp fingerprint.Fingerprint, sessionID, userID string) (*Admission, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, live := r.owners[sessionID]; live {
		if owner != fp {
			return nil, ErrSessionExists
		}
		rec := r.devices[fp].sessions[sessionID]
		rec.admittedAt = r.now()
		rec.lastActivity = rec.admittedAt
		return r.newAdmissionLocked(fp, rec), nil
	}

	ent, ok := r.devices[fp]
	if !ok {
		ent = &deviceEntry{sessions: make(map[string]*record)}
		r.devices[fp] = ent
	}
	r.repairLocked(fp, ent)

	if ent.count >= r.ceiling {
		return nil, &LimitError{Current: ent.count, Limit: r.ceiling}
	}

	now := r.now()
	rec := &record{sessionID: sessionID, userID: userID, admittedAt: now, lastActivity: now}
	ent.sessions[sessionID] = rec
	ent.count++
	r.owners[sessionID] = fp

	return r.newAdmissionLocked(fp, rec), nil
}

// Release removes sessionID from fp if present. Unknown or already-released
// sessions are a silent no-op: multiple teardown paths may race to release
// the same session and every path after the first must do nothing.
func (r *Registry) Release(fp fingerprint.Fingerprint, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(fp, sessionID)
}

func (r *Registry) releaseLocked(fp fingerprint.Fingerprint, sessionID string) {
	ent, ok := r.devices[fp]
	if !ok {
		return
	}
	if _, live := ent.sessions[sessionID]; !live {
		return
	}
	delete(ent.sessions, sessionID)
	ent.count--
	delete(r.owners, sessionID)
	if ent.count == 0 {
		delete(r.devices, fp)
	}
}

// Touch refreshes the last-activity timestamp of a live session. A touch on
// an unknown session is a no-op.
func (r *Registry) Touch(fp fingerprint.Fingerprint, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.devices[fp]; ok {
		if rec, live := ent.sessions[sessionID]; live {
			rec.lastActivity = r.now()
		}
	}
}

// ReapIdle evicts every session whose last activity is older than maxIdle
// and returns the number evicted. This is the backstop that reclaims
// capacity from abandoned connections whose handlers never released.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	reaped := 0
	for fp, ent := range r.devices {
		for id, rec := range ent.sessions {
			if rec.lastActivity.Before(cutoff) {
				r.releaseLocked(fp, id)
				reaped++
				r.log.Info("registry.session.reaped",
					slog.String("session_id", id),
					slog.String("device", fp.Short()))
			}
		}
	}
	return reaped
}

// DeviceCount is one row of a Snapshot's per-device breakdown. Device is
// the shortened fingerprint hex; raw client metadata is never exposed.
type DeviceCount struct {
	Device   string `json:"device"`
	Sessions int    `json:"sessions"`
}

// Snapshot is a consistent point-in-time view of the registry.
// ActiveSessions always equals the sum over Devices of Sessions.
type Snapshot struct {
	ActiveDevices  int           `json:"active_devices"`
	ActiveSessions int           `json:"active_sessions"`
	Devices        []DeviceCount `json:"devices,omitempty"`
}

// Snapshot returns the current aggregate state. The view is taken under the
// registry lock, so it is internally consistent even while admissions and
// releases are in flight around the call.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Devices: make([]DeviceCount, 0, len(r.devices))}
	for fp, ent := range r.devices {
		if ent.count == 0 {
			continue
		}
		snap.ActiveDevices++
		snap.ActiveSessions += ent.count
		snap.Devices = append(snap.Devices, DeviceCount{Device: fp.Short(), Sessions: ent.count})
	}
	return snap
}

// repairLocked verifies the count/set invariant for one device entry.
// Desync should be impossible under the registry lock; if it is ever
// observed the entry is reset to the set's truth rather than crashing,
// since this subsystem guards capacity, not interview content.
func (r *Registry) repairLocked(fp fingerprint.Fingerprint, ent *deviceEntry) {
	if ent.count == len(ent.sessions) {
		return
	}
	r.log.Error("registry.invariant.desync",
		slog.String("device", fp.Short()),
		slog.Int("count", ent.count),
		slog.Int("set_size", len(ent.sessions)))
	ent.count = len(ent.sessions)
}
