package registry

import (
	"sync"
	"time"

	"github.com/arthiv/interview-gate-go/fingerprint"
)

// Admission is the handle returned by a successful TryAdmit. It represents
// reserved capacity for one live session and is the only thing a connection
// handler needs to retain: a single `defer adm.Release()` placed right
// after admission guarantees the capacity is returned exactly once no
// matter which teardown path ends the connection.
type Admission struct {
	reg       *Registry
	fp        fingerprint.Fingerprint
	sessionID string
	userID    string
	admitted  time.Time

	releaseOnce sync.Once
}

// newAdmissionLocked builds the caller-facing handle for a record. Must be
// called with r.mu held.
func (r *Registry) newAdmissionLocked(fp fingerprint.Fingerprint, rec *record) *Admission {
	return &Admission{
		reg:       r,
		fp:        fp,
		sessionID: rec.sessionID,
		userID:    rec.userID,
		admitted:  rec.admittedAt,
	}
}

// SessionID returns the admitted session identifier.
func (a *Admission) SessionID() string { return a.sessionID }

// UserID returns the opaque user identifier supplied at admission.
func (a *Admission) UserID() string { return a.userID }

// Device returns the owning device fingerprint.
func (a *Admission) Device() fingerprint.Fingerprint { return a.fp }

// AdmittedAt returns the admission timestamp.
func (a *Admission) AdmittedAt() time.Time { return a.admitted }

// Release returns the session's capacity to the registry. It is safe to
// call from racing teardown paths: the first call decrements, every
// subsequent call is a no-op. The registry itself is also idempotent, so a
// Release after the session was reaped for inactivity does nothing.
func (a *Admission) Release() {
	a.releaseOnce.Do(func() {
		a.reg.Release(a.fp, a.sessionID)
	})
}

// Touch refreshes the session's last-activity timestamp so the idle reaper
// leaves it alone. Handlers call this on inbound traffic and pongs.
func (a *Admission) Touch() {
	a.reg.Touch(a.fp, a.sessionID)
}
