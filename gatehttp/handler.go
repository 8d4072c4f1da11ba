package gatehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arthiv/interview-gate-go/fingerprint"
	"github.com/arthiv/interview-gate-go/internal/logctx"
	"github.com/arthiv/interview-gate-go/ratelimit"
	"github.com/arthiv/interview-gate-go/registry"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

const controlWriteTimeout = 10 * time.Second

// InterviewStream is the external conversational collaborator. Serve owns
// the websocket read loop for the admitted connection and returns when the
// conversation ends, the peer disconnects, or ctx is canceled. The gateway
// never inspects or shapes the traffic Serve exchanges.
type InterviewStream interface {
	Serve(ctx context.Context, adm *registry.Admission, conn *websocket.Conn) error
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	limiter        ratelimit.Limiter
	checkOrigin    func(r *http.Request) bool
	readIdle       time.Duration
	pingInterval   time.Duration
	sessionMaxIdle time.Duration
	sweepInterval  time.Duration
}

// WithLogger sets the slog logger used by the handler. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithRateLimiter applies a per-device request limiter to the plain HTTP
// routes (the websocket route is governed by the session ceiling instead).
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(c *newConfig) { c.limiter = l }
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// any origin; tightening it is a deployment decision.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(c *newConfig) { c.checkOrigin = f }
}

// WithReadIdleTimeout sets how long a connection may go without any inbound
// frame (pongs included) before its read fails and the session is torn
// down. Default 60s.
func WithReadIdleTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.readIdle = d
		}
	}
}

// WithPingInterval sets the keepalive ping cadence. Default is nine tenths
// of the read-idle timeout, so a healthy peer always pongs in time.
func WithPingInterval(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithSessionMaxIdle sets the registry-level inactivity bound used by the
// background sweeper. It is a backstop against handler-level leaks, so it
// should comfortably exceed the read-idle timeout. Default 10m.
func WithSessionMaxIdle(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.sessionMaxIdle = d
		}
	}
}

// WithSweepInterval sets how often the background sweeper runs. Default 5m.
func WithSweepInterval(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// Handler serves the admission and stats surfaces for one Registry.
type Handler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	reg     *registry.Registry
	stream  InterviewStream
	limiter ratelimit.Limiter

	upgrader     websocket.Upgrader
	readIdle     time.Duration
	pingInterval time.Duration
}

// New constructs a Handler and starts its background idle sweeper, which
// stops when ctx is canceled.
func New(ctx context.Context, reg *registry.Registry, stream InterviewStream, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if stream == nil {
		return nil, fmt.Errorf("interview stream is required")
	}

	cfg := &newConfig{
		logger:         slog.New(slog.DiscardHandler),
		readIdle:       60 * time.Second,
		sessionMaxIdle: 10 * time.Minute,
		sweepInterval:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.pingInterval == 0 {
		cfg.pingInterval = cfg.readIdle * 9 / 10
	}
	if cfg.checkOrigin == nil {
		// The interview front end is served from a different origin than
		// this gateway, so the browser-facing default must admit any origin.
		cfg.checkOrigin = func(*http.Request) bool { return true }
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reg:          reg,
		stream:       stream,
		limiter:      cfg.limiter,
		readIdle:     cfg.readIdle,
		pingInterval: cfg.pingInterval,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cfg.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/interview/{userID}/{sessionID}", h.handleInterviewSocket)
	mux.HandleFunc("GET /stats", h.withRateLimit(h.handleStats))
	h.mux = mux

	go h.sweep(ctx, cfg.sweepInterval, cfg.sessionMaxIdle)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeJSONError emits the transport-level error shape used for rejections
// that happen before a connection is upgraded:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// limitReachedBody is the structured refusal sent when a device is at its
// session ceiling. Clients use current/limit to build a precise message.
type limitReachedBody struct {
	Reason  string `json:"reason"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
}

// handleInterviewSocket admits and runs one interview connection. The order
// matters: admission is decided before the upgrade so a rejected client
// gets a plain HTTP refusal and its connection never touches the external
// stream.
func (h *Handler) handleInterviewSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "ws.connect.start")

	userID := r.PathValue("userID")
	sessionID := strings.TrimSpace(r.PathValue("sessionID"))
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session id must not be empty")
		h.log.WarnContext(ctx, "admit.malformed", slog.String("err", "empty session id"))
		return
	}

	fp := fingerprint.FromRequest(r)

	adm, err := h.reg.TryAdmit(fp, sessionID, userID)
	if err != nil {
		var le *registry.LimitError
		switch {
		case errors.As(err, &le):
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(limitReachedBody{Reason: "limit_reached", Current: le.Current, Limit: le.Limit})
			h.log.InfoContext(ctx, "admit.reject",
				slog.String("device", fp.Short()),
				slog.Int("current", le.Current),
				slog.Int("limit", le.Limit))
		case errors.Is(err, registry.ErrEmptySessionID):
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.WarnContext(ctx, "admit.malformed", slog.String("err", err.Error()))
		case errors.Is(err, registry.ErrSessionExists):
			writeJSONError(w, http.StatusConflict, err.Error())
			h.log.WarnContext(ctx, "admit.conflict", slog.String("err", err.Error()))
		default:
			writeJSONError(w, http.StatusInternalServerError, "admission failed")
			h.log.ErrorContext(ctx, "admit.fail", slog.String("err", err.Error()))
		}
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: adm.SessionID(),
		UserID:    adm.UserID(),
		Device:    fp.Short(),
	})

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		adm.Release()
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	// The single release point for every teardown path.
	defer adm.Release()
	defer conn.Close()

	h.log.InfoContext(ctx, "admit.ok")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(h.readIdle))
	conn.SetPongHandler(func(string) error {
		adm.Touch()
		return conn.SetReadDeadline(time.Now().Add(h.readIdle))
	})

	go h.keepAlive(ctx, conn, cancel)

	if err := h.stream.Serve(ctx, adm, conn); err != nil &&
		!errors.Is(err, context.Canceled) &&
		websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		h.log.WarnContext(ctx, "ws.stream.fail", slog.String("err", err.Error()))
	}

	h.log.InfoContext(ctx, "ws.connect.end", slog.Duration("dur", time.Since(start)))
}

// keepAlive pings the peer so that a healthy client keeps refreshing the
// read deadline with pongs. A stalled or vanished peer stops ponging, the
// read deadline expires, Serve's read fails, and the deferred release
// reclaims the session's capacity.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				cancel()
				return
			}
		}
	}
}

// handleStats serves the registry snapshot. The per-device breakdown is
// opt-in via ?verbose=1 and only ever contains shortened fingerprints.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
			w.WriteHeader(http.StatusNotAcceptable)
			h.log.WarnContext(ctx, "stats.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
	}

	snap := h.reg.Snapshot()
	if r.URL.Query().Get("verbose") == "" {
		snap.Devices = nil
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.log.ErrorContext(ctx, "stats.encode.fail", slog.String("err", err.Error()))
	}
}

// withRateLimit gates a plain HTTP route on the per-device request limiter.
// Backend errors fail open: this limiter protects politeness, not capacity.
func (h *Handler) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next(w, r)
			return
		}
		ctx := r.Context()
		fp := fingerprint.FromRequest(r)
		ok, err := h.limiter.Allow(ctx, fp.String())
		if err != nil {
			h.log.WarnContext(ctx, "ratelimit.check.fail", slog.String("err", err.Error()))
			ok = true
		}
		if !ok {
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   "rate_limit_exceeded",
				"message": "too many requests from this device, slow down",
			})
			h.log.InfoContext(ctx, "ratelimit.reject", slog.String("device", fp.Short()))
			return
		}
		next(w, r)
	}
}

// sweep periodically evicts sessions the registry has not heard from. It is
// the backstop that guarantees bounded capacity leakage even if a handler
// goroutine is wedged and never reaches its deferred release.
func (h *Handler) sweep(ctx context.Context, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := h.reg.ReapIdle(maxIdle); n > 0 {
				h.log.InfoContext(ctx, "registry.sweep.ok", slog.Int("reaped", n))
			}
		}
	}
}
