// Package ratelimit provides per-device request limiting for the plain HTTP
// surfaces that sit next to the websocket admission endpoint. It guards
// politeness, not capacity: the session registry is the authority on live
// connections, while this package merely keeps a chatty or misbehaving
// device from hammering the stats and bookkeeping routes.
//
// Two implementations are provided: an in-memory fixed window for tests and
// single-process deployments, and a Redis-backed window for multi-replica
// deployments where the limit must hold across processes.
package ratelimit

import "context"

// DefaultLimit is the per-device request budget per window.
const DefaultLimit = 60

// Limiter decides whether one more request from the given key is allowed
// inside the current window. Implementations must be safe for concurrent
// use. A non-nil error means the backend could not be consulted; callers
// are expected to fail open in that case, since over-admitting an HTTP
// request is cheaper than refusing service on a backend hiccup.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
