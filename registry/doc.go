// Package registry implements the in-memory concurrent-session admission
// controller. A Registry maps device fingerprints to the set of live
// session identifiers admitted under them and enforces a hard per-device
// ceiling: an admission attempt succeeds only while the device's live count
// is strictly below the ceiling, and capacity is returned the moment a
// session is released.
//
// Semantics
//
//	TryAdmit  -> strict ceiling, no queueing; racing admits at ceiling-1
//	             resolve to exactly one winner
//	Release   -> idempotent; racing teardown paths decrement exactly once
//	Snapshot  -> consistent point-in-time aggregate view
//	ReapIdle  -> backstop eviction of sessions with no recent activity
//
// All state is volatile. A restarted process starts with an empty registry;
// durability is explicitly out of scope because the registry guards live
// connection capacity, which is itself lost on restart.
//
// A Registry is an explicitly constructed value handed to each connection
// handler, never ambient global state, so tests can run many independent
// instances side by side.
package registry
