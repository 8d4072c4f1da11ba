// Package gatehttp exposes the admission controller over HTTP. It owns the
// websocket admission endpoint, the stats endpoint, and the glue between a
// connection's lifetime and the session registry: admission happens before
// the websocket upgrade, and the reserved capacity is returned through a
// single deferred release that covers every teardown path (graceful close,
// abrupt disconnect, protocol error, inactivity timeout).
//
// The interview dialogue itself is not this package's business. An admitted
// connection is handed to an InterviewStream implementation, the opaque
// external collaborator that produces questions and consumes answers.
package gatehttp
