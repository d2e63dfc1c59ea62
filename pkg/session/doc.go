// Package session implements a bidirectional JSON-RPC 2.0 session over a
// transport.Conn.
//
// A Session moves through the states
//
//	disconnected -> connecting -> connected
//	connected -> disconnected          (clean close)
//	connected -> reconnecting -> connected | disconnected
//	any -> closed                      (Disconnect, terminal)
//
// Calls are correlated to responses by id and settle exactly once: with the
// response, a timeout, context cancellation, or a rejection when the
// connection or session ends. Messages composed while no connection is live
// are queued in order and flushed when the next connection goes live.
//
// While connected, a heartbeat pings the peer and aborts the connection when
// pings go unanswered for two intervals. Unclean closes are retried with
// exponential backoff up to Config.Reconnect.MaxAttempts.
//
// Lifecycle changes, notifications and background errors are published on
// the hub returned by Events, under the Topic variables in this package.
package session
