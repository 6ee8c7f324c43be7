// Package session implements the multiplexed peer session.
//
// One session owns one encrypted transport to one peer and multiplexes
// typed sub-streams over it (control, inference, tlsforward). Each stream
// declares its kind with a single byte before any payload, so the accepting
// side dispatches without content sniffing. Exactly one control stream
// exists per session; it carries the handshake, keepalives and correlated
// request/response coordination. A control stream error is fatal to the
// session and force-closes every other stream; errors on other streams are
// local to them.
//
// All session-private state (stream table, pending-request table, control
// writes) is owned by the session's run loop; other goroutines reach it
// only by posting operations to the loop.
//
// @req RQ-0301
// @design DS-0301
package session
