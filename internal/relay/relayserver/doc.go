// Package relayserver runs the relay's two listeners: the peer listener
// that accepts node sessions, and the public listener that routes TLS
// clients to nodes by SNI.
//
// The public path never terminates TLS. The relay peeks at the
// ClientHello, resolves the hostname against the registry and splices
// the connection onto a tlsforward stream of the owning node's session.
//
// @req RQ-0801 relay listeners
// @design DS-0801 SNI peek and splice
package relayserver
