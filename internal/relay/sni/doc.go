// Package sni extracts the server name from the first bytes of a TLS
// connection without terminating it. The relay peeks at the ClientHello,
// routes on the SNI hostname and then replays the peeked bytes to the
// selected node, so the TLS session stays end to end.
//
// The parser is incremental: callers feed the bytes read so far and retry
// with more data while Extract reports ErrNeedMore.
//
// @req RQ-0301 SNI-based routing without TLS termination
// @design DS-0301 incremental ClientHello byte walk
package sni
