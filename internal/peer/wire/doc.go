// Package wire implements the GateMesh peer wire format: length-prefixed,
// CRC-protected frames and the JSON control message envelope carried on the
// control stream.
//
// Frame layout:
//
//	uint32 (BE)  payload length
//	uint32 (BE)  CRC32 (IEEE) of payload
//	payload      JSON
//
// The codec is pure: it performs no I/O beyond the supplied Reader/Writer
// and keeps no state.
//
// @req RQ-0201
// @design DS-0201
package wire
