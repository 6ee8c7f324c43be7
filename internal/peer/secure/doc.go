// Package secure implements the encrypted peer transport.
//
// Each connection performs a mutual-authentication handshake: both sides
// exchange ephemeral X25519 keys and static ed25519 identities, derive
// directional ChaCha20-Poly1305 keys via HKDF-SHA256 from the ECDH shared
// secret, then prove possession of their identity keys by exchanging
// signatures over the handshake transcript inside the first encrypted
// records. Application data flows as length-prefixed sealed records with
// counter nonces.
//
// The verified remote NodeID is available on the returned Conn; the caller
// never sees unauthenticated peer bytes.
//
// @req RQ-0202
// @design DS-0202
package secure
