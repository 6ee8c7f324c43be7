package secure

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// handshakeLabel domain-separates the key derivation and signatures.
const handshakeLabel = "gatemesh-secure-v1"

// DefaultHandshakeTimeout bounds the whole handshake exchange.
const DefaultHandshakeTimeout = 10 * time.Second

// helloSize is ephemeral X25519 key (32) + static ed25519 key (32).
const helloSize = 32 + domain.NodeIDSize

var (
	// ErrPeerMismatch indicates the remote's identity differed from the
	// one the dialer expected.
	ErrPeerMismatch = errors.New("secure: remote identity does not match expected node id")

	// ErrBadSignature indicates the remote failed to prove possession of
	// its claimed identity key.
	ErrBadSignature = errors.New("secure: invalid handshake signature")
)

// Config controls a handshake.
type Config struct {
	// Identity is the local keypair. Required.
	Identity *domain.Identity

	// Expect pins the remote identity. Zero means accept any peer (the
	// responder side, which learns the identity from the handshake).
	Expect domain.NodeID

	// HandshakeTimeout bounds the handshake. Zero means the default.
	HandshakeTimeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Client performs the initiator side of the handshake over raw.
func Client(raw net.Conn, cfg Config) (*Conn, error) {
	return handshake(raw, cfg, true)
}

// Server performs the responder side of the handshake over raw.
func Server(raw net.Conn, cfg Config) (*Conn, error) {
	return handshake(raw, cfg, false)
}

func handshake(raw net.Conn, cfg Config, initiator bool) (*Conn, error) {
	if cfg.Identity == nil {
		return nil, errors.New("secure: identity is required")
	}

	deadline := time.Now().Add(cfg.timeout())
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("secure: set handshake deadline: %w", err)
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, err
	}

	localID := cfg.Identity.NodeID()
	localHello := make([]byte, 0, helloSize)
	localHello = append(localHello, ephPub...)
	localHello = append(localHello, localID[:]...)

	remoteHello := make([]byte, helloSize)

	// The initiator speaks first; the responder answers after reading.
	if initiator {
		if _, err := raw.Write(localHello); err != nil {
			return nil, fmt.Errorf("secure: send hello: %w", err)
		}
		if _, err := io.ReadFull(raw, remoteHello); err != nil {
			return nil, fmt.Errorf("secure: read hello: %w", err)
		}
	} else {
		if _, err := io.ReadFull(raw, remoteHello); err != nil {
			return nil, fmt.Errorf("secure: read hello: %w", err)
		}
		if _, err := raw.Write(localHello); err != nil {
			return nil, fmt.Errorf("secure: send hello: %w", err)
		}
	}

	remoteEph := remoteHello[:32]
	remoteID, err := domain.NodeIDFromBytes(remoteHello[32:])
	if err != nil {
		return nil, err
	}
	if !cfg.Expect.IsZero() && remoteID != cfg.Expect {
		return nil, ErrPeerMismatch
	}

	shared, err := curve25519.X25519(ephPriv, remoteEph)
	if err != nil {
		return nil, fmt.Errorf("secure: ecdh: %w", err)
	}

	// Transcript fixes both ephemerals and both identities in initiator,
	// responder order so the two sides compute the same value.
	var initHello, respHello []byte
	if initiator {
		initHello, respHello = localHello, remoteHello
	} else {
		initHello, respHello = remoteHello, localHello
	}
	h := sha256.New()
	h.Write([]byte(handshakeLabel))
	h.Write(initHello)
	h.Write(respHello)
	transcript := h.Sum(nil)

	sendKey, recvKey, err := deriveKeys(shared, transcript, initiator)
	if err != nil {
		return nil, err
	}

	conn, err := newConn(raw, remoteID, sendKey, recvKey)
	if err != nil {
		return nil, err
	}

	// Key confirmation and identity proof: each side signs the transcript
	// with a role prefix and sends it as the first encrypted record.
	role, peerRole := roleInitiator, roleResponder
	if !initiator {
		role, peerRole = roleResponder, roleInitiator
	}
	sig := cfg.Identity.Sign(signedTranscript(role, transcript))
	if err := conn.writeRecord(sig); err != nil {
		return nil, fmt.Errorf("secure: send signature: %w", err)
	}
	peerSig, err := conn.readRecord()
	if err != nil {
		return nil, fmt.Errorf("secure: read signature: %w", err)
	}
	if len(peerSig) != ed25519.SignatureSize || !domain.Verify(remoteID, signedTranscript(peerRole, transcript), peerSig) {
		return nil, ErrBadSignature
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("secure: clear deadline: %w", err)
	}
	return conn, nil
}

const (
	roleInitiator = "initiator"
	roleResponder = "responder"
)

func signedTranscript(role string, transcript []byte) []byte {
	msg := make([]byte, 0, len(handshakeLabel)+len(role)+len(transcript))
	msg = append(msg, handshakeLabel...)
	msg = append(msg, role...)
	msg = append(msg, transcript...)
	return msg
}

// deriveKeys expands the ECDH secret into two directional AEAD keys.
// The first 32 bytes key the initiator-to-responder direction.
func deriveKeys(shared, transcript []byte, initiator bool) (sendKey, recvKey []byte, err error) {
	kdf := hkdf.New(sha256.New, shared, transcript, []byte(handshakeLabel))
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, nil, fmt.Errorf("secure: hkdf: %w", err)
	}
	initToResp := keys[:chacha20poly1305.KeySize]
	respToInit := keys[chacha20poly1305.KeySize:]
	if initiator {
		return initToResp, respToInit, nil
	}
	return respToInit, initToResp, nil
}

// generateX25519 returns a clamped private scalar and its public key.
func generateX25519() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("secure: generate ephemeral: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("secure: ephemeral public: %w", err)
	}
	return priv, pub, nil
}
