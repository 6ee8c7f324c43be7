package domain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// NodeIDSize is the size of a node ID in bytes (an ed25519 public key).
const NodeIDSize = ed25519.PublicKeySize

// ShortIDLen is the number of hex characters used for a node's short form.
// The short form doubles as the node's assigned subdomain label.
const ShortIDLen = 8

// NodeID identifies a peer for the lifetime of its identity. It is the raw
// ed25519 public key; equality is byte equality.
type NodeID [NodeIDSize]byte

// NodeIDFromBytes builds a NodeID from raw key bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDSize {
		return id, ErrInvalidNodeID.WithDetails(fmt.Sprintf("got %d bytes, want %d", len(b), NodeIDSize))
	}
	copy(id[:], b)
	return id, nil
}

// ParseNodeID parses the hex serialization of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, ErrInvalidNodeID.WithCause(err)
	}
	return NodeIDFromBytes(b)
}

// String returns the full hex serialization.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first ShortIDLen hex characters, used for logging and
// as the node's subdomain label.
func (id NodeID) Short() string {
	return id.String()[:ShortIDLen]
}

// PublicKey returns the ID as an ed25519 public key.
func (id NodeID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// IsZero reports whether the ID is the all-zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Identity is a node's ed25519 keypair. The public key is the node's
// address; the private key never leaves the local state directory.
type Identity struct {
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// IdentityFromSeed builds an identity from a 32-byte seed. Used by tests.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKeyFile.WithDetails("bad seed length")
	}
	return &Identity{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// NodeID returns the identity's public address.
func (i *Identity) NodeID() NodeID {
	var id NodeID
	copy(id[:], i.priv.Public().(ed25519.PublicKey))
	return id
}

// Sign signs msg with the identity key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

// Verify verifies sig over msg against the given node's key.
func Verify(id NodeID, msg, sig []byte) bool {
	return ed25519.Verify(id.PublicKey(), msg, sig)
}

// identityFileName is the file the seed is stored under inside a state dir.
const identityFileName = "identity.key"

// LoadOrCreateIdentity loads the identity from dir, creating and persisting
// a new one if none exists. The key file is hex(seed) with 0600 permissions.
func LoadOrCreateIdentity(dir string) (*Identity, error) {
	path := filepath.Join(dir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		seed, derr := hex.DecodeString(string(trimNewline(data)))
		if derr != nil {
			return nil, ErrInvalidKeyFile.WithCause(derr)
		}
		return IdentityFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	encoded := hex.EncodeToString(id.priv.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
