package domain

// StreamKind identifies the protocol spoken on a multiplexed sub-stream.
// It is declared by a single byte sent before any payload, so the accepting
// side can dispatch without content sniffing.
type StreamKind byte

const (
	// StreamControl is the always-open coordination stream. Exactly one
	// exists per session.
	StreamControl StreamKind = 0

	// StreamInference carries length-prefixed JSON inference envelopes.
	StreamInference StreamKind = 1

	// StreamTLSForward carries raw TLS bytes spliced by the relay.
	StreamTLSForward StreamKind = 2
)

// String returns a human-readable name for logs and metrics labels.
func (k StreamKind) String() string {
	switch k {
	case StreamControl:
		return "control"
	case StreamInference:
		return "inference"
	case StreamTLSForward:
		return "tlsforward"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known stream kind.
func (k StreamKind) Valid() bool {
	return k <= StreamTLSForward
}

// ModelInfo describes an AI model a node can serve.
type ModelInfo struct {
	Name          string   `json:"name"`
	Provider      string   `json:"provider"`
	ContextLength uint32   `json:"context_length,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Capabilities describes what a peer offers. They are exchanged at handshake
// and are immutable for the session's lifetime unless the peer re-announces.
type Capabilities struct {
	// SupportedStreams lists the stream kinds the peer accepts inbound.
	SupportedStreams []StreamKind `json:"supported_streams"`

	// MaxConcurrentStreams caps streams the peer will accept per session.
	// Zero means the peer did not advertise a limit.
	MaxConcurrentStreams uint32 `json:"max_concurrent_streams,omitempty"`

	// Models lists models the node serves, empty for relays.
	Models []ModelInfo `json:"models,omitempty"`

	// DNSChallenges reports whether the peer can fulfil DNS-01 challenge
	// requests (true for relays with provider access).
	DNSChallenges bool `json:"dns_challenges,omitempty"`

	// LoadFactor is the peer's advertised load in [0.0, 1.0].
	LoadFactor float64 `json:"load_factor"`
}

// Supports reports whether the peer accepts inbound streams of kind k.
func (c Capabilities) Supports(k StreamKind) bool {
	for _, s := range c.SupportedStreams {
		if s == k {
			return true
		}
	}
	return false
}

// DomainRegistration binds a public hostname to the node currently serving
// it. At most one live session backs a hostname at a time; a second
// registration supersedes the first.
type DomainRegistration struct {
	Hostname string
	NodeID   NodeID
}
