package wire

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// ProtocolVersion is the single-byte control protocol version. Mismatch is
// always rejected; there is no negotiation of intermediate versions.
const ProtocolVersion byte = 1

// PayloadType discriminates the control message payload.
type PayloadType string

// Request payload types. Every request has exactly one response type,
// correlated by the envelope id.
const (
	TypeHandshake           PayloadType = "handshake"
	TypeRegister            PayloadType = "register"
	TypePing                PayloadType = "ping"
	TypeDNSChallengeCreate  PayloadType = "dns_challenge_create"
	TypeDNSChallengeCleanup PayloadType = "dns_challenge_cleanup"
)

// Response and announcement payload types.
const (
	TypeHandshakeResponse    PayloadType = "handshake_response"
	TypeRegisterResponse     PayloadType = "register_response"
	TypePong                 PayloadType = "pong"
	TypeDNSChallengeResponse PayloadType = "dns_challenge_response"
	TypeCapabilityAnnounce   PayloadType = "capability_announce"
	TypeError                PayloadType = "error"
)

// Message is the control stream envelope. The id correlates a response to
// its request; ids are ULIDs and are never reused within a session.
type Message struct {
	Version   byte            `json:"v"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"ts"`
	Type      PayloadType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handshake opens the control protocol. It carries the sender's identity
// and capabilities.
type Handshake struct {
	NodeID       string              `json:"node_id"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// HandshakeResponse answers a Handshake. Capabilities are advertised even
// on rejection so the peer can decide whether to try elsewhere.
type HandshakeResponse struct {
	Accepted     bool                `json:"accepted"`
	Reason       string              `json:"reason,omitempty"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// Register asks the relay to assign (or re-assign) this node's public
// domain and bind it to the current session.
type Register struct{}

// RegisterResponse reports the assigned domain.
type RegisterResponse struct {
	Domain string `json:"domain"`
	Suffix string `json:"suffix"`
}

// CapabilityAnnounce refreshes the sender's capabilities mid-session.
type CapabilityAnnounce struct {
	Capabilities domain.Capabilities `json:"capabilities"`
}

// Ping is the control keepalive request.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

// Pong answers a Ping, echoing its nonce.
type Pong struct {
	Nonce uint64 `json:"nonce"`
}

// DNSChallengeCreate asks the relay to publish an ACME DNS-01 TXT record.
type DNSChallengeCreate struct {
	Domain   string `json:"domain"`
	TXTValue string `json:"txt_value"`
}

// DNSChallengeCleanup asks the relay to remove the TXT record for domain.
// Failures are best-effort on both sides.
type DNSChallengeCleanup struct {
	Domain string `json:"domain"`
}

// DNSChallengeResponse answers a create or cleanup request.
type DNSChallengeResponse struct {
	OK        bool   `json:"ok"`
	RecordRef string `json:"record_ref,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload reports a protocol-level error, optionally tied to the
// message that caused it.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RelatedID string `json:"related_id,omitempty"`
}

// NewMessage builds a request or announcement envelope with a fresh id.
func NewMessage(t PayloadType, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Message{
		Version:   ProtocolVersion,
		ID:        newMessageID(),
		Timestamp: time.Now().Unix(),
		Type:      t,
		Payload:   raw,
	}, nil
}

// NewResponse builds a response envelope correlated to requestID.
func NewResponse(requestID string, t PayloadType, payload any) (*Message, error) {
	m, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	m.ID = requestID
	return m, nil
}

// newMessageID returns a fresh ULID string. ULIDs are 16 bytes wide and
// monotonic enough that a session never reuses one.
func newMessageID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// DecodePayload unmarshals the payload into out.
func (m *Message) DecodePayload(out any) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return domain.ErrMalformedMessage.WithCause(err)
	}
	return nil
}

// IsResponse reports whether the message type answers a prior request.
func (m *Message) IsResponse() bool {
	switch m.Type {
	case TypeHandshakeResponse, TypeRegisterResponse, TypePong, TypeDNSChallengeResponse, TypeError:
		return true
	default:
		return false
	}
}

// WriteMessage frames and writes a control message.
func WriteMessage(w io.Writer, m *Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return WriteFrame(w, raw)
}

// ReadMessage reads and decodes one framed control message.
func ReadMessage(r io.Reader) (*Message, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, domain.ErrMalformedMessage.WithCause(err)
	}
	if m.Type == "" || m.ID == "" {
		return nil, domain.ErrMalformedMessage.WithDetails("missing type or id")
	}
	return &m, nil
}
