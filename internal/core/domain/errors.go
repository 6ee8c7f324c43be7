package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business domain error with a structured error code.
//
// @req RQ-0104
// @design DS-0104
type DomainError struct {
	Code    string // Error code (e.g., "GM-PEER-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Peer session errors (PEER)
// ============================================================================

var (
	// ErrSessionClosed indicates an operation was attempted on a session
	// that is no longer Active.
	ErrSessionClosed = NewDomainError("GM-PEER-4100", "session closed")

	// ErrHandshakeRejected indicates the remote rejected our handshake.
	ErrHandshakeRejected = NewDomainError("GM-PEER-4101", "handshake rejected")

	// ErrHandshakeTimeout indicates the handshake did not complete in time.
	ErrHandshakeTimeout = NewDomainError("GM-PEER-4102", "handshake timeout")

	// ErrVersionMismatch indicates the peer speaks a different protocol version.
	ErrVersionMismatch = NewDomainError("GM-PEER-4103", "protocol version mismatch")

	// ErrRequestTimeout indicates a correlated control request received no
	// response within its deadline.
	ErrRequestTimeout = NewDomainError("GM-PEER-4104", "control request timeout")

	// ErrStreamLimit indicates the transport refused to open another stream.
	ErrStreamLimit = NewDomainError("GM-PEER-4105", "concurrent stream limit reached")

	// ErrUnknownStreamType indicates an inbound stream declared a type this
	// endpoint does not handle.
	ErrUnknownStreamType = NewDomainError("GM-PEER-4106", "unknown stream type")
)

// ============================================================================
// Wire protocol errors (WIRE)
// ============================================================================

var (
	// ErrFrameTooLarge indicates a frame exceeded the protocol limit.
	ErrFrameTooLarge = NewDomainError("GM-WIRE-4130", "frame exceeds size limit")

	// ErrFrameChecksum indicates a frame failed CRC verification.
	ErrFrameChecksum = NewDomainError("GM-WIRE-4131", "frame checksum mismatch")

	// ErrMalformedMessage indicates a control message could not be decoded.
	ErrMalformedMessage = NewDomainError("GM-WIRE-4132", "malformed control message")

	// ErrUnexpectedPayload indicates a payload variant that is invalid for
	// the current protocol state.
	ErrUnexpectedPayload = NewDomainError("GM-WIRE-4133", "unexpected payload for state")
)

// ============================================================================
// SNI / public listener errors (SNI)
// ============================================================================

var (
	// ErrNotTLS indicates the first record is not a TLS handshake.
	ErrNotTLS = NewDomainError("GM-SNI-4160", "not a TLS handshake record")

	// ErrNoSNI indicates the ClientHello carries no server_name extension.
	ErrNoSNI = NewDomainError("GM-SNI-4161", "no SNI extension in ClientHello")

	// ErrClientHelloTooLarge indicates the buffered ClientHello exceeded the
	// configured bound without yielding an SNI.
	ErrClientHelloTooLarge = NewDomainError("GM-SNI-4162", "ClientHello exceeds buffer limit")
)

// ============================================================================
// Registry errors (REG)
// ============================================================================

var (
	// ErrHostnameNotFound indicates no live session backs the hostname.
	ErrHostnameNotFound = NewDomainError("GM-REG-4040", "hostname not registered")
)

// ============================================================================
// DNS challenge errors (DNS)
// ============================================================================

var (
	// ErrDomainNotOwned indicates a node asked for a challenge on a domain
	// that is not assigned to it.
	ErrDomainNotOwned = NewDomainError("GM-DNS-4030", "domain not owned by requesting node")

	// ErrInvalidDomain indicates the challenge domain does not match the
	// relay's managed suffix.
	ErrInvalidDomain = NewDomainError("GM-DNS-4001", "invalid challenge domain")

	// ErrProviderFailure indicates the DNS provider rejected or failed an
	// operation.
	ErrProviderFailure = NewDomainError("GM-DNS-5020", "dns provider operation failed")
)

// ============================================================================
// Identity errors (ID)
// ============================================================================

var (
	// ErrInvalidNodeID indicates bytes or hex that do not form a node ID.
	ErrInvalidNodeID = NewDomainError("GM-ID-4000", "invalid node id")

	// ErrInvalidKeyFile indicates a persisted identity file that could not
	// be parsed.
	ErrInvalidKeyFile = NewDomainError("GM-ID-4001", "invalid identity key file")
)
