package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("GM-TEST-0001", "something failed")
	if got := err.Error(); got != "[GM-TEST-0001] something failed" {
		t.Errorf("Error() = %q", got)
	}

	withDetails := err.WithDetails("extra context")
	if got := withDetails.Error(); got != "[GM-TEST-0001] something failed: extra context" {
		t.Errorf("Error() with details = %q", got)
	}
}

func TestDomainErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", ErrSessionClosed.WithDetails("peer gone"))

	if !errors.Is(wrapped, ErrSessionClosed) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(wrapped, ErrHandshakeRejected) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := ErrProviderFailure.WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("cause should be reachable via errors.Is")
	}
	if GetErrorCode(err) != "GM-DNS-5020" {
		t.Errorf("GetErrorCode() = %q", GetErrorCode(err))
	}
	if !IsDomainError(err, "") {
		t.Error("IsDomainError with empty code should match any DomainError")
	}
	if IsDomainError(cause, "") {
		t.Error("plain error should not be a DomainError")
	}
}

func TestStreamKind(t *testing.T) {
	tests := []struct {
		kind  StreamKind
		name  string
		valid bool
	}{
		{StreamControl, "control", true},
		{StreamInference, "inference", true},
		{StreamTLSForward, "tlsforward", true},
		{StreamKind(9), "unknown", false},
	}

	for _, tt := range tests {
		if tt.kind.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.kind.String(), tt.name)
		}
		if tt.kind.Valid() != tt.valid {
			t.Errorf("Valid(%d) = %v, want %v", tt.kind, tt.kind.Valid(), tt.valid)
		}
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	caps := Capabilities{SupportedStreams: []StreamKind{StreamControl, StreamTLSForward}}

	if !caps.Supports(StreamTLSForward) {
		t.Error("should support tlsforward")
	}
	if caps.Supports(StreamInference) {
		t.Error("should not support inference")
	}
}
