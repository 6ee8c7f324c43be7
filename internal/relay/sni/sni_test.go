package sni

import (
	"crypto/tls"
	"errors"
	"net"
	"testing"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// realClientHello captures the bytes a stock crypto/tls client actually
// sends for the given server name.
func realClientHello(t *testing.T, serverName string) []byte {
	t.Helper()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		conn := tls.Client(client, &tls.Config{ServerName: serverName})
		// The handshake stalls waiting for a ServerHello that never
		// comes; we only want the bytes it wrote first.
		_ = conn.Handshake()
	}()

	buf := make([]byte, MaxClientHelloSize)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("reading client hello: %v", err)
	}
	return buf[:n]
}

// buildClientHello assembles a minimal syntactically valid hello by hand
// so edge cases stay reproducible.
func buildClientHello(host string, withSNI bool) []byte {
	var body []byte
	body = append(body, 0x03, 0x03)             // client_version
	body = append(body, make([]byte, 32)...)    // random
	body = append(body, 0x00)                   // session_id
	body = append(body, 0x00, 0x02, 0x13, 0x01) // one cipher suite
	body = append(body, 0x01, 0x00)             // null compression

	if withSNI {
		name := []byte(host)
		entry := append([]byte{nameTypeHostname, byte(len(name) >> 8), byte(len(name))}, name...)
		list := append([]byte{byte(len(entry) >> 8), byte(len(entry))}, entry...)
		ext := append([]byte{0x00, 0x00, byte(len(list) >> 8), byte(len(list))}, list...)
		body = append(body, byte(len(ext)>>8), byte(len(ext)))
		body = append(body, ext...)
	}

	hs := append([]byte{handshakeClientHello, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	record := append([]byte{recordTypeHandshake, 0x03, 0x01, byte(len(hs) >> 8), byte(len(hs))}, hs...)
	return record
}

func TestExtractFromRealClientHello(t *testing.T) {
	hello := realClientHello(t, "node-a1b2c3d4.gatemesh.example")

	host, err := Extract(hello)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if host != "node-a1b2c3d4.gatemesh.example" {
		t.Errorf("host = %q", host)
	}
}

func TestExtractLowercasesHostname(t *testing.T) {
	host, err := Extract(buildClientHello("Node-FF00.Example.COM", true))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if host != "node-ff00.example.com" {
		t.Errorf("host = %q, want lowercased", host)
	}
}

func TestExtractIncrementalPrefixes(t *testing.T) {
	hello := buildClientHello("prefix.example.com", true)

	// Every strict prefix must report ErrNeedMore, never a verdict.
	for i := 0; i < len(hello); i++ {
		_, err := Extract(hello[:i])
		if !errors.Is(err, ErrNeedMore) {
			t.Fatalf("Extract(prefix %d/%d) error = %v, want ErrNeedMore", i, len(hello), err)
		}
	}

	host, err := Extract(hello)
	if err != nil {
		t.Fatalf("Extract(full) error = %v", err)
	}
	if host != "prefix.example.com" {
		t.Errorf("host = %q", host)
	}
}

func TestExtractTrailingBytesIgnored(t *testing.T) {
	hello := buildClientHello("pipeline.example.com", true)
	// Early application data after the hello must not confuse the walk.
	hello = append(hello, 0xde, 0xad, 0xbe, 0xef)

	host, err := Extract(hello)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if host != "pipeline.example.com" {
		t.Errorf("host = %q", host)
	}
}

func TestExtractNotTLS(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"http request", []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")},
		{"ssh banner", []byte("SSH-2.0-OpenSSH_9.6\r\n")},
		{"bad record version", []byte{recordTypeHandshake, 0x02, 0x00, 0x00, 0x05, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Extract(tt.data); !errors.Is(err, domain.ErrNotTLS) {
				t.Errorf("Extract() error = %v, want ErrNotTLS", err)
			}
		})
	}
}

func TestExtractNoSNI(t *testing.T) {
	if _, err := Extract(buildClientHello("", false)); !errors.Is(err, domain.ErrNoSNI) {
		t.Errorf("Extract() error = %v, want ErrNoSNI", err)
	}
}

func TestExtractTooLarge(t *testing.T) {
	oversized := []byte{recordTypeHandshake, 0x03, 0x01, 0xff, 0xff}
	if _, err := Extract(oversized); !errors.Is(err, domain.ErrClientHelloTooLarge) {
		t.Errorf("Extract() error = %v, want ErrClientHelloTooLarge", err)
	}
}

// TestExtractNeverPanics drives the parser with mutated hellos. Every
// outcome is acceptable except a panic or a wrong hostname.
func TestExtractNeverPanics(t *testing.T) {
	hello := buildClientHello("mutate.example.com", true)

	for i := 0; i < len(hello); i++ {
		for _, b := range []byte{0x00, 0x01, 0x7f, 0xff} {
			mutated := make([]byte, len(hello))
			copy(mutated, hello)
			mutated[i] = b

			host, err := Extract(mutated)
			if err == nil && host == "" {
				t.Errorf("mutation at byte %d: empty host without error", i)
			}
		}
	}
}

func BenchmarkExtract(b *testing.B) {
	hello := buildClientHello("bench.example.com", true)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Extract(hello); err != nil {
			b.Fatal(err)
		}
	}
}
