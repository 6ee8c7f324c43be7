package forward

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/node/certwatch"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
)

func writeTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "node.gatemesh.example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"node.gatemesh.example"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
	os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600)
	return certFile, keyFile
}

// startEchoUpstream runs a plaintext echo service, standing in for the
// node's local application.
func startEchoUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestForwardTerminatesTLSAndSplices(t *testing.T) {
	certFile, keyFile := writeTestCert(t, t.TempDir())
	certs, err := certwatch.New(certFile, keyFile, nil)
	if err != nil {
		t.Fatal(err)
	}
	handler := New(nil, certs, startEchoUpstream(t))

	nodeID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{31}, 32))
	relayID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{32}, 32))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	relayCh := make(chan *session.Session, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		if sess, err := session.Accept(raw, session.Config{Identity: relayID}); err == nil {
			relayCh <- sess
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	node, err := session.Dial(ctx, ln.Addr().String(), session.Config{
		Identity: nodeID,
		Handler: session.StreamHandlerFunc(func(s *session.Session, st *session.Stream) {
			handler.Handle(s, st)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	relaySess := <-relayCh
	defer relaySess.Close()

	// The relay-side stream carries what a public client would send:
	// a real TLS session addressed to the node's certificate.
	stream, err := relaySess.OpenStream(domain.StreamTLSForward)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	roots := x509.NewCertPool()
	pemBytes, _ := os.ReadFile(certFile)
	roots.AppendCertsFromPEM(pemBytes)

	tlsClient := tls.Client(stream, &tls.Config{
		ServerName: "node.gatemesh.example",
		RootCAs:    roots,
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client handshake through forwarded stream: %v", err)
	}

	payload := []byte("request through the tunnel")
	if _, err := tlsClient.Write(payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(tlsClient, got); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echo = %q, want %q", got, payload)
	}
}

func TestForwardWithoutCertificateClosesStream(t *testing.T) {
	dir := t.TempDir()
	certs, err := certwatch.New(filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem"), nil)
	if err != nil {
		t.Fatal(err)
	}
	handler := New(nil, certs, "127.0.0.1:1") // never dialed

	nodeID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{33}, 32))
	relayID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{34}, 32))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	relayCh := make(chan *session.Session, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		if sess, err := session.Accept(raw, session.Config{Identity: relayID}); err == nil {
			relayCh <- sess
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	node, err := session.Dial(ctx, ln.Addr().String(), session.Config{
		Identity: nodeID,
		Handler: session.StreamHandlerFunc(func(s *session.Session, st *session.Stream) {
			handler.Handle(s, st)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	relaySess := <-relayCh
	defer relaySess.Close()

	stream, err := relaySess.OpenStream(domain.StreamTLSForward)
	if err != nil {
		t.Fatal(err)
	}
	tlsClient := tls.Client(stream, &tls.Config{
		ServerName:         "node.gatemesh.example",
		InsecureSkipVerify: true,
	})
	stream.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsClient.Handshake(); err == nil {
		t.Error("handshake should fail while the node has no certificate")
	}
}
