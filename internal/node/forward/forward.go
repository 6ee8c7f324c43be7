// Package forward terminates inbound tlsforward streams on the node.
// The relay splices raw TLS bytes through; this side completes the TLS
// handshake with the node's own certificate and splices the plaintext to
// the local upstream service.
//
// @req RQ-1001 node-side TLS termination
// @design DS-1001 terminate-then-splice to upstream
package forward

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/yndnr/gatemesh-go/internal/node/certwatch"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
)

const defaultDialTimeout = 10 * time.Second

// Handler serves tlsforward streams for one upstream address.
type Handler struct {
	log         *slog.Logger
	certs       *certwatch.Watcher
	upstream    string
	dialTimeout time.Duration
}

// New creates a handler splicing to the upstream host:port.
func New(log *slog.Logger, certs *certwatch.Watcher, upstream string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:         log,
		certs:       certs,
		upstream:    upstream,
		dialTimeout: defaultDialTimeout,
	}
}

// Handle implements the stream handler contract: it owns st and closes
// it before returning.
func (h *Handler) Handle(sess *session.Session, st *session.Stream) {
	defer st.Close()

	tlsConn := tls.Server(st, &tls.Config{
		GetCertificate: h.certs.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		h.log.Debug("tls handshake on forwarded stream failed",
			"peer", sess.RemoteID().Short(), "error", err)
		return
	}

	upstream, err := net.DialTimeout("tcp", h.upstream, h.dialTimeout)
	if err != nil {
		h.log.Warn("upstream dial failed", "upstream", h.upstream, "error", err)
		tlsConn.Close()
		return
	}

	h.splice(tlsConn, upstream)
}

// splice joins the decrypted stream and the upstream until either side
// finishes.
func (h *Handler) splice(client net.Conn, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(upstream, client)
		client.Close()
		upstream.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		client.Close()
		upstream.Close()
		done <- struct{}{}
	}()

	<-done
	<-done
}
