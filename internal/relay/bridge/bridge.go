// Package bridge splices public TLS connections onto peer sessions. The
// relay never terminates TLS here: after the SNI peek, the buffered
// ClientHello bytes are replayed to the node verbatim and the two
// connections are joined byte for byte.
//
// @req RQ-0501 transparent TLS forwarding
// @design DS-0501 replay-then-splice over a tlsforward stream
package bridge

import (
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/relay/registry"
	"github.com/yndnr/gatemesh-go/internal/telemetry/metric"
)

// Bridge routes public connections to node sessions by hostname.
type Bridge struct {
	log *slog.Logger
	reg *registry.Registry
	met *metric.Metrics
}

// New creates a bridge over the given registry.
func New(log *slog.Logger, reg *registry.Registry, met *metric.Metrics) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{log: log, reg: reg, met: met}
}

// Forward joins client to the node serving hostname. prefix holds the
// bytes already consumed by the SNI peek; they reach the node first so
// its TLS stack sees an intact ClientHello. Forward blocks until either
// side closes and always closes client before returning.
func (b *Bridge) Forward(client net.Conn, hostname string, prefix []byte) {
	defer client.Close()
	start := time.Now()

	sess, err := b.reg.Resolve(hostname)
	if err != nil {
		b.met.ForwardsTotal.WithLabelValues(metric.ResultNoRoute).Inc()
		b.log.Debug("no route for hostname", "hostname", hostname)
		return
	}

	stream, err := sess.OpenStream(domain.StreamTLSForward)
	if err != nil {
		b.met.ForwardsTotal.WithLabelValues(metric.ResultOpenFailed).Inc()
		b.log.Warn("opening tlsforward stream failed",
			"hostname", hostname, "peer", sess.RemoteID().Short(), "error", err)
		return
	}
	defer stream.Close()
	b.met.StreamsOpened.WithLabelValues(domain.StreamTLSForward.String()).Inc()

	if _, err := stream.Write(prefix); err != nil {
		b.met.ForwardsTotal.WithLabelValues(metric.ResultIOError).Inc()
		b.log.Debug("replaying client hello failed", "hostname", hostname, "error", err)
		return
	}

	b.met.ForwardsActive.Inc()
	in, out := b.splice(client, stream)
	b.met.ForwardsActive.Dec()
	b.met.ForwardBytes.WithLabelValues("in").Add(float64(in + int64(len(prefix))))
	b.met.ForwardBytes.WithLabelValues("out").Add(float64(out))
	b.met.ForwardsTotal.WithLabelValues(metric.ResultOK).Inc()
	b.met.ForwardDuration.Observe(time.Since(start).Seconds())

	b.log.Debug("forward finished",
		"hostname", hostname,
		"peer", sess.RemoteID().Short(),
		"bytes_in", in+int64(len(prefix)),
		"bytes_out", out,
		"duration", time.Since(start))
}

// splice copies in both directions until one side finishes, then closes
// both so the other copy unblocks. Returns client->node and node->client
// byte counts.
func (b *Bridge) splice(client, node net.Conn) (in, out int64) {
	done := make(chan struct{}, 2)

	go func() {
		in, _ = io.Copy(node, client)
		client.Close()
		node.Close()
		done <- struct{}{}
	}()
	go func() {
		out, _ = io.Copy(client, node)
		client.Close()
		node.Close()
		done <- struct{}{}
	}()

	<-done
	<-done
	return in, out
}
