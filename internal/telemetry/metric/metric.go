// Package metric provides Prometheus metrics for GateMesh.
//
// One Metrics value is created per process and shared by the relay's (or
// node's) components. The registry is private so tests can create
// isolated instances without collisions.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Forward outcome label values.
const (
	ResultOK         = "ok"
	ResultNoRoute    = "no_route"
	ResultNotTLS     = "not_tls"
	ResultNoSNI      = "no_sni"
	ResultTooLarge   = "too_large"
	ResultOpenFailed = "open_failed"
	ResultIOError    = "io_error"
	ResultRateLimit  = "rate_limited"
)

// Metrics holds every collector the gateway exports.
type Metrics struct {
	reg *prometheus.Registry

	// Peer sessions.
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	HandshakeFailures prometheus.Counter
	StreamsOpened     *prometheus.CounterVec // by stream kind

	// TLS forwarding.
	ForwardsTotal   *prometheus.CounterVec // by result
	ForwardsActive  prometheus.Gauge
	ForwardBytes    *prometheus.CounterVec // by direction: in (client->node), out
	ForwardDuration prometheus.Histogram

	// Control protocol.
	RegistrationsTotal prometheus.Counter
	ChallengesTotal    *prometheus.CounterVec // by op (create/cleanup) and result

	// Registry.
	HostnamesRegistered prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry, including
// the standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatemesh_peer_sessions_active",
			Help: "Peer sessions currently in the Active state.",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gatemesh_peer_sessions_total",
			Help: "Peer sessions established since start.",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gatemesh_peer_handshake_failures_total",
			Help: "Peer handshakes that failed or were rejected.",
		}),
		StreamsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatemesh_peer_streams_opened_total",
			Help: "Multiplexed sub-streams opened, by kind.",
		}, []string{"kind"}),

		ForwardsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatemesh_tlsforward_connections_total",
			Help: "Public TLS connections handled, by outcome.",
		}, []string{"result"}),
		ForwardsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatemesh_tlsforward_connections_active",
			Help: "Forwarded connections currently spliced.",
		}),
		ForwardBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatemesh_tlsforward_bytes_total",
			Help: "Bytes spliced between clients and nodes, by direction.",
		}, []string{"direction"}),
		ForwardDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatemesh_tlsforward_duration_seconds",
			Help:    "Lifetime of forwarded connections.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		RegistrationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gatemesh_register_requests_total",
			Help: "Domain registration requests served.",
		}),
		ChallengesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatemesh_dns_challenges_total",
			Help: "DNS-01 challenge operations, by op and result.",
		}, []string{"op", "result"}),

		HostnamesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatemesh_hostnames_registered",
			Help: "Hostnames currently routable.",
		}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
