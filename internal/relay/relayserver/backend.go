package relayserver

import (
	"context"
	"log/slog"

	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
	"github.com/yndnr/gatemesh-go/internal/relay/dnschallenge"
	"github.com/yndnr/gatemesh-go/internal/relay/registry"
	"github.com/yndnr/gatemesh-go/internal/relay/store"
	"github.com/yndnr/gatemesh-go/internal/telemetry/metric"
)

// controlBackend answers the control requests nodes send over their
// sessions. It glues the assignment store, the routing registry and the
// challenge coordinator together.
type controlBackend struct {
	log   *slog.Logger
	store *store.Store
	reg   *registry.Registry
	coord *dnschallenge.Coordinator
	met   *metric.Metrics
}

var _ session.ControlBackend = (*controlBackend)(nil)

// Register implements session.ControlBackend. Registration both assigns
// the durable hostname and activates routing for the calling session.
func (b *controlBackend) Register(_ context.Context, sess *session.Session) (wire.RegisterResponse, error) {
	hostname, err := b.store.Assign(sess.RemoteID())
	if err != nil {
		return wire.RegisterResponse{}, err
	}

	b.reg.Register(hostname, sess)
	b.met.RegistrationsTotal.Inc()
	b.met.HostnamesRegistered.Set(float64(b.reg.Count()))

	b.log.Info("node registered", "peer", sess.RemoteID().Short(), "hostname", hostname)
	return wire.RegisterResponse{
		Domain: hostname,
		Suffix: b.store.Suffix(),
	}, nil
}

// CreateChallenge implements session.ControlBackend.
func (b *controlBackend) CreateChallenge(ctx context.Context, sess *session.Session, req wire.DNSChallengeCreate) wire.DNSChallengeResponse {
	ref, err := b.coord.Create(ctx, sess.RemoteID(), req.Domain, req.TXTValue)
	if err != nil {
		return wire.DNSChallengeResponse{OK: false, Reason: err.Error()}
	}
	return wire.DNSChallengeResponse{OK: true, RecordRef: ref}
}

// CleanupChallenge implements session.ControlBackend.
func (b *controlBackend) CleanupChallenge(ctx context.Context, sess *session.Session, req wire.DNSChallengeCleanup) wire.DNSChallengeResponse {
	if err := b.coord.Cleanup(ctx, sess.RemoteID(), req.Domain); err != nil {
		return wire.DNSChallengeResponse{OK: false, Reason: err.Error()}
	}
	return wire.DNSChallengeResponse{OK: true}
}
