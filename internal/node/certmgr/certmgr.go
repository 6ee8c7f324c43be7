// Package certmgr is the node-side boundary for certificate issuance.
// The node runs its own ACME order and keeps its private key local; the
// only part it delegates is DNS: the Presenter forwards TXT record
// operations to the relay over the peer session.
//
// Presenter's method set matches what ACME DNS-01 solvers expect, so it
// plugs into an ACME client without an adapter.
//
// @req RQ-1201 delegated challenge presentation
// @design DS-1201 session-backed Present/CleanUp
package certmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
)

// DefaultTimeout bounds one presenter round trip.
const DefaultTimeout = 30 * time.Second

// SessionSource supplies the current relay session. A function rather
// than a session pointer, so reconnects swap the transport underneath
// an in-flight ACME order.
type SessionSource func() *session.Session

// Presenter publishes and removes DNS-01 TXT records through the relay.
type Presenter struct {
	log     *slog.Logger
	source  SessionSource
	timeout time.Duration
}

// NewPresenter creates a presenter over the given session source.
func NewPresenter(log *slog.Logger, source SessionSource) *Presenter {
	if log == nil {
		log = slog.Default()
	}
	return &Presenter{log: log, source: source, timeout: DefaultTimeout}
}

// Present asks the relay to publish the challenge TXT record and returns
// once the relay confirms. Retries belong to the ACME client driving the
// order, not here.
func (p *Presenter) Present(ctx context.Context, domainName, txtValue string) error {
	sess := p.source()
	if sess == nil {
		return domain.ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := sess.CreateDNSChallenge(ctx, domainName, txtValue)
	if err != nil {
		return fmt.Errorf("certmgr: present %s: %w", domainName, err)
	}
	if !resp.OK {
		return fmt.Errorf("certmgr: present %s: relay refused: %s", domainName, resp.Reason)
	}

	p.log.Info("challenge record presented", "domain", domainName, "record_ref", resp.RecordRef)
	return nil
}

// CleanUp asks the relay to remove the challenge record. Failures are
// logged, not returned: a leftover TXT record does not block issuance.
func (p *Presenter) CleanUp(ctx context.Context, domainName string) error {
	sess := p.source()
	if sess == nil {
		return domain.ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := sess.CleanupDNSChallenge(ctx, domainName)
	if err != nil {
		p.log.Warn("challenge cleanup failed", "domain", domainName, "error", err)
		return nil
	}
	if !resp.OK {
		p.log.Warn("relay refused challenge cleanup", "domain", domainName, "reason", resp.Reason)
	}
	return nil
}
