package dnschallenge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/telemetry/metric"
	"github.com/yndnr/gatemesh-go/pkg/cmap"
)

// challengePrefix is where ACME DNS-01 validation looks for the token.
const challengePrefix = "_acme-challenge."

type activeRecord struct {
	Ref    string
	Value  string
	NodeID domain.NodeID
}

// Coordinator serves challenge create and cleanup requests. At most one
// TXT record is live per hostname; a second create replaces the first,
// so a node retrying an ACME order never accumulates stale tokens.
type Coordinator struct {
	log      *slog.Logger
	provider Provider
	met      *metric.Metrics
	suffix   string

	active *cmap.Map[string, activeRecord]

	// locks serializes create and cleanup per hostname, across the
	// provider call. Control requests each run in their own goroutine, so
	// without this a cleanup could overtake an in-flight create, find
	// nothing to delete, and leave the created record dangling.
	locks *cmap.Map[string, *sync.Mutex]
}

// NewCoordinator creates a coordinator publishing under the given domain
// suffix (e.g. "gatemesh.example").
func NewCoordinator(log *slog.Logger, provider Provider, met *metric.Metrics, suffix string) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:      log,
		provider: provider,
		met:      met,
		suffix:   strings.ToLower(strings.Trim(suffix, ".")),
		active:   cmap.New[string, activeRecord](),
		locks:    cmap.New[string, *sync.Mutex](),
	}
}

// hostLock returns the mutex for hostname, creating it on first use.
// The set stays small: one entry per hostname that ever ran a challenge.
func (c *Coordinator) hostLock(hostname string) *sync.Mutex {
	mu := &sync.Mutex{}
	if existing, inserted := c.locks.SetIfAbsent(hostname, mu); !inserted {
		return existing
	}
	return mu
}

// authorize checks that hostname is a direct child of the suffix and
// belongs to the requesting node.
func (c *Coordinator) authorize(nodeID domain.NodeID, hostname string) (string, error) {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	label, ok := strings.CutSuffix(hostname, "."+c.suffix)
	if !ok || label == "" {
		return "", domain.ErrInvalidDomain.WithDetails(
			fmt.Sprintf("%s is not under %s", hostname, c.suffix))
	}
	if strings.Contains(label, ".") {
		return "", domain.ErrInvalidDomain.WithDetails("nested subdomains are not assignable")
	}
	if label != nodeID.Short() {
		return "", domain.ErrDomainNotOwned.WithDetails(hostname)
	}
	return hostname, nil
}

// Create publishes the TXT record for a node's DNS-01 challenge,
// replacing any record already live for the hostname. Returns the
// provider reference.
func (c *Coordinator) Create(ctx context.Context, nodeID domain.NodeID, hostname, txtValue string) (string, error) {
	hostname, err := c.authorize(nodeID, hostname)
	if err != nil {
		c.met.ChallengesTotal.WithLabelValues("create", "denied").Inc()
		return "", err
	}
	if txtValue == "" {
		c.met.ChallengesTotal.WithLabelValues("create", "denied").Inc()
		return "", domain.ErrInvalidDomain.WithDetails("empty challenge value")
	}

	mu := c.hostLock(hostname)
	mu.Lock()
	defer mu.Unlock()

	// Replace, don't stack: a lingering old token makes validators flaky.
	if prev, ok := c.active.Pop(hostname); ok {
		if derr := c.provider.DeleteTXT(ctx, prev.Ref); derr != nil {
			c.log.Warn("replacing stale challenge record failed",
				"hostname", hostname, "ref", prev.Ref, "error", derr)
		}
	}

	fqdn := challengePrefix + hostname
	ref, err := c.provider.CreateTXT(ctx, fqdn, txtValue)
	if err != nil {
		c.met.ChallengesTotal.WithLabelValues("create", "provider_error").Inc()
		return "", domain.ErrProviderFailure.WithCause(err)
	}

	c.active.Set(hostname, activeRecord{Ref: ref, Value: txtValue, NodeID: nodeID})
	c.met.ChallengesTotal.WithLabelValues("create", "ok").Inc()
	c.log.Info("challenge record published", "fqdn", fqdn, "peer", nodeID.Short())
	return ref, nil
}

// Cleanup removes the live TXT record for hostname. Cleaning up a
// hostname with no live record succeeds; the goal state is already true.
func (c *Coordinator) Cleanup(ctx context.Context, nodeID domain.NodeID, hostname string) error {
	hostname, err := c.authorize(nodeID, hostname)
	if err != nil {
		c.met.ChallengesTotal.WithLabelValues("cleanup", "denied").Inc()
		return err
	}

	mu := c.hostLock(hostname)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := c.active.Pop(hostname)
	if !ok {
		c.met.ChallengesTotal.WithLabelValues("cleanup", "ok").Inc()
		return nil
	}

	if err := c.provider.DeleteTXT(ctx, rec.Ref); err != nil {
		// Best effort: a leftover TXT record is harmless, certificates
		// keep working. Log it and move on.
		c.met.ChallengesTotal.WithLabelValues("cleanup", "provider_error").Inc()
		c.log.Warn("challenge record removal failed",
			"hostname", hostname, "ref", rec.Ref, "error", err)
		return nil
	}

	c.met.ChallengesTotal.WithLabelValues("cleanup", "ok").Inc()
	c.log.Info("challenge record removed", "hostname", hostname, "peer", nodeID.Short())
	return nil
}

// ReleaseNode removes every live record a node created, used when its
// session ends without a clean shutdown.
func (c *Coordinator) ReleaseNode(ctx context.Context, nodeID domain.NodeID) {
	var owned []string
	c.active.Range(func(hostname string, rec activeRecord) bool {
		if rec.NodeID == nodeID {
			owned = append(owned, hostname)
		}
		return true
	})
	for _, hostname := range owned {
		mu := c.hostLock(hostname)
		mu.Lock()
		if rec, ok := c.active.Pop(hostname); ok {
			if err := c.provider.DeleteTXT(ctx, rec.Ref); err != nil {
				c.log.Warn("releasing challenge record failed",
					"hostname", hostname, "error", err)
			}
		}
		mu.Unlock()
	}
}

// ActiveCount returns the number of live challenge records.
func (c *Coordinator) ActiveCount() int {
	return c.active.Count()
}
