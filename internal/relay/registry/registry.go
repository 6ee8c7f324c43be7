// Package registry maps public hostnames to the peer sessions serving
// them. Bindings are session-scoped: when a session ends, every hostname
// it registered is dropped. A hostname has at most one live backing
// session; re-registration supersedes silently, which is what makes node
// reconnects seamless.
//
// @req RQ-0401 hostname to session resolution
// @design DS-0401 last-write-wins registration
package registry

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
)

// Registry is safe for concurrent use. The two maps are kept under one
// lock so a registration and its reverse index can never disagree.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	byHost map[string]*session.Session
	bySess map[*session.Session]map[string]struct{}
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log,
		byHost: make(map[string]*session.Session),
		bySess: make(map[*session.Session]map[string]struct{}),
	}
}

// Register binds hostname to sess, superseding any previous binding. The
// evicted session is NOT closed; it may legitimately still serve other
// hostnames, and if it is the same node reconnecting its old session is
// already dying on its own.
func (r *Registry) Register(hostname string, sess *session.Session) {
	hostname = strings.ToLower(hostname)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byHost[hostname]; ok && prev != sess {
		r.detachLocked(prev, hostname)
		r.log.Info("hostname re-registered",
			"hostname", hostname,
			"old_peer", prev.RemoteID().Short(),
			"new_peer", sess.RemoteID().Short())
	}

	r.byHost[hostname] = sess
	hosts, ok := r.bySess[sess]
	if !ok {
		hosts = make(map[string]struct{})
		r.bySess[sess] = hosts
	}
	hosts[hostname] = struct{}{}
}

// Resolve returns the session currently serving hostname.
func (r *Registry) Resolve(hostname string) (*session.Session, error) {
	hostname = strings.ToLower(hostname)

	r.mu.RLock()
	sess, ok := r.byHost[hostname]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.ErrHostnameNotFound.WithDetails(hostname)
	}
	if sess.State() != session.StateActive {
		// The binding is stale; drop it so the next probe fails fast.
		r.UnregisterSession(sess)
		return nil, domain.ErrHostnameNotFound.WithDetails(hostname)
	}
	return sess, nil
}

// UnregisterSession removes every hostname bound to sess. Called from the
// session's close hook.
func (r *Registry) UnregisterSession(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hostname := range r.bySess[sess] {
		// Only unbind hostnames this session still owns; a superseding
		// registration must survive its predecessor's teardown.
		if r.byHost[hostname] == sess {
			delete(r.byHost, hostname)
		}
	}
	delete(r.bySess, sess)
}

func (r *Registry) detachLocked(sess *session.Session, hostname string) {
	if hosts, ok := r.bySess[sess]; ok {
		delete(hosts, hostname)
		if len(hosts) == 0 {
			delete(r.bySess, sess)
		}
	}
}

// Hostnames returns all registered hostnames, for the admin API.
func (r *Registry) Hostnames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byHost))
	for h := range r.byHost {
		out = append(out, h)
	}
	return out
}

// Count returns the number of registered hostnames.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHost)
}
