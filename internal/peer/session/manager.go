package session

import (
	"log/slog"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/pkg/cmap"
)

// Manager tracks the Active sessions of one endpoint, keyed by peer
// identity. At most one session per peer: a newer session to the same
// peer supersedes and closes the older one.
type Manager struct {
	log      *slog.Logger
	sessions *cmap.Map[string, *Session]
}

// NewManager creates an empty session manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		sessions: cmap.New[string, *Session](),
	}
}

// Add registers a session, superseding any previous session to the same
// peer. The superseded session is closed.
func (m *Manager) Add(s *Session) {
	key := s.RemoteID().String()
	if prev, ok := m.sessions.Get(key); ok && prev != s {
		m.log.Info("superseding peer session", "peer", s.RemoteID().Short())
		prev.Close()
	}
	m.sessions.Set(key, s)
}

// Remove drops a session if it is still the current one for its peer.
func (m *Manager) Remove(s *Session) {
	key := s.RemoteID().String()
	if current, ok := m.sessions.Get(key); ok && current == s {
		m.sessions.Delete(key)
	}
}

// Get returns the Active session for a peer, if any.
func (m *Manager) Get(id domain.NodeID) (*Session, bool) {
	s, ok := m.sessions.Get(id.String())
	if !ok || s.State() != StateActive {
		return nil, false
	}
	return s, true
}

// ListPeers enumerates peers with an Active session.
func (m *Manager) ListPeers() []domain.NodeID {
	peers := make([]domain.NodeID, 0, m.sessions.Count())
	m.sessions.Range(func(_ string, s *Session) bool {
		if s.State() == StateActive {
			peers = append(peers, s.RemoteID())
		}
		return true
	})
	return peers
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	return m.sessions.Count()
}

// CloseAll shuts down every tracked session.
func (m *Manager) CloseAll() {
	m.sessions.Range(func(_ string, s *Session) bool {
		s.Close()
		return true
	})
	m.sessions.Clear()
}
