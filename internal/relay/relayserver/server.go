package relayserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/relay/bridge"
	"github.com/yndnr/gatemesh-go/internal/relay/dnschallenge"
	"github.com/yndnr/gatemesh-go/internal/relay/registry"
	"github.com/yndnr/gatemesh-go/internal/relay/sni"
	"github.com/yndnr/gatemesh-go/internal/relay/store"
	"github.com/yndnr/gatemesh-go/internal/telemetry/metric"
	"github.com/yndnr/gatemesh-go/pkg/cmap"
)

// Config holds the relay server configuration.
type Config struct {
	// PublicAddress is where TLS clients connect (default ":443").
	PublicAddress string
	// PeerAddress is where nodes connect (default ":7443").
	PeerAddress string
	// HelloTimeout bounds how long a public client may take to deliver
	// its ClientHello (default 10s, slowloris protection).
	HelloTimeout time.Duration
	// RateLimit is new public connections per second per IP; 0 disables
	// limiting (default 100).
	RateLimit int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PublicAddress: ":443",
		PeerAddress:   ":7443",
		HelloTimeout:  10 * time.Second,
		RateLimit:     100,
	}
}

// Server runs the relay's peer and public listeners.
type Server struct {
	cfg      *Config
	log      *slog.Logger
	identity *domain.Identity

	manager *session.Manager
	reg     *registry.Registry
	bridge  *bridge.Bridge
	backend *controlBackend
	met     *metric.Metrics

	limiters *cmap.Map[string, *rate.Limiter]

	publicLn net.Listener
	peerLn   net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// New wires a relay server from its collaborators.
func New(cfg *Config, identity *domain.Identity, st *store.Store, coord *dnschallenge.Coordinator, met *metric.Metrics, log *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	reg := registry.New(log)
	s := &Server{
		cfg:      cfg,
		log:      log,
		identity: identity,
		manager:  session.NewManager(log),
		reg:      reg,
		bridge:   bridge.New(log, reg, met),
		met:      met,
		limiters: cmap.New[string, *rate.Limiter](),
	}
	s.backend = &controlBackend{
		log:   log,
		store: st,
		reg:   reg,
		coord: coord,
		met:   met,
	}
	return s
}

// Registry exposes the routing table, for the admin API.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Sessions exposes the session manager, for the admin API.
func (s *Server) Sessions() *session.Manager { return s.manager }

// Start opens both listeners and begins accepting.
func (s *Server) Start(ctx context.Context) error {
	publicLn, err := net.Listen("tcp", s.cfg.PublicAddress)
	if err != nil {
		return err
	}
	peerLn, err := net.Listen("tcp", s.cfg.PeerAddress)
	if err != nil {
		publicLn.Close()
		return err
	}
	s.publicLn = publicLn
	s.peerLn = peerLn
	s.running.Store(true)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.acceptPublic(ctx); err != nil && s.running.Load() {
			s.log.Error("public listener error", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.acceptPeers(ctx); err != nil && s.running.Load() {
			s.log.Error("peer listener error", "error", err)
		}
	}()

	s.log.Info("relay server started",
		"public_address", publicLn.Addr().String(),
		"peer_address", peerLn.Addr().String())
	return nil
}

// PublicAddr returns the bound public address, for tests using ":0".
func (s *Server) PublicAddr() net.Addr { return s.publicLn.Addr() }

// PeerAddr returns the bound peer address.
func (s *Server) PeerAddr() net.Addr { return s.peerLn.Addr() }

// Shutdown closes the listeners, ends all sessions and waits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	var firstErr error
	if s.publicLn != nil {
		if err := s.publicLn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.peerLn != nil {
		if err := s.peerLn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.manager.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return firstErr
}

// acceptPeers turns inbound node connections into managed sessions.
func (s *Server) acceptPeers(ctx context.Context) error {
	for {
		raw, err := s.peerLn.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePeer(raw)
		}()
	}
}

func (s *Server) handlePeer(raw net.Conn) {
	sess, err := session.Accept(raw, session.Config{
		Identity: s.identity,
		Capabilities: domain.Capabilities{
			SupportedStreams: []domain.StreamKind{domain.StreamControl},
			DNSChallenges:    true,
		},
		Backend: s.backend,
		Logger:  s.log,
		OnClose: s.onSessionClose,
	})
	if err != nil {
		s.met.HandshakeFailures.Inc()
		s.log.Warn("peer handshake failed", "remote", raw.RemoteAddr(), "error", err)
		return
	}

	s.manager.Add(sess)
	s.met.SessionsTotal.Inc()
	s.met.SessionsActive.Set(float64(s.manager.Count()))
}

// onSessionClose tears down everything a dead session was backing.
func (s *Server) onSessionClose(sess *session.Session) {
	s.manager.Remove(sess)
	s.reg.UnregisterSession(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.backend.coord.ReleaseNode(ctx, sess.RemoteID())

	s.met.SessionsActive.Set(float64(s.manager.Count()))
	s.met.HostnamesRegistered.Set(float64(s.reg.Count()))
}

// acceptPublic feeds public TLS clients through the SNI peek.
func (s *Server) acceptPublic(ctx context.Context) error {
	for {
		conn, err := s.publicLn.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if !s.allow(conn.RemoteAddr()) {
			s.met.ForwardsTotal.WithLabelValues(metric.ResultRateLimit).Inc()
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePublic(conn)
		}()
	}
}

// allow applies the per-IP connection rate limit.
func (s *Server) allow(addr net.Addr) bool {
	if s.cfg.RateLimit <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	lim, ok := s.limiters.Get(host)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimit*2)
		if existing, inserted := s.limiters.SetIfAbsent(host, lim); !inserted {
			lim = existing
		}
	}
	return lim.Allow()
}

// handlePublic buffers the ClientHello, extracts the SNI and hands the
// connection to the bridge. The buffered bytes travel with it.
func (s *Server) handlePublic(conn net.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout)); err != nil {
		conn.Close()
		return
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		// Never buffer past the hello bound, even mid-chunk.
		room := sni.MaxClientHelloSize - len(buf)
		if room > len(chunk) {
			room = len(chunk)
		}
		n, err := conn.Read(chunk[:room])
		if err != nil {
			s.met.ForwardsTotal.WithLabelValues(metric.ResultIOError).Inc()
			s.log.Debug("client hello read failed", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			return
		}
		buf = append(buf, chunk[:n]...)

		hostname, err := sni.Extract(buf)
		switch {
		case err == nil:
			conn.SetReadDeadline(time.Time{})
			s.bridge.Forward(conn, hostname, buf)
			return
		case errors.Is(err, sni.ErrNeedMore):
			if len(buf) >= sni.MaxClientHelloSize {
				s.met.ForwardsTotal.WithLabelValues(metric.ResultTooLarge).Inc()
				conn.Close()
				return
			}
			continue
		case errors.Is(err, domain.ErrNotTLS):
			s.met.ForwardsTotal.WithLabelValues(metric.ResultNotTLS).Inc()
			s.log.Debug("non-TLS client rejected", "remote", conn.RemoteAddr())
			conn.Close()
			return
		case errors.Is(err, domain.ErrClientHelloTooLarge):
			s.met.ForwardsTotal.WithLabelValues(metric.ResultTooLarge).Inc()
			conn.Close()
			return
		default:
			// Covers ErrNoSNI and malformed hellos.
			s.met.ForwardsTotal.WithLabelValues(metric.ResultNoSNI).Inc()
			s.log.Debug("unroutable client hello", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			return
		}
	}
}
