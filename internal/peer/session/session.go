package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/secure"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
)

// State is the session lifecycle state.
type State int32

// Session lifecycle: Connecting -> Handshaking -> Active -> Closing -> Closed.
const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Default timing parameters.
const (
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	kindByteTimeout          = 10 * time.Second
)

// StreamHandler receives inbound inference and tlsforward streams. The
// handler owns the stream and must close it.
type StreamHandler interface {
	HandleStream(sess *Session, st *Stream)
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(sess *Session, st *Stream)

// HandleStream implements StreamHandler.
func (f StreamHandlerFunc) HandleStream(sess *Session, st *Stream) { f(sess, st) }

// ControlBackend serves the request side of the control protocol. A peer
// without provider access (a node) leaves it nil; requests are then
// answered with an error payload.
type ControlBackend interface {
	// Register assigns (or restores) the peer's public domain.
	Register(ctx context.Context, sess *Session) (wire.RegisterResponse, error)

	// CreateChallenge publishes a DNS-01 TXT record for the peer.
	CreateChallenge(ctx context.Context, sess *Session, req wire.DNSChallengeCreate) wire.DNSChallengeResponse

	// CleanupChallenge removes a previously created TXT record.
	CleanupChallenge(ctx context.Context, sess *Session, req wire.DNSChallengeCleanup) wire.DNSChallengeResponse
}

// Config configures a session endpoint.
type Config struct {
	// Identity is the local keypair. Required.
	Identity *domain.Identity

	// Capabilities advertised in the handshake.
	Capabilities domain.Capabilities

	// ExpectPeer pins the dialed peer's identity. Zero accepts any.
	ExpectPeer domain.NodeID

	// Handler receives inbound non-control streams. Nil closes them.
	Handler StreamHandler

	// Backend serves control requests (relay side). Nil rejects them.
	Backend ControlBackend

	// VerifyPeer, if set, can reject a handshaking peer.
	VerifyPeer func(id domain.NodeID, caps domain.Capabilities) error

	// OnClose is invoked once, after the session reaches Closed.
	OnClose func(sess *Session)

	// Logger for session events. Nil uses slog.Default().
	Logger *slog.Logger

	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	RequestTimeout    time.Duration
}

func (c *Config) fill() error {
	if c.Identity == nil {
		return errors.New("session: identity is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = secure.DefaultHandshakeTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}

// Session is the live state of one connection to one peer.
type Session struct {
	cfg  Config
	log  *slog.Logger
	conn *secure.Conn
	mux  *yamux.Session

	control  net.Conn
	remoteID domain.NodeID

	capsMu     sync.RWMutex
	remoteCaps domain.Capabilities

	state        atomic.Int32
	nextStreamID atomic.Uint32
	missedPings  atomic.Int32

	// ops carries closures executed by the run loop, which exclusively
	// owns pending, streams and control writes.
	ops     chan func()
	ctrlIn  chan *wire.Message
	pending map[string]chan *wire.Message
	streams map[uint32]*Stream

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial establishes an encrypted transport to addr and performs the
// initiator side of the handshake before returning.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}

	sconn, err := secure.Client(raw, secure.Config{
		Identity:         cfg.Identity,
		Expect:           cfg.ExpectPeer,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("session: secure handshake: %w", err)
	}

	mux, err := yamux.Client(sconn, muxConfig())
	if err != nil {
		sconn.Close()
		return nil, fmt.Errorf("session: mux: %w", err)
	}

	s := newSession(cfg, sconn, mux)
	if err := s.handshakeInitiator(); err != nil {
		s.closeWith(err)
		return nil, err
	}
	s.start()
	return s, nil
}

// Accept performs the responder side over an already-accepted transport.
func Accept(raw net.Conn, cfg Config) (*Session, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}

	sconn, err := secure.Server(raw, secure.Config{
		Identity:         cfg.Identity,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("session: secure handshake: %w", err)
	}

	mux, err := yamux.Server(sconn, muxConfig())
	if err != nil {
		sconn.Close()
		return nil, fmt.Errorf("session: mux: %w", err)
	}

	s := newSession(cfg, sconn, mux)
	if err := s.handshakeResponder(); err != nil {
		s.closeWith(err)
		return nil, err
	}
	s.start()
	return s, nil
}

func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	// Keepalive runs on the control stream, not at the mux layer.
	cfg.EnableKeepAlive = false
	cfg.LogOutput = io.Discard
	return cfg
}

func newSession(cfg Config, sconn *secure.Conn, mux *yamux.Session) *Session {
	s := &Session{
		cfg:      cfg,
		conn:     sconn,
		mux:      mux,
		remoteID: sconn.RemoteID(),
		ops:      make(chan func(), 16),
		ctrlIn:   make(chan *wire.Message, 16),
		pending:  make(map[string]chan *wire.Message),
		streams:  make(map[uint32]*Stream),
		done:     make(chan struct{}),
	}
	s.log = cfg.Logger.With("peer", s.remoteID.Short())
	s.state.Store(int32(StateHandshaking))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RemoteID returns the verified identity of the peer.
func (s *Session) RemoteID() domain.NodeID { return s.remoteID }

// LocalID returns the local identity.
func (s *Session) LocalID() domain.NodeID { return s.cfg.Identity.NodeID() }

// RemoteAddr returns the transport's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// RemoteCapabilities returns the peer's last announced capabilities.
func (s *Session) RemoteCapabilities() domain.Capabilities {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	return s.remoteCaps
}

func (s *Session) setRemoteCapabilities(caps domain.Capabilities) {
	s.capsMu.Lock()
	s.remoteCaps = caps
	s.capsMu.Unlock()
}

// Done closes when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close shuts the session down, force-closing all open streams.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

// closeWith tears the session down exactly once. Closing done releases
// every Request waiter; closing the mux force-closes every stream.
func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		close(s.done)
		s.mux.Close()
		s.conn.Close()
		s.state.Store(int32(StateClosed))

		if err != nil {
			s.log.Warn("session closed", "error", err)
		} else {
			s.log.Debug("session closed")
		}
		if s.cfg.OnClose != nil {
			go s.cfg.OnClose(s)
		}
	})
}

// OpenStream opens a new sub-stream of the given kind over an Active
// session.
func (s *Session) OpenStream(kind domain.StreamKind) (*Stream, error) {
	if kind == domain.StreamControl {
		return nil, domain.ErrUnknownStreamType.WithDetails("control stream is implicit")
	}
	if s.State() != StateActive {
		return nil, domain.ErrSessionClosed
	}

	raw, err := s.mux.Open()
	if err != nil {
		if errors.Is(err, yamux.ErrStreamsExhausted) {
			return nil, domain.ErrStreamLimit
		}
		return nil, fmt.Errorf("session: open stream: %w", err)
	}
	if err := writeKindByte(raw, kind); err != nil {
		raw.Close()
		return nil, err
	}

	st := s.newStream(kind, raw)
	s.post(func() { s.streams[st.id] = st })
	return st, nil
}

func (s *Session) newStream(kind domain.StreamKind, conn net.Conn) *Stream {
	st := &Stream{
		kind: kind,
		id:   s.nextStreamID.Add(1),
		conn: conn,
	}
	st.onClose = func() {
		s.post(func() { delete(s.streams, st.id) })
	}
	return st
}

// post hands an operation to the run loop. Dropped once the session is
// shutting down, which is fine: the loop's state dies with it.
func (s *Session) post(op func()) {
	select {
	case s.ops <- op:
	case <-s.done:
	}
}

// start launches the session's goroutines: the run loop (owner of all
// session-private state), the control reader and the stream acceptor.
func (s *Session) start() {
	s.state.Store(int32(StateActive))
	go s.run()
	go s.readControl()
	go s.acceptStreams()
	s.log.Info("session active", "addr", s.conn.RemoteAddr())
}

// readControl feeds inbound control messages to the run loop. Any error
// here is fatal to the session.
func (s *Session) readControl() {
	for {
		msg, err := wire.ReadMessage(s.control)
		if err != nil {
			select {
			case <-s.done: // already closing, keep the original cause
			default:
				s.closeWith(fmt.Errorf("control stream: %w", err))
			}
			return
		}
		select {
		case s.ctrlIn <- msg:
		case <-s.done:
			return
		}
	}
}

// acceptStreams dispatches inbound sub-streams by their declared kind.
func (s *Session) acceptStreams() {
	for {
		raw, err := s.mux.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.closeWith(fmt.Errorf("mux accept: %w", err))
			}
			return
		}
		go s.handleInbound(raw)
	}
}

func (s *Session) handleInbound(raw net.Conn) {
	kind, err := readKindByte(raw, kindByteTimeout)
	if err != nil {
		s.log.Debug("rejecting inbound stream", "error", err)
		raw.Close()
		return
	}

	// The control stream is implicit and unique; a second one is a
	// protocol violation and fatal to the session.
	if kind == domain.StreamControl {
		raw.Close()
		s.closeWith(domain.ErrUnexpectedPayload.WithDetails("duplicate control stream"))
		return
	}

	st := s.newStream(kind, raw)
	s.post(func() { s.streams[st.id] = st })

	if s.cfg.Handler == nil {
		s.log.Debug("no handler for inbound stream", "kind", kind.String())
		st.Close()
		return
	}
	s.cfg.Handler.HandleStream(s, st)
}
