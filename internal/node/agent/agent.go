// Package agent maintains the node's relay connection. It dials, runs the
// peer handshake, registers for the node's public domain and then watches
// the session, reconnecting with bounded exponential backoff whenever it
// drops. The current session is exposed for components that outlive any
// single connection, the DNS-01 presenter in particular.
//
// @req RQ-1401 relay connection lifecycle
// @design DS-1401 reconnect loop with capped backoff
package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
)

// Config configures the agent.
type Config struct {
	// RelayAddress is the relay peer endpoint (host:port). Required.
	RelayAddress string

	// Identity is the node's keypair. Required.
	Identity *domain.Identity

	// ExpectRelay pins the relay's identity. Zero accepts any.
	ExpectRelay domain.NodeID

	// Capabilities advertised to the relay.
	Capabilities domain.Capabilities

	// Handler receives inbound inference and tlsforward streams.
	Handler session.StreamHandler

	// OnRegister is invoked after each successful registration.
	OnRegister func(resp wire.RegisterResponse)

	// ReconnectMin and ReconnectMax bound the backoff between attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Logger for connection events. Nil uses slog.Default().
	Logger *slog.Logger
}

func (c *Config) fill() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
}

// Agent keeps one relay session alive.
type Agent struct {
	cfg Config
	log *slog.Logger
	cur atomic.Pointer[session.Session]
}

// New creates an agent. Run starts it.
func New(cfg Config) *Agent {
	cfg.fill()
	return &Agent{cfg: cfg, log: cfg.Logger}
}

// Session returns the current active session, or nil when disconnected.
// Callers must tolerate the session dying underneath them.
func (a *Agent) Session() *session.Session {
	s := a.cur.Load()
	if s == nil || s.State() != session.StateActive {
		return nil
	}
	return s
}

// Run connects and reconnects until ctx is cancelled. It always returns
// ctx.Err().
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.ReconnectMin
	for {
		sess, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn("relay connection failed",
				"relay", a.cfg.RelayAddress,
				"retry_in", backoff,
				"error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, a.cfg.ReconnectMax)
			continue
		}

		backoff = a.cfg.ReconnectMin
		a.cur.Store(sess)

		select {
		case <-sess.Done():
			a.cur.Store(nil)
			a.log.Warn("relay session lost",
				"relay", sess.RemoteID().Short(),
				"error", sess.Err())
		case <-ctx.Done():
			a.cur.Store(nil)
			sess.Close()
			return ctx.Err()
		}
	}
}

func (a *Agent) connect(ctx context.Context) (*session.Session, error) {
	sess, err := session.Dial(ctx, a.cfg.RelayAddress, session.Config{
		Identity:     a.cfg.Identity,
		Capabilities: a.cfg.Capabilities,
		ExpectPeer:   a.cfg.ExpectRelay,
		Handler:      a.cfg.Handler,
		Logger:       a.log,
	})
	if err != nil {
		return nil, err
	}

	resp, err := sess.Register(ctx)
	if err != nil {
		sess.Close()
		return nil, err
	}
	a.log.Info("registered with relay",
		"relay", sess.RemoteID().Short(),
		"domain", resp.Domain)

	if a.cfg.OnRegister != nil {
		a.cfg.OnRegister(resp)
	}
	return sess, nil
}
