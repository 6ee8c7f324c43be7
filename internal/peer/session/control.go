package session

import (
	"context"
	"fmt"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
)

// maxMissedPings is the number of consecutive unanswered keepalives that
// forces the session to Closing.
const maxMissedPings = 2

// handshakeInitiator opens the control stream, sends the handshake and
// waits for the response.
func (s *Session) handshakeInitiator() error {
	ctrl, err := s.mux.Open()
	if err != nil {
		return fmt.Errorf("session: open control stream: %w", err)
	}
	s.control = ctrl

	if err := writeKindByte(ctrl, domain.StreamControl); err != nil {
		return err
	}

	hello, err := wire.NewMessage(wire.TypeHandshake, wire.Handshake{
		NodeID:       s.LocalID().String(),
		Capabilities: s.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(ctrl, hello); err != nil {
		return fmt.Errorf("session: send handshake: %w", err)
	}

	if err := ctrl.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	resp, err := wire.ReadMessage(ctrl)
	if err != nil {
		return domain.ErrHandshakeTimeout.WithCause(err)
	}
	if err := ctrl.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if resp.Type != wire.TypeHandshakeResponse || resp.ID != hello.ID {
		return domain.ErrUnexpectedPayload.WithDetails(string(resp.Type))
	}
	var hr wire.HandshakeResponse
	if err := resp.DecodePayload(&hr); err != nil {
		return err
	}

	// The responder advertises capabilities even on rejection, so a
	// rejected peer can still decide where to go next.
	s.setRemoteCapabilities(hr.Capabilities)

	if resp.Version != wire.ProtocolVersion {
		return domain.ErrVersionMismatch.WithDetails(fmt.Sprintf("remote speaks v%d", resp.Version))
	}
	if !hr.Accepted {
		return domain.ErrHandshakeRejected.WithDetails(hr.Reason)
	}
	return nil
}

// handshakeResponder accepts the control stream, validates the handshake
// and answers it. Capabilities are always advertised in the response.
func (s *Session) handshakeResponder() error {
	ctrl, err := s.acceptControlStream()
	if err != nil {
		return err
	}
	s.control = ctrl

	if err := ctrl.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	hello, err := wire.ReadMessage(ctrl)
	if err != nil {
		return domain.ErrHandshakeTimeout.WithCause(err)
	}
	if err := ctrl.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if hello.Type != wire.TypeHandshake {
		return domain.ErrUnexpectedPayload.WithDetails(string(hello.Type))
	}
	var h wire.Handshake
	if err := hello.DecodePayload(&h); err != nil {
		return err
	}

	reject := func(reason string, cause *domain.DomainError) error {
		resp, merr := wire.NewResponse(hello.ID, wire.TypeHandshakeResponse, wire.HandshakeResponse{
			Accepted:     false,
			Reason:       reason,
			Capabilities: s.cfg.Capabilities,
		})
		if merr == nil {
			_ = wire.WriteMessage(ctrl, resp)
		}
		return cause.WithDetails(reason)
	}

	if hello.Version != wire.ProtocolVersion {
		return reject(fmt.Sprintf("unsupported protocol version %d", hello.Version), domain.ErrVersionMismatch)
	}

	// The handshake identity must match what the transport verified.
	claimed, err := domain.ParseNodeID(h.NodeID)
	if err != nil || claimed != s.remoteID {
		return reject("handshake identity does not match transport identity", domain.ErrHandshakeRejected)
	}

	if s.cfg.VerifyPeer != nil {
		if verr := s.cfg.VerifyPeer(s.remoteID, h.Capabilities); verr != nil {
			return reject(verr.Error(), domain.ErrHandshakeRejected)
		}
	}

	s.setRemoteCapabilities(h.Capabilities)

	resp, err := wire.NewResponse(hello.ID, wire.TypeHandshakeResponse, wire.HandshakeResponse{
		Accepted:     true,
		Capabilities: s.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(ctrl, resp); err != nil {
		return fmt.Errorf("session: send handshake response: %w", err)
	}
	return nil
}

// acceptControlStream waits for the initiator's control stream, bounded by
// the handshake timeout.
func (s *Session) acceptControlStream() (ctrl *Stream, err error) {
	type result struct {
		conn *Stream
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		raw, aerr := s.mux.Accept()
		if aerr != nil {
			ch <- result{nil, fmt.Errorf("session: accept control stream: %w", aerr)}
			return
		}
		kind, kerr := readKindByte(raw, s.cfg.HandshakeTimeout)
		if kerr != nil {
			raw.Close()
			ch <- result{nil, kerr}
			return
		}
		if kind != domain.StreamControl {
			raw.Close()
			ch <- result{nil, domain.ErrUnexpectedPayload.WithDetails("first stream must be control")}
			return
		}
		ch <- result{&Stream{kind: kind, conn: raw}, nil}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(s.cfg.HandshakeTimeout):
		return nil, domain.ErrHandshakeTimeout
	}
}

// run is the session's owning loop: it executes posted operations,
// dispatches inbound control traffic and drives keepalive. No other
// goroutine touches pending, streams or writes to the control stream.
func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case op := <-s.ops:
			op()
		case msg := <-s.ctrlIn:
			s.dispatchControl(msg)
		case <-ticker.C:
			s.keepaliveTick()
		}
	}
}

// writeControl writes a control message. Run-loop only; a write failure on
// the control stream is fatal to the whole session.
func (s *Session) writeControl(msg *wire.Message) {
	if err := wire.WriteMessage(s.control, msg); err != nil {
		s.closeWith(fmt.Errorf("control stream write: %w", err))
	}
}

func (s *Session) dispatchControl(msg *wire.Message) {
	if msg.IsResponse() {
		if waiter, ok := s.pending[msg.ID]; ok {
			delete(s.pending, msg.ID)
			waiter <- msg // buffered, never blocks
		} else {
			s.log.Debug("dropping uncorrelated response", "id", msg.ID, "type", string(msg.Type))
		}
		return
	}

	switch msg.Type {
	case wire.TypePing:
		var p wire.Ping
		if err := msg.DecodePayload(&p); err != nil {
			s.replyError(msg, "GM-WIRE-4132", "malformed ping")
			return
		}
		if resp, err := wire.NewResponse(msg.ID, wire.TypePong, wire.Pong{Nonce: p.Nonce}); err == nil {
			s.writeControl(resp)
		}

	case wire.TypeCapabilityAnnounce:
		var ca wire.CapabilityAnnounce
		if err := msg.DecodePayload(&ca); err != nil {
			s.replyError(msg, "GM-WIRE-4132", "malformed capability announce")
			return
		}
		s.setRemoteCapabilities(ca.Capabilities)

	case wire.TypeRegister, wire.TypeDNSChallengeCreate, wire.TypeDNSChallengeCleanup:
		// Backend calls may hit external services; never block the loop.
		go s.serveBackendRequest(msg)

	case wire.TypeHandshake:
		// Handshake after Active is a protocol violation.
		s.closeWith(domain.ErrUnexpectedPayload.WithDetails("handshake on active session"))

	default:
		s.replyError(msg, "GM-WIRE-4133", fmt.Sprintf("unsupported request type %q", msg.Type))
	}
}

// serveBackendRequest runs a control request against the backend and posts
// the reply back to the run loop.
func (s *Session) serveBackendRequest(msg *wire.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	var resp *wire.Message
	var err error

	if s.cfg.Backend == nil {
		resp, err = wire.NewResponse(msg.ID, wire.TypeError, wire.ErrorPayload{
			Code:      "GM-PEER-4107",
			Message:   "peer does not serve control requests",
			RelatedID: msg.ID,
		})
	} else {
		switch msg.Type {
		case wire.TypeRegister:
			var rr wire.RegisterResponse
			rr, err = s.cfg.Backend.Register(ctx, s)
			if err != nil {
				resp, err = wire.NewResponse(msg.ID, wire.TypeError, wire.ErrorPayload{
					Code: domain.GetErrorCode(err), Message: err.Error(), RelatedID: msg.ID,
				})
			} else {
				resp, err = wire.NewResponse(msg.ID, wire.TypeRegisterResponse, rr)
			}

		case wire.TypeDNSChallengeCreate:
			var req wire.DNSChallengeCreate
			if derr := msg.DecodePayload(&req); derr != nil {
				resp, err = wire.NewResponse(msg.ID, wire.TypeError, wire.ErrorPayload{
					Code: "GM-WIRE-4132", Message: "malformed challenge create", RelatedID: msg.ID,
				})
			} else {
				resp, err = wire.NewResponse(msg.ID, wire.TypeDNSChallengeResponse,
					s.cfg.Backend.CreateChallenge(ctx, s, req))
			}

		case wire.TypeDNSChallengeCleanup:
			var req wire.DNSChallengeCleanup
			if derr := msg.DecodePayload(&req); derr != nil {
				resp, err = wire.NewResponse(msg.ID, wire.TypeError, wire.ErrorPayload{
					Code: "GM-WIRE-4132", Message: "malformed challenge cleanup", RelatedID: msg.ID,
				})
			} else {
				resp, err = wire.NewResponse(msg.ID, wire.TypeDNSChallengeResponse,
					s.cfg.Backend.CleanupChallenge(ctx, s, req))
			}
		}
	}

	if err != nil || resp == nil {
		s.log.Error("building control response failed", "type", string(msg.Type), "error", err)
		return
	}
	s.post(func() { s.writeControl(resp) })
}

func (s *Session) replyError(msg *wire.Message, code, text string) {
	resp, err := wire.NewResponse(msg.ID, wire.TypeError, wire.ErrorPayload{
		Code:      code,
		Message:   text,
		RelatedID: msg.ID,
	})
	if err == nil {
		s.writeControl(resp)
	}
}

// keepaliveTick sends a ping and enforces the missed-pong budget.
func (s *Session) keepaliveTick() {
	if s.missedPings.Load() >= maxMissedPings {
		s.closeWith(domain.ErrRequestTimeout.WithDetails("keepalive: peer stopped answering pings"))
		return
	}

	nonce := uint64(time.Now().UnixNano())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KeepaliveInterval)
		defer cancel()
		resp, err := s.roundTrip(ctx, wire.TypePing, wire.Ping{Nonce: nonce})
		if err != nil {
			s.missedPings.Add(1)
			return
		}
		var pong wire.Pong
		if resp.Type == wire.TypePong && resp.DecodePayload(&pong) == nil && pong.Nonce == nonce {
			s.missedPings.Store(0)
		}
	}()
}

// roundTrip sends a correlated request on the control stream and waits for
// its response. Multiple round-trips may be in flight concurrently;
// responses are matched purely by id, never by order.
func (s *Session) roundTrip(ctx context.Context, t wire.PayloadType, payload any) (*wire.Message, error) {
	if s.State() != StateActive {
		return nil, domain.ErrSessionClosed
	}

	msg, err := wire.NewMessage(t, payload)
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	waiter := make(chan *wire.Message, 1)
	s.post(func() {
		s.pending[msg.ID] = waiter
		s.writeControl(msg)
	})

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		// Garbage-collect the pending entry; a late response is dropped.
		s.post(func() { delete(s.pending, msg.ID) })
		return nil, domain.ErrRequestTimeout.WithCause(ctx.Err())
	case <-s.done:
		return nil, domain.ErrSessionClosed
	}
}

// Register asks the relay to assign this node's public domain.
func (s *Session) Register(ctx context.Context) (wire.RegisterResponse, error) {
	var out wire.RegisterResponse
	resp, err := s.roundTrip(ctx, wire.TypeRegister, wire.Register{})
	if err != nil {
		return out, err
	}
	if resp.Type == wire.TypeError {
		return out, remoteError(resp)
	}
	if err := resp.DecodePayload(&out); err != nil {
		return out, err
	}
	return out, nil
}

// CreateDNSChallenge asks the peer to publish a DNS-01 TXT record. The
// caller (the certificate collaborator) owns retries; none happen here.
func (s *Session) CreateDNSChallenge(ctx context.Context, dom, txtValue string) (wire.DNSChallengeResponse, error) {
	return s.challengeRoundTrip(ctx, wire.TypeDNSChallengeCreate, wire.DNSChallengeCreate{
		Domain:   dom,
		TXTValue: txtValue,
	})
}

// CleanupDNSChallenge asks the peer to remove the TXT record for dom.
func (s *Session) CleanupDNSChallenge(ctx context.Context, dom string) (wire.DNSChallengeResponse, error) {
	return s.challengeRoundTrip(ctx, wire.TypeDNSChallengeCleanup, wire.DNSChallengeCleanup{Domain: dom})
}

func (s *Session) challengeRoundTrip(ctx context.Context, t wire.PayloadType, payload any) (wire.DNSChallengeResponse, error) {
	var out wire.DNSChallengeResponse
	resp, err := s.roundTrip(ctx, t, payload)
	if err != nil {
		return out, err
	}
	if resp.Type == wire.TypeError {
		return out, remoteError(resp)
	}
	if err := resp.DecodePayload(&out); err != nil {
		return out, err
	}
	return out, nil
}

// AnnounceCapabilities refreshes this side's advertised capabilities.
func (s *Session) AnnounceCapabilities(caps domain.Capabilities) error {
	if s.State() != StateActive {
		return domain.ErrSessionClosed
	}
	msg, err := wire.NewMessage(wire.TypeCapabilityAnnounce, wire.CapabilityAnnounce{Capabilities: caps})
	if err != nil {
		return err
	}
	s.post(func() { s.writeControl(msg) })
	return nil
}

func remoteError(resp *wire.Message) error {
	var ep wire.ErrorPayload
	if err := resp.DecodePayload(&ep); err != nil {
		return err
	}
	return domain.NewDomainError(ep.Code, ep.Message)
}
