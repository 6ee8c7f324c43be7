package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/secure"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
)

func testIdentity(t *testing.T, seed byte) *domain.Identity {
	t.Helper()
	id, err := domain.IdentityFromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("IdentityFromSeed() error = %v", err)
	}
	return id
}

// dialPipe runs the initiator side of session setup over an in-memory
// conn, mirroring Dial without TCP.
func dialPipe(raw net.Conn, cfg Config) (*Session, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	sconn, err := secure.Client(raw, secure.Config{
		Identity:         cfg.Identity,
		Expect:           cfg.ExpectPeer,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		raw.Close()
		return nil, err
	}
	mux, err := yamux.Client(sconn, muxConfig())
	if err != nil {
		sconn.Close()
		return nil, err
	}
	s := newSession(cfg, sconn, mux)
	if err := s.handshakeInitiator(); err != nil {
		s.closeWith(err)
		return nil, err
	}
	s.start()
	return s, nil
}

// sessionPair builds a connected initiator/responder pair over net.Pipe.
func sessionPair(t *testing.T, clientCfg, serverCfg Config) (*Session, *Session) {
	t.Helper()

	rawClient, rawServer := net.Pipe()

	type result struct {
		sess *Session
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		sess, err := Accept(rawServer, serverCfg)
		serverCh <- result{sess, err}
	}()

	client, err := dialPipe(rawClient, clientCfg)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}

	r := <-serverCh
	if r.err != nil {
		t.Fatalf("accept error = %v", r.err)
	}

	t.Cleanup(func() {
		client.Close()
		r.sess.Close()
	})
	return client, r.sess
}

func TestHandshakeExchangesCapabilities(t *testing.T) {
	nodeID := testIdentity(t, 1)
	relayID := testIdentity(t, 2)

	client, server := sessionPair(t,
		Config{
			Identity: nodeID,
			Capabilities: domain.Capabilities{
				SupportedStreams: []domain.StreamKind{domain.StreamInference, domain.StreamTLSForward},
				LoadFactor:       0.25,
			},
		},
		Config{
			Identity: relayID,
			Capabilities: domain.Capabilities{
				SupportedStreams: []domain.StreamKind{domain.StreamControl},
				DNSChallenges:    true,
			},
		},
	)

	if client.State() != StateActive || server.State() != StateActive {
		t.Fatalf("states = %v / %v, want active", client.State(), server.State())
	}
	if client.RemoteID() != relayID.NodeID() {
		t.Errorf("client remote = %s, want %s", client.RemoteID(), relayID.NodeID())
	}
	if server.RemoteID() != nodeID.NodeID() {
		t.Errorf("server remote = %s, want %s", server.RemoteID(), nodeID.NodeID())
	}
	if !client.RemoteCapabilities().DNSChallenges {
		t.Error("client should learn relay's dns_challenges capability")
	}
	if !server.RemoteCapabilities().Supports(domain.StreamTLSForward) {
		t.Error("server should learn node's tlsforward support")
	}
}

func TestHandshakeRejectedStillAdvertisesCapabilities(t *testing.T) {
	rawClient, rawServer := net.Pipe()

	go Accept(rawServer, Config{
		Identity:     testIdentity(t, 3),
		Capabilities: domain.Capabilities{DNSChallenges: true},
		VerifyPeer: func(domain.NodeID, domain.Capabilities) error {
			return errors.New("not on the guest list")
		},
	})

	_, err := dialPipe(rawClient, Config{Identity: testIdentity(t, 4)})
	if !errors.Is(err, domain.ErrHandshakeRejected) {
		t.Fatalf("dial error = %v, want ErrHandshakeRejected", err)
	}
}

func TestOpenStreamDispatchesByKind(t *testing.T) {
	received := make(chan domain.StreamKind, 1)
	echoed := make(chan []byte, 1)

	serverCfg := Config{
		Identity: testIdentity(t, 5),
		Handler: StreamHandlerFunc(func(_ *Session, st *Stream) {
			defer st.Close()
			received <- st.Kind()
			data, _ := io.ReadAll(st)
			echoed <- data
		}),
	}

	client, _ := sessionPair(t, Config{Identity: testIdentity(t, 6)}, serverCfg)

	st, err := client.OpenStream(domain.StreamInference)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	payload := []byte("inference request bytes")
	if _, err := st.Write(payload); err != nil {
		t.Fatalf("stream write error = %v", err)
	}
	st.Close()

	select {
	case kind := <-received:
		if kind != domain.StreamInference {
			t.Errorf("dispatched kind = %v, want inference", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the stream")
	}
	if got := <-echoed; !bytes.Equal(got, payload) {
		t.Errorf("stream payload = %q, want %q", got, payload)
	}
}

func TestOpenControlStreamForbidden(t *testing.T) {
	client, _ := sessionPair(t,
		Config{Identity: testIdentity(t, 7)},
		Config{Identity: testIdentity(t, 8)},
	)
	if _, err := client.OpenStream(domain.StreamControl); err == nil {
		t.Error("opening an explicit control stream must fail")
	}
}

// reorderBackend answers challenge creates only when released, echoing the
// TXT value as the record ref so callers can check correlation.
type reorderBackend struct {
	mu       sync.Mutex
	waiters  map[string]chan struct{}
	arrivals chan string
}

func newReorderBackend() *reorderBackend {
	return &reorderBackend{
		waiters:  make(map[string]chan struct{}),
		arrivals: make(chan string, 16),
	}
}

func (b *reorderBackend) gate(value string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[value]
	if !ok {
		ch = make(chan struct{})
		b.waiters[value] = ch
	}
	return ch
}

func (b *reorderBackend) Register(context.Context, *Session) (wire.RegisterResponse, error) {
	return wire.RegisterResponse{}, errors.New("not supported")
}

func (b *reorderBackend) CreateChallenge(_ context.Context, _ *Session, req wire.DNSChallengeCreate) wire.DNSChallengeResponse {
	ch := b.gate(req.TXTValue)
	b.arrivals <- req.TXTValue
	<-ch
	return wire.DNSChallengeResponse{OK: true, RecordRef: req.TXTValue}
}

func (b *reorderBackend) CleanupChallenge(_ context.Context, _ *Session, _ wire.DNSChallengeCleanup) wire.DNSChallengeResponse {
	return wire.DNSChallengeResponse{OK: true}
}

func TestConcurrentRequestsCorrelatedUnderReordering(t *testing.T) {
	backend := newReorderBackend()
	client, _ := sessionPair(t,
		Config{Identity: testIdentity(t, 9)},
		Config{Identity: testIdentity(t, 10), Backend: backend},
	)

	const n = 5
	results := make(chan [2]string, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			value := fmt.Sprintf("token-%d", i)
			resp, err := client.CreateDNSChallenge(context.Background(), "x.example.com", value)
			if err != nil {
				results <- [2]string{value, "error: " + err.Error()}
				return
			}
			results <- [2]string{value, resp.RecordRef}
		}(i)
	}

	// Wait for all requests to be in flight, then release in reverse.
	var arrived []string
	for i := 0; i < n; i++ {
		select {
		case v := <-backend.arrivals:
			arrived = append(arrived, v)
		case <-time.After(5 * time.Second):
			t.Fatal("requests never arrived at the backend")
		}
	}
	for i := len(arrived) - 1; i >= 0; i-- {
		close(backend.gate(arrived[i]))
	}

	for i := 0; i < n; i++ {
		select {
		case pair := <-results:
			if pair[0] != pair[1] {
				t.Errorf("response for %q routed to caller of %q", pair[1], pair[0])
			}
		case <-time.After(5 * time.Second):
			t.Fatal("missing responses")
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	backend := newReorderBackend() // never released
	client, _ := sessionPair(t,
		Config{Identity: testIdentity(t, 11)},
		Config{Identity: testIdentity(t, 12), Backend: backend},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.CreateDNSChallenge(ctx, "y.example.com", "never-answered")
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Errorf("error = %v, want ErrRequestTimeout", err)
	}
}

func TestControlFailureIsSessionFatal(t *testing.T) {
	client, server := sessionPair(t,
		Config{Identity: testIdentity(t, 13)},
		Config{Identity: testIdentity(t, 14)},
	)

	st, err := client.OpenStream(domain.StreamTLSForward)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	// Sever the control stream only; the whole session must die and take
	// the data stream with it.
	client.control.Close()

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session did not close after control failure")
	}
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server session did not close after control failure")
	}

	st.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := st.Read(make([]byte, 1)); err == nil {
		t.Error("dependent stream should be force-closed")
	}

	if _, err := client.OpenStream(domain.StreamInference); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("OpenStream after close error = %v, want ErrSessionClosed", err)
	}
}

func TestNilBackendRejectsControlRequests(t *testing.T) {
	client, _ := sessionPair(t,
		Config{Identity: testIdentity(t, 15)},
		Config{Identity: testIdentity(t, 16)},
	)

	if _, err := client.Register(context.Background()); err == nil {
		t.Error("register against a backend-less peer should fail")
	}
}

func TestManagerSupersedes(t *testing.T) {
	mgr := NewManager(nil)

	c1, _ := sessionPair(t,
		Config{Identity: testIdentity(t, 17)},
		Config{Identity: testIdentity(t, 18)},
	)
	mgr.Add(c1)

	if _, ok := mgr.Get(c1.RemoteID()); !ok {
		t.Fatal("session should be resolvable")
	}
	if len(mgr.ListPeers()) != 1 {
		t.Errorf("ListPeers() = %d, want 1", len(mgr.ListPeers()))
	}

	// A second session to the same peer supersedes and closes the first.
	c2, _ := sessionPair(t,
		Config{Identity: testIdentity(t, 17)},
		Config{Identity: testIdentity(t, 18)},
	)
	mgr.Add(c2)

	select {
	case <-c1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("superseded session was not closed")
	}

	got, ok := mgr.Get(c2.RemoteID())
	if !ok || got != c2 {
		t.Error("manager should resolve to the superseding session")
	}

	mgr.Remove(c2)
	if _, ok := mgr.Get(c2.RemoteID()); ok {
		t.Error("removed session should not resolve")
	}
}

func TestKeepaliveKeepsSessionAlive(t *testing.T) {
	client, server := sessionPair(t,
		Config{Identity: testIdentity(t, 19), KeepaliveInterval: 50 * time.Millisecond},
		Config{Identity: testIdentity(t, 20), KeepaliveInterval: 50 * time.Millisecond},
	)

	time.Sleep(400 * time.Millisecond)

	if client.State() != StateActive || server.State() != StateActive {
		t.Errorf("states after keepalive rounds = %v / %v, want active", client.State(), server.State())
	}
}
