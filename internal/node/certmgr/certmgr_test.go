package certmgr

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
)

// recordingBackend remembers challenge operations.
type recordingBackend struct {
	mu       sync.Mutex
	created  map[string]string
	refuse   bool
	cleanups []string
}

func (b *recordingBackend) Register(context.Context, *session.Session) (wire.RegisterResponse, error) {
	return wire.RegisterResponse{}, errors.New("unused")
}

func (b *recordingBackend) CreateChallenge(_ context.Context, _ *session.Session, req wire.DNSChallengeCreate) wire.DNSChallengeResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return wire.DNSChallengeResponse{OK: false, Reason: "domain not owned by requesting node"}
	}
	b.created[req.Domain] = req.TXTValue
	return wire.DNSChallengeResponse{OK: true, RecordRef: "ref-" + req.Domain}
}

func (b *recordingBackend) CleanupChallenge(_ context.Context, _ *session.Session, req wire.DNSChallengeCleanup) wire.DNSChallengeResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups = append(b.cleanups, req.Domain)
	delete(b.created, req.Domain)
	return wire.DNSChallengeResponse{OK: true}
}

func sessionWithBackend(t *testing.T, backend session.ControlBackend) *session.Session {
	t.Helper()

	nodeID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{51}, 32))
	relayID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{52}, 32))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		if sess, err := session.Accept(raw, session.Config{Identity: relayID, Backend: backend}); err == nil {
			t.Cleanup(func() { sess.Close() })
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	node, err := session.Dial(ctx, ln.Addr().String(), session.Config{Identity: nodeID})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { node.Close() })
	return node
}

func TestPresentPublishesRecord(t *testing.T) {
	backend := &recordingBackend{created: make(map[string]string)}
	sess := sessionWithBackend(t, backend)
	p := NewPresenter(nil, func() *session.Session { return sess })

	err := p.Present(context.Background(), "abc123.gatemesh.example", "token-value")
	if err != nil {
		t.Fatalf("Present() error = %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.created["abc123.gatemesh.example"] != "token-value" {
		t.Errorf("relay saw %v", backend.created)
	}
}

func TestPresentSurfacesRefusal(t *testing.T) {
	backend := &recordingBackend{created: make(map[string]string), refuse: true}
	sess := sessionWithBackend(t, backend)
	p := NewPresenter(nil, func() *session.Session { return sess })

	err := p.Present(context.Background(), "evil.gatemesh.example", "tok")
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("Present() error = %v, want refusal", err)
	}
}

func TestPresentWithoutSession(t *testing.T) {
	p := NewPresenter(nil, func() *session.Session { return nil })
	err := p.Present(context.Background(), "x.gatemesh.example", "tok")
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Present() error = %v, want ErrSessionClosed", err)
	}
}

func TestCleanUpIsBestEffort(t *testing.T) {
	backend := &recordingBackend{created: make(map[string]string)}
	sess := sessionWithBackend(t, backend)
	p := NewPresenter(nil, func() *session.Session { return sess })

	if err := p.Present(context.Background(), "abc.gatemesh.example", "tok"); err != nil {
		t.Fatal(err)
	}
	if err := p.CleanUp(context.Background(), "abc.gatemesh.example"); err != nil {
		t.Fatalf("CleanUp() error = %v", err)
	}

	backend.mu.Lock()
	cleanups := len(backend.cleanups)
	backend.mu.Unlock()
	if cleanups != 1 {
		t.Errorf("relay saw %d cleanups, want 1", cleanups)
	}

	// A dead session must not make cleanup a failure the ACME order
	// would abort on.
	sess.Close()
	<-sess.Done()
	if err := p.CleanUp(context.Background(), "abc.gatemesh.example"); err != nil {
		t.Errorf("CleanUp() on closed session error = %v, want nil", err)
	}
}
