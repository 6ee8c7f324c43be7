package inference

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
)

// wordBackend streams the prompt back one word at a time.
type wordBackend struct{}

func (wordBackend) Infer(_ context.Context, req Request, emit func(string) error) error {
	if req.Model == "missing-model" {
		return fmt.Errorf("model %q not loaded", req.Model)
	}
	for _, word := range strings.Fields(req.Prompt) {
		if err := emit(word); err != nil {
			return err
		}
	}
	return nil
}

// streamPair wires an inference handler to the far end of a session.
func streamPair(t *testing.T, backend Backend) *session.Stream {
	t.Helper()

	nodeID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{41}, 32))
	relayID, _ := domain.IdentityFromSeed(bytes.Repeat([]byte{42}, 32))
	handler := NewHandler(nil, backend)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	relayCh := make(chan *session.Session, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		if sess, err := session.Accept(raw, session.Config{Identity: relayID}); err == nil {
			relayCh <- sess
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	node, err := session.Dial(ctx, ln.Addr().String(), session.Config{
		Identity: nodeID,
		Handler: session.StreamHandlerFunc(func(s *session.Session, st *session.Stream) {
			handler.Handle(s, st)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { node.Close() })

	relaySess := <-relayCh
	t.Cleanup(func() { relaySess.Close() })

	st, err := relaySess.OpenStream(domain.StreamInference)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSendStreamsChunks(t *testing.T) {
	st := streamPair(t, wordBackend{})
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	err := Send(ctx, st, Request{Model: "test-model", Prompt: "alpha beta gamma"}, func(c Chunk) error {
		got = append(got, c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if want := []string{"alpha", "beta", "gamma"}; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("chunks = %v, want %v", got, want)
	}
}

func TestSendSurfacesBackendError(t *testing.T) {
	st := streamPair(t, wordBackend{})
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := Send(ctx, st, Request{Model: "missing-model", Prompt: "x"}, nil)
	if err == nil || !strings.Contains(err.Error(), "missing-model") {
		t.Errorf("Send() error = %v, want backend failure", err)
	}
}

func TestMultipleRequestsOnOneStream(t *testing.T) {
	st := streamPair(t, wordBackend{})
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		var chunks int
		prompt := fmt.Sprintf("round %d", i)
		err := Send(ctx, st, Request{Model: "m", Prompt: prompt}, func(Chunk) error {
			chunks++
			return nil
		})
		if err != nil {
			t.Fatalf("Send() round %d error = %v", i, err)
		}
		if chunks != 2 {
			t.Errorf("round %d chunks = %d, want 2", i, chunks)
		}
	}
}

func TestChunkIDsMatchRequest(t *testing.T) {
	st := streamPair(t, wordBackend{})
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := Send(ctx, st, Request{ID: "req-42", Model: "m", Prompt: "one two"}, func(c Chunk) error {
		if c.ID != "req-42" {
			t.Errorf("chunk id = %q, want req-42", c.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHandlerRejectsGarbageFrames(t *testing.T) {
	st := streamPair(t, wordBackend{})
	defer st.Close()

	// A frame that is not JSON must produce a terminal error chunk, not
	// a hang or a dead session.
	if err := wire.WriteFrame(st, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Send(ctx, st, Request{Model: "m", Prompt: "x"}, nil)
	if err == nil {
		t.Error("expected an error after a garbage frame")
	}
}
