// Package inference carries model requests over dedicated streams. Each
// envelope is a checksummed frame holding JSON, the same framing the
// control stream uses. A request yields a sequence of chunks ending with
// one marked done; a stream serves requests one at a time.
//
// @req RQ-1101 inference stream protocol
// @design DS-1101 framed JSON envelopes with chunked responses
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/peer/wire"
)

// Request asks a node to run one inference.
type Request struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

// Chunk is one piece of a response. The final chunk has Done set; a
// failed request carries Error on its final chunk.
type Chunk struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// Backend executes requests. Implementations stream partial output by
// calling emit; the handler appends the terminal chunk itself.
type Backend interface {
	Infer(ctx context.Context, req Request, emit func(content string) error) error
}

// DefaultRequestTimeout bounds a single inference.
const DefaultRequestTimeout = 5 * time.Minute

// Handler serves inbound inference streams against a backend.
type Handler struct {
	log     *slog.Logger
	backend Backend
	timeout time.Duration
}

// NewHandler creates an inference stream handler.
func NewHandler(log *slog.Logger, backend Backend) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, backend: backend, timeout: DefaultRequestTimeout}
}

// Handle serves requests on st until the stream closes. It owns st.
func (h *Handler) Handle(sess *session.Session, st *session.Stream) {
	defer st.Close()

	for {
		payload, err := wire.ReadFrame(st)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Debug("inference stream ended", "peer", sess.RemoteID().Short(), "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			h.writeChunk(st, Chunk{Done: true, Error: domain.ErrMalformedMessage.Error()})
			return
		}
		if req.ID == "" {
			req.ID = ulid.Make().String()
		}

		h.serve(st, req)
	}
}

func (h *Handler) serve(st *session.Stream, req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	emit := func(content string) error {
		return h.writeChunk(st, Chunk{ID: req.ID, Content: content})
	}

	if err := h.backend.Infer(ctx, req, emit); err != nil {
		h.writeChunk(st, Chunk{ID: req.ID, Done: true, Error: err.Error()})
		return
	}
	h.writeChunk(st, Chunk{ID: req.ID, Done: true})
}

func (h *Handler) writeChunk(w io.Writer, c Chunk) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return wire.WriteFrame(w, payload)
}

// Send runs one request over an open inference stream and invokes
// onChunk for every non-terminal chunk. It returns when the terminal
// chunk arrives, surfacing its error if the backend failed.
func Send(ctx context.Context, rw io.ReadWriter, req Request, onChunk func(Chunk) error) error {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(rw, payload); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := wire.ReadFrame(rw)
		if err != nil {
			return err
		}
		var chunk Chunk
		if err := json.Unmarshal(frame, &chunk); err != nil {
			return domain.ErrMalformedMessage.WithCause(err)
		}
		if chunk.Done {
			if chunk.Error != "" {
				return errors.New(chunk.Error)
			}
			return nil
		}
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
	}
}
