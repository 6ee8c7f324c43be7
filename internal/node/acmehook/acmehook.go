// Package acmehook exposes the node's DNS-01 presenter over a local HTTP
// API, so an external ACME client (certbot hook, lego exec provider) can
// publish and clean challenge records through the relay without speaking
// the peer protocol itself. It binds to loopback; there is no
// authentication layer.
//
// @req RQ-1202 external ACME integration
// @design DS-1202 loopback HTTP hook over certmgr.Presenter
package acmehook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/yndnr/gatemesh-go/internal/node/certmgr"
)

// Server wraps the hook HTTP server.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

type handler struct {
	presenter *certmgr.Presenter
	log       *slog.Logger
	mux       *http.ServeMux
}

type challengeRequest struct {
	Domain   string `json:"domain"`
	TXTValue string `json:"txt_value,omitempty"`
}

// New creates the hook server on addr.
func New(addr string, presenter *certmgr.Presenter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{
		presenter: presenter,
		log:       log,
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /v1/challenge/present", h.handlePresent)
	h.mux.HandleFunc("POST /v1/challenge/cleanup", h.handleCleanup)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           h.mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe starts serving. Blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (h *handler) handlePresent(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.TXTValue == "" {
		h.writeError(w, http.StatusBadRequest, "txt_value is required")
		return
	}
	if err := h.presenter.Present(r.Context(), req.Domain, req.TXTValue); err != nil {
		h.log.Warn("challenge present failed", "domain", req.Domain, "error", err)
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "presented"})
}

func (h *handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if err := h.presenter.CleanUp(r.Context(), req.Domain); err != nil {
		h.log.Warn("challenge cleanup failed", "domain", req.Domain, "error", err)
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request) (challengeRequest, bool) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Domain == "" {
		h.writeError(w, http.StatusBadRequest, "domain is required")
		return req, false
	}
	return req, true
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("encode response", "error", err)
	}
}
