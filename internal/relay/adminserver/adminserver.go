// Package adminserver exposes the relay's operational API: status,
// connected nodes and Prometheus metrics. It binds to a private address;
// there is no authentication layer, isolation is the deployment's job.
//
// @req RQ-1301 admin and observability API
// @design DS-1301 stdlib net/http with method-scoped routes
package adminserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
	"github.com/yndnr/gatemesh-go/internal/peer/session"
	"github.com/yndnr/gatemesh-go/internal/relay/dnschallenge"
	"github.com/yndnr/gatemesh-go/internal/relay/registry"
	"github.com/yndnr/gatemesh-go/internal/telemetry/metric"
)

// Server wraps the admin HTTP server.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// Deps are the relay components the API reads from.
type Deps struct {
	Identity *domain.Identity
	Version  string
	Manager  *session.Manager
	Registry *registry.Registry
	Coord    *dnschallenge.Coordinator
	Metrics  *metric.Metrics
}

type handler struct {
	deps    Deps
	log     *slog.Logger
	mux     *http.ServeMux
	started time.Time
}

// New creates the admin server on addr.
func New(addr string, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{
		deps:    deps,
		log:     log,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	h.registerRoutes()

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe starts serving. Blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("admin server started", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) registerRoutes() {
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /v1/status", h.handleStatus)
	h.mux.HandleFunc("GET /v1/nodes", h.handleNodes)
	h.mux.Handle("GET /metrics", h.deps.Metrics.Handler())
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	NodeID         string `json:"node_id"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Sessions       int    `json:"sessions"`
	Hostnames      int    `json:"hostnames"`
	LiveChallenges int    `json:"live_challenges"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{
		NodeID:         h.deps.Identity.NodeID().String(),
		Version:        h.deps.Version,
		UptimeSeconds:  int64(time.Since(h.started).Seconds()),
		Sessions:       h.deps.Manager.Count(),
		Hostnames:      h.deps.Registry.Count(),
		LiveChallenges: h.deps.Coord.ActiveCount(),
	})
}

type nodeInfo struct {
	NodeID       string              `json:"node_id"`
	ShortID      string              `json:"short_id"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

func (h *handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	peers := h.deps.Manager.ListPeers()
	nodes := make([]nodeInfo, 0, len(peers))
	for _, id := range peers {
		info := nodeInfo{NodeID: id.String(), ShortID: id.Short()}
		if sess, ok := h.deps.Manager.Get(id); ok {
			info.Capabilities = sess.RemoteCapabilities()
		}
		nodes = append(nodes, info)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"nodes":     nodes,
		"hostnames": h.deps.Registry.Hostnames(),
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Debug("writing admin response failed", "error", err)
	}
}
