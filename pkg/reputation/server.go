package reputation

import (
	"log/slog"
	"net/http"

	"github.com/agentcourt/verdict/pkg/api"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/metrics"
)

// Server exposes the reputation read API.
type Server struct {
	storage *Storage
	escrow  escrow.Backend
	logger  *slog.Logger
}

// NewServer wires the reputation HTTP layer.
func NewServer(storage *Storage, backend escrow.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{storage: storage, escrow: backend, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /reputation", s.handleList)
	mux.HandleFunc("GET /reputation/{actorId}", s.handleGet)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sanity := s.escrow.ContractSanity(r.Context())
	status := "ok"
	if !sanity.ContractHasCode && !sanity.DryRun {
		status = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": status, "escrow": sanity})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	reputation, err := s.storage.GetReputation(r.Context(), r.PathValue("actorId"))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, reputation)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.storage.ListReputations(r.Context())
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}
