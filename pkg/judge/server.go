package judge

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/agentcourt/verdict/pkg/api"
	"github.com/agentcourt/verdict/pkg/metrics"
)

// Server exposes the judge service's read API.
type Server struct {
	service *Service
	logger  *slog.Logger
}

// NewServer wires the HTTP layer over the pipeline.
func NewServer(service *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{service: service, logger: logger}
}

// Handler returns the routed HTTP handler. The /api/ aliases keep
// older dashboards working.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /verdicts", s.handleListVerdicts)
	mux.HandleFunc("GET /api/verdicts", s.handleListVerdicts)
	mux.HandleFunc("GET /verdicts/{disputeId}", s.handleGetVerdict)
	mux.HandleFunc("GET /api/verdicts/{disputeId}", s.handleGetVerdict)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sanity := s.service.Escrow().ContractSanity(r.Context())
	status := "ok"
	if !sanity.ContractHasCode && !sanity.DryRun {
		status = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"capabilities": s.service.Escrow().Capabilities(),
		"escrow":       sanity,
	})
}

func (s *Server) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Storage().ListVerdicts(r.Context())
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	disputeID, err := strconv.ParseInt(r.PathValue("disputeId"), 10, 64)
	if err != nil {
		api.WriteBadRequest(w, "disputeId must be an integer")
		return
	}
	verdict, err := s.service.Storage().GetVerdictByDispute(r.Context(), disputeID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if verdict == nil {
		api.WriteNotFound(w, "verdict not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, verdict)
}
