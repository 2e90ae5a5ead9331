package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/agentcourt/verdict/pkg/api"
	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/metrics"
)

// keepAliveInterval paces SSE comments on idle streams so proxies keep
// the connection open.
const keepAliveInterval = 10 * time.Second

// Server exposes the orchestrator HTTP API.
type Server struct {
	manager  *Manager
	escrow   escrow.Backend
	chain    config.Chain
	defaults Profile
	logger   *slog.Logger
}

// NewServer wires the orchestrator HTTP layer. backend is a read-only
// escrow adapter used for contract sanity reporting.
func NewServer(manager *Manager, backend escrow.Backend, chain config.Chain, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, escrow: backend, chain: chain, logger: logger}
}

// WithDefaults installs profile-supplied run creation defaults.
func (s *Server) WithDefaults(profile Profile) *Server {
	s.defaults = profile
	return s
}

// Handler returns the routed HTTP handler. Responses carry permissive
// CORS headers for dashboard use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{runId}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{runId}/start", s.handleStartRun)
	mux.HandleFunc("POST /runs/{runId}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{runId}/stream", s.handleStream)
	mux.HandleFunc("GET /health/services", s.handleServiceHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sanity := s.escrow.ContractSanity(r.Context())
	status := "ok"
	if !sanity.ContractHasCode && !sanity.DryRun {
		status = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"service":         "demo-runner",
		"contractAddress": s.chain.ContractAddress,
		"chainId":         s.chain.ChainID,
		"chainRpc":        s.chain.RPCURL,
		"explorer":        s.chain.ExplorerURL,
		"escrow":          sanity,
		"ports":           s.manager.Health()["ports"],
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	network := os.Getenv("X402_NETWORK")
	if network == "" {
		network = "eip155:84532"
	}
	asset := os.Getenv("X402_PAYMENT_ASSET")
	if asset == "" {
		asset = "USDC"
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"contractAddress": s.chain.ContractAddress,
		"chainId":         s.chain.ChainID,
		"chainRpc":        s.chain.RPCURL,
		"explorerUrl":     s.chain.ExplorerURL,
		"escrow":          s.escrow.ContractSanity(r.Context()),
		"services":        s.manager.ServiceURLs(),
		"payment":         map[string]any{"network": network, "asset": asset},
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"runs": s.manager.ListJSON(20)})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode               string `json:"mode"`
		StartServices      *bool  `json:"startServices"`
		KeepServices       *bool  `json:"keepServices"`
		AutoRun            *bool  `json:"autoRun"`
		AgreementWindowSec int    `json:"agreementWindowSec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if body.Mode == "" {
		body.Mode = s.defaults.DefaultMode
	}
	opts := s.defaults.Apply(RunOptions{
		StartServices:      true,
		AgreementWindowSec: body.AgreementWindowSec,
		AutoRun:            true,
	})
	if body.StartServices != nil {
		opts.StartServices = *body.StartServices
	}
	if body.KeepServices != nil {
		opts.KeepServices = *body.KeepServices
	}
	if body.AutoRun != nil {
		opts.AutoRun = *body.AutoRun
	}
	info, err := s.manager.CreateRun(body.Mode, opts)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.manager.RunJSON(r.PathValue("runId"))
	if !ok {
		api.WriteNotFound(w, "run_not_found")
		return
	}
	api.WriteJSON(w, http.StatusOK, raw)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	var body struct {
		AgreementWindowSec int `json:"agreementWindowSec"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if _, ok := s.manager.Status(runID); !ok {
		api.WriteNotFound(w, "run_not_found")
		return
	}
	if err := s.manager.Start(runID, body.AgreementWindowSec); err != nil {
		api.WriteInternal(w, err)
		return
	}
	status, _ := s.manager.Status(runID)
	api.WriteJSON(w, http.StatusOK, map[string]any{"runId": runID, "status": status})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ok := s.manager.Cancel(r.PathValue("runId"))
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

// handleStream replays the run's history and then streams live events
// as SSE data frames, with a comment keep-alive on idle.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteInternal(w, fmt.Errorf("streaming unsupported"))
		return
	}
	events, release := s.manager.Subscribe(r.PathValue("runId"))
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case message := <-events:
			if message == "" {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", message); err != nil {
				return
			}
			flusher.Flush()
			keepAlive.Reset(keepAliveInterval)
		}
	}
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.manager.Health())
}
