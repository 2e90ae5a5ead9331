package orchestrator

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/agentcourt/verdict/pkg/api"
	"github.com/agentcourt/verdict/pkg/protocol"
)

// badPathDelay makes the degraded path breach the 3000 ms latency SLA.
const badPathDelay = 3 * time.Second

// ProviderServer is the demo provider: one priced data endpoint behind
// a payment gate, with a deliberately degraded path for the dispute
// flow. The payment middleware is consumed over the wire only; in mock
// mode a marker header satisfies the gate.
type ProviderServer struct {
	allowMock    bool
	sellerWallet string
	logger       *slog.Logger
}

// NewProviderServer wires the provider. sellerWallet may be empty only
// in mock mode.
func NewProviderServer(allowMock bool, sellerWallet string, logger *slog.Logger) *ProviderServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderServer{allowMock: allowMock, sellerWallet: sellerWallet, logger: logger}
}

// PaymentMode reports how the payment gate is configured.
func (p *ProviderServer) PaymentMode() string {
	if p.allowMock {
		return "mock"
	}
	if p.sellerWallet == "" {
		return "disabled"
	}
	return "wire"
}

// Handler returns the routed HTTP handler.
func (p *ProviderServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", p.handleHealth)
	mux.HandleFunc("GET /api/data", p.handleData)
	return mux
}

func (p *ProviderServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "x402_mode": p.PaymentMode()})
}

func (p *ProviderServer) handleData(w http.ResponseWriter, r *http.Request) {
	if p.allowMock {
		if r.Header.Get("x-mock-x402") == "" {
			api.WriteJSON(w, http.StatusPaymentRequired, map[string]any{
				"error": "x402 payment required",
				"hint":  "Set x-mock-x402 header for local mock mode",
			})
			return
		}
	} else if p.sellerWallet == "" {
		api.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "seller wallet is required when mock payment mode is disabled",
		})
		return
	}

	var payload map[string]any
	if r.URL.Query().Get("bad") == "true" {
		time.Sleep(badPathDelay)
		payload = map[string]any{
			"result":    map[string]any{"unexpected": "bad_format"},
			"timestamp": time.Now().UnixMilli(),
			"quality":   "degraded",
		}
	} else {
		payload = map[string]any{
			"result":    "some_data",
			"timestamp": time.Now().UnixMilli(),
		}
	}

	if hash, err := protocol.HashCanonical(payload); err == nil {
		w.Header().Set("X-Evidence-Hash", hash)
	}
	api.WriteJSON(w, http.StatusOK, payload)
}
