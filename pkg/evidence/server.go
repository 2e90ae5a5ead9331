package evidence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/agentcourt/verdict/pkg/api"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/metrics"
	"github.com/agentcourt/verdict/pkg/protocol"
)

// Server is the evidence registry HTTP service. Writes are validated
// against the protocol schemas and the receipt-chain rules before any
// state change.
type Server struct {
	storage  *Storage
	escrow   escrow.Backend
	exporter *Exporter
	logger   *slog.Logger
}

// NewServer wires the evidence service.
func NewServer(storage *Storage, backend escrow.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{storage: storage, escrow: backend, logger: logger}
}

// WithExporter enables signed bundle export on /agreements/{id}/export.
func (s *Server) WithExporter(exporter *Exporter) *Server {
	s.exporter = exporter
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /clauses", s.handlePostClause)
	mux.HandleFunc("GET /clauses", s.handleListClauses)
	mux.HandleFunc("GET /clauses/{agreementId}", s.handleGetClause)
	mux.HandleFunc("POST /receipts", s.handlePostReceipt)
	mux.HandleFunc("GET /receipts", s.handleListReceipts)
	mux.HandleFunc("GET /receipts/{receiptId}", s.handleGetReceipt)
	mux.HandleFunc("POST /anchor", s.handleAnchor)
	mux.HandleFunc("GET /anchors", s.handleGetAnchor)
	mux.HandleFunc("GET /anchors/by-root/{rootHash}", s.handleGetAnchorByRoot)
	mux.HandleFunc("GET /agreements", s.handleListAgreements)
	mux.HandleFunc("GET /agreements/{agreementId}", s.handleGetAgreement)
	mux.HandleFunc("GET /agreements/{agreementId}/export", s.handleExportAgreement)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handlePostClause(w http.ResponseWriter, r *http.Request) {
	var clause protocol.ArbitrationClause
	if err := json.NewDecoder(r.Body).Decode(&clause); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}

	errs, err := protocol.Validate(protocol.SchemaClause, clause)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if len(errs) > 0 {
		api.WriteValidation(w, errs)
		return
	}

	computed, err := protocol.ClauseHash(clause)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if clause.ClauseHash != computed {
		api.WriteBadRequest(w, fmt.Sprintf("clauseHash mismatch expected=%s", computed))
		return
	}

	if err := s.storage.StoreClause(r.Context(), clause); err != nil {
		api.WriteInternal(w, err)
		return
	}

	s.logger.Info("clause stored", "agreementId", clause.AgreementID, "clauseId", clause.ClauseID)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"clauseId":   clause.ClauseID,
		"clauseHash": clause.ClauseHash,
	})
}

func (s *Server) handleGetClause(w http.ResponseWriter, r *http.Request) {
	clause, err := s.storage.GetClauseByAgreement(r.Context(), r.PathValue("agreementId"))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if clause == nil {
		api.WriteNotFound(w, "clause not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, clause)
}

func (s *Server) handleListClauses(w http.ResponseWriter, r *http.Request) {
	clauses, err := s.storage.ListClauses(r.Context(), listLimit(r))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(clauses), "items": clauses})
}

func (s *Server) handlePostReceipt(w http.ResponseWriter, r *http.Request) {
	var receipt protocol.EventReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}

	errs, err := protocol.Validate(protocol.SchemaReceipt, receipt)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if len(errs) > 0 {
		api.WriteValidation(w, errs)
		return
	}

	computed, err := protocol.ReceiptHash(receipt)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if receipt.ReceiptHash != computed {
		api.WriteBadRequest(w, fmt.Sprintf("receiptHash mismatch expected=%s", computed))
		return
	}

	existing, err := s.storage.ListReceipts(r.Context(), receipt.AgreementID, "")
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	chainErrs := protocol.VerifyReceiptChain(append(existing, receipt), protocol.ChainExpectations{})
	if len(chainErrs) > 0 {
		api.WriteValidation(w, chainErrs)
		return
	}

	// The unique (agreement, sequence) index resolves concurrent
	// appends at the same position: the loser lands here.
	if err := s.storage.StoreReceipt(r.Context(), receipt); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	metrics.ReceiptsStored.Inc()
	s.logger.Info("receipt stored",
		"agreementId", receipt.AgreementID,
		"sequence", receipt.Sequence,
		"eventType", receipt.EventType)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"receiptId":   receipt.ReceiptID,
		"receiptHash": receipt.ReceiptHash,
	})
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.storage.ListReceipts(r.Context(),
		r.URL.Query().Get("agreementId"), r.URL.Query().Get("actorId"))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(receipts), "items": receipts})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.storage.GetReceipt(r.Context(), r.PathValue("receiptId"))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if receipt == nil {
		api.WriteNotFound(w, "receipt not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgreementID string `json:"agreementId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgreementID == "" {
		api.WriteBadRequest(w, "agreementId is required")
		return
	}

	receipts, err := s.storage.ListReceipts(r.Context(), req.AgreementID, "")
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if len(receipts) == 0 {
		api.WriteNotFound(w, "no receipts for agreement")
		return
	}

	rootHash, err := protocol.AnchorRoot(receipts)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	receiptIDs := make([]string, 0, len(receipts))
	for _, receipt := range receipts {
		receiptIDs = append(receiptIDs, receipt.ReceiptID)
	}

	tx, err := s.escrow.CommitEvidenceHash(r.Context(), req.AgreementID, rootHash)
	if err != nil {
		s.logger.Error("anchor commit failed", "agreementId", req.AgreementID, "error", err)
		api.WriteError(w, http.StatusBadGateway, "Anchor Failed", "on-chain commit failed")
		return
	}

	anchor := protocol.AnchorRecord{
		AgreementID: req.AgreementID,
		RootHash:    rootHash,
		TxHash:      tx.TxHash,
		ReceiptIDs:  receiptIDs,
	}
	if err := s.storage.StoreAnchor(r.Context(), anchor); err != nil {
		api.WriteInternal(w, err)
		return
	}

	metrics.AnchorsCommitted.Inc()
	s.logger.Info("evidence anchored",
		"agreementId", req.AgreementID, "rootHash", rootHash, "txHash", tx.TxHash)
	api.WriteJSON(w, http.StatusOK, anchor)
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	agreementID := r.URL.Query().Get("agreementId")
	if agreementID == "" {
		api.WriteBadRequest(w, "agreementId is required")
		return
	}
	anchor, err := s.storage.GetAnchor(r.Context(), agreementID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if anchor == nil {
		api.WriteNotFound(w, "anchor not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, anchor)
}

func (s *Server) handleGetAnchorByRoot(w http.ResponseWriter, r *http.Request) {
	anchor, err := s.storage.GetAnchorByRoot(r.Context(), r.PathValue("rootHash"))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if anchor == nil {
		api.WriteNotFound(w, "anchor not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, anchor)
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	agreementID := r.PathValue("agreementId")

	clause, err := s.storage.GetClauseByAgreement(r.Context(), agreementID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if clause == nil {
		api.WriteNotFound(w, "clause not found")
		return
	}

	receipts, err := s.storage.ListReceipts(r.Context(), agreementID, "")
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	anchor, err := s.storage.GetAnchor(r.Context(), agreementID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	chainErrs := []string{}
	if len(receipts) > 0 {
		chainErrs = protocol.VerifyReceiptChain(receipts, protocol.ChainExpectations{})
		if chainErrs == nil {
			chainErrs = []string{}
		}
	}

	var expectedRoot *string
	var rootMatch *bool
	var anchoredRoot *string
	if anchor != nil {
		root := protocol.EmptyRoot
		if len(receipts) > 0 {
			root, err = protocol.AnchorRoot(receipts)
			if err != nil {
				api.WriteInternal(w, err)
				return
			}
		}
		match := root == anchor.RootHash
		expectedRoot = &root
		rootMatch = &match
		anchoredRoot = &anchor.RootHash
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"agreementId":  agreementID,
		"clause":       clause,
		"receipts":     receipts,
		"receiptCount": len(receipts),
		"anchor":       anchor,
		"receiptChain": map[string]any{
			"valid":  len(chainErrs) == 0,
			"errors": chainErrs,
		},
		"root": map[string]any{
			"expected": expectedRoot,
			"anchored": anchoredRoot,
			"matched":  rootMatch,
		},
	})
}

func (s *Server) handleExportAgreement(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		api.WriteError(w, http.StatusNotImplemented, "Export Disabled", "no export signing key configured")
		return
	}
	agreementID := r.PathValue("agreementId")

	clause, err := s.storage.GetClauseByAgreement(r.Context(), agreementID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if clause == nil {
		api.WriteNotFound(w, "clause not found")
		return
	}
	receipts, err := s.storage.ListReceipts(r.Context(), agreementID, "")
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	anchor, err := s.storage.GetAnchor(r.Context(), agreementID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	bundle, err := s.exporter.Export(agreementID, clause, receipts, anchor)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	s.logger.Info("evidence exported", "agreementId", agreementID, "bundleId", bundle.BundleID)
	api.WriteJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	clauses, err := s.storage.ListClauses(r.Context(), listLimit(r))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	items := []map[string]any{}
	for _, clause := range clauses {
		receipts, err := s.storage.ListReceipts(r.Context(), clause.AgreementID, "")
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		anchor, err := s.storage.GetAnchor(r.Context(), clause.AgreementID)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}

		var requestCount, responseCount, disputeCount int
		actorSet := map[string]bool{}
		for _, receipt := range receipts {
			switch receipt.EventType {
			case protocol.EventRequest:
				requestCount++
			case protocol.EventResponse:
				responseCount++
			case protocol.EventDisputeFiled:
				disputeCount++
			}
			if receipt.ActorID != "" {
				actorSet[receipt.ActorID] = true
			}
		}
		actors := make([]string, 0, len(actorSet))
		for actor := range actorSet {
			actors = append(actors, actor)
		}
		sort.Strings(actors)

		items = append(items, map[string]any{
			"agreementId":         clause.AgreementID,
			"clauseId":            clause.ClauseID,
			"serviceScope":        clause.ServiceScope,
			"clauseHash":          clause.ClauseHash,
			"receiptCount":        len(receipts),
			"requestCount":        requestCount,
			"responseCount":       responseCount,
			"disputeReceiptCount": disputeCount,
			"actors":              actors,
			"anchor":              anchor,
		})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sanity := s.escrow.ContractSanity(r.Context())
	status := "ok"
	if !sanity.ContractHasCode && !sanity.DryRun {
		status = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"service": "evidence",
		"escrow":  sanity,
	})
}

func listLimit(r *http.Request) int {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
			limit = 200
		}
		if limit > 2000 {
			limit = 2000
		}
	}
	return limit
}
