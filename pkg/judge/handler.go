package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/metrics"
	"github.com/agentcourt/verdict/pkg/protocol"
)

// Service is the judge pipeline: one dispute in, one stored verdict
// out.
type Service struct {
	storage  *Storage
	escrow   escrow.Backend
	panel    *Panel
	evidence *EvidenceClient
	notifier *Notifier
	chain    config.Chain
	cfg      config.Judge
	identity *protocol.Identity
	logger   *slog.Logger
}

// NewService wires the judge pipeline. identity may be nil when no
// signing key is configured; verdicts are then stored unsigned.
func NewService(storage *Storage, backend escrow.Backend, panel *Panel, evidenceClient *EvidenceClient, notifier *Notifier, chain config.Chain, cfg config.Judge, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		storage:  storage,
		escrow:   backend,
		panel:    panel,
		evidence: evidenceClient,
		notifier: notifier,
		chain:    chain,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.PrivateKey != "" {
		identity, err := protocol.IdentityFromKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("judge: %w", err)
		}
		s.identity = &identity
	}
	return s, nil
}

// Storage exposes the verdict store for the HTTP layer.
func (s *Service) Storage() *Storage { return s.storage }

// Escrow exposes the escrow backend for the HTTP layer.
func (s *Service) Escrow() escrow.Backend { return s.escrow }

// HandleDispute runs the full pipeline for one dispute. It is a no-op
// when the dispute cannot be loaded or its evidence is not yet
// anchored; the watcher retries those on later polls.
func (s *Service) HandleDispute(ctx context.Context, disputeID int64) error {
	dispute, err := s.escrow.GetDispute(ctx, disputeID)
	if err != nil {
		return fmt.Errorf("judge: load dispute %d: %w", disputeID, err)
	}
	if dispute == nil {
		return nil
	}

	rootHash := dispute.PlaintiffEvidence
	if !strings.HasPrefix(rootHash, "0x") {
		rootHash = "0x" + rootHash
	}

	bundle, err := s.evidence.FetchBundleByRoot(ctx, rootHash)
	if err != nil {
		return err
	}
	if bundle == nil {
		s.logger.Info("evidence not yet available", "disputeId", disputeID, "rootHash", rootHash)
		return nil
	}

	integrityErrs := protocol.VerifyEvidenceBundle(bundle.Receipts, protocol.ChainExpectations{
		ChainID:         bundle.Clause.ChainID,
		ContractAddress: bundle.Clause.ContractAddress,
		AgreementID:     bundle.AgreementID,
		ClauseHash:      bundle.Clause.ClauseHash,
	}, rootHash)

	var (
		facts       map[string]any
		reasonCodes []string
		flags       []string
		winner      string
		confidence  = 0.95
		fullOpinion string
	)

	if len(integrityErrs) > 0 {
		reasonCodes = []string{ReasonHashMismatch}
		flags = append(flags, integrityErrs...)
		winner = dispute.Defendant
		confidence = 0.99
		facts = map[string]any{"integrity_ok": false, "errors": integrityErrs}
	} else {
		var side string
		facts, reasonCodes, side = ExtractFacts(bundle.Clause, bundle.Receipts)
		switch side {
		case SidePlaintiff:
			winner = dispute.Plaintiff
		case SideDefendant:
			winner = dispute.Defendant
		default:
			var priors []map[string]any
			if dispute.Tier > 0 {
				priors = s.priorRulings(ctx, bundle.AgreementID)
			}
			ruling := s.panel.Judge(ctx, dispute.Tier, bundle.Clause, facts, map[string]any{
				"receiptCount": len(bundle.Receipts),
				"reasonCodes":  reasonCodes,
			}, priors)
			reasonCodes = append(reasonCodes, ruling.ReasonCodes...)
			confidence = ruling.Confidence
			fullOpinion = ruling.FullOpinion
			switch ruling.Winner {
			case SidePlaintiff:
				winner = dispute.Plaintiff
			default:
				winner = dispute.Defendant
			}
		}
	}

	if fullOpinion == "" {
		fullOpinion = deterministicOpinion(opinionParams{
			DisputeID:         disputeID,
			TierName:          protocol.TierName(dispute.Tier),
			Plaintiff:         dispute.Plaintiff,
			Defendant:         dispute.Defendant,
			PlaintiffEvidence: dispute.PlaintiffEvidence,
			DefendantEvidence: dispute.DefendantEvidence,
			Winner:            winner,
			ReasonCodes:       reasonCodes,
			Facts:             facts,
			IntegrityErrors:   integrityErrs,
		})
	}

	loser := dispute.Plaintiff
	if winner == dispute.Plaintiff {
		loser = dispute.Defendant
	}

	stake := big.NewInt(0)
	if dispute.Stake != nil {
		stake = dispute.Stake
	}
	judgeFee := big.NewInt(0)
	if dispute.JudgeFee != nil {
		judgeFee = dispute.JudgeFee
	}
	payout := new(big.Int).Add(stake, stake)

	var transactionID *string
	if dispute.TransactionID != nil {
		id := strconv.FormatInt(*dispute.TransactionID, 10)
		transactionID = &id
	}

	receiptIDs := make([]string, 0, len(bundle.Receipts))
	for _, receipt := range bundle.Receipts {
		receiptIDs = append(receiptIDs, receipt.ReceiptID)
	}
	if reasonCodes == nil {
		reasonCodes = []string{}
	}
	if flags == nil {
		flags = []string{}
	}

	verdict := protocol.VerdictPackage{
		SchemaVersion:     protocol.SchemaVersion,
		VerdictID:         uuid.NewString(),
		DisputeID:         strconv.FormatInt(disputeID, 10),
		TransactionID:     transactionID,
		ChainID:           s.chain.ChainID,
		ContractAddress:   s.chain.ContractAddress,
		AgreementID:       bundle.AgreementID,
		ClauseHash:        bundle.Clause.ClauseHash,
		Plaintiff:         dispute.Plaintiff,
		Defendant:         dispute.Defendant,
		PlaintiffEvidence: dispute.PlaintiffEvidence,
		DefendantEvidence: dispute.DefendantEvidence,
		Stake:             stake.String(),
		DefendantStake:    stake.String(),
		Tier:              dispute.Tier,
		CourtTier:         protocol.TierName(dispute.Tier),
		Transfers: []protocol.Transfer{
			{To: winner, Amount: payout.String(), Reason: "dispute_resolution"},
		},
		JudgeFee:           judgeFee.String(),
		ReasonCodes:        reasonCodes,
		EvidenceReceiptIDs: receiptIDs,
		Facts:              facts,
		Confidence:         confidence,
		Flags:              flags,
		Winner:             winner,
		Loser:              loser,
		FullOpinion:        fullOpinion,
	}

	hash, err := protocol.VerdictHash(verdict)
	if err != nil {
		return fmt.Errorf("judge: verdict hash: %w", err)
	}
	verdict.VerdictHash = hash

	if s.identity != nil {
		sig, err := protocol.SignHashEIP191(s.identity.PrivateKey, hash)
		if err != nil {
			return fmt.Errorf("judge: sign verdict: %w", err)
		}
		verdict.JudgeSignature = sig
	}

	status := StatusManualReview
	var submitTxHash *string

	if confidence >= 0.7 {
		authorized := false
		if s.identity != nil {
			expected, err := s.escrow.JudgeAddress(ctx)
			if err == nil && expected != "" && expected == s.identity.Address {
				authorized = true
			}
		}
		if authorized || s.chain.DryRun {
			tx, err := s.submitRuling(ctx, disputeID, verdict)
			if err != nil {
				s.logger.Error("ruling submission failed", "disputeId", disputeID, "error", err)
			} else {
				submitTxHash = &tx.TxHash
				status = StatusSubmitted
			}
		}
	}

	if status == StatusManualReview {
		verdict.Flags = append(verdict.Flags, "needs_manual_review")
	}
	verdict.SubmitTxHash = submitTxHash
	verdict.ProcessedAtMs = time.Now().UnixMilli()

	if err := s.storage.StoreVerdict(ctx, verdict, status); err != nil {
		return err
	}
	metrics.DisputesHandled.WithLabelValues(status).Inc()

	txSummary := "none"
	if submitTxHash != nil {
		txSummary = *submitTxHash
	}
	s.logger.Info("dispute resolved",
		"disputeId", disputeID,
		"winner", winner,
		"status", status,
		"confidence", confidence,
		"reasonCodes", strings.Join(reasonCodes, ","))
	s.notifier.NotifyVerdict(ctx, verdict, fmt.Sprintf(
		"dispute=%d winner=%s reasons=%s confidence=%.2f tx=%s",
		disputeID, winner, strings.Join(reasonCodes, ","), confidence, txSummary))

	return nil
}

// priorRulings summarizes the verdicts already issued for the
// agreement so an escalated tier rules with the lower-court history in
// view. Failures degrade to no history.
func (s *Service) priorRulings(ctx context.Context, agreementID string) []map[string]any {
	docs, err := s.storage.ListVerdictsByAgreement(ctx, agreementID)
	if err != nil {
		s.logger.Error("prior verdict lookup failed", "agreementId", agreementID, "error", err)
		return nil
	}
	priors := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		priors = append(priors, map[string]any{
			"disputeId":   doc["disputeId"],
			"courtTier":   doc["courtTier"],
			"winner":      doc["winner"],
			"loser":       doc["loser"],
			"reasonCodes": doc["reasonCodes"],
			"confidence":  doc["confidence"],
		})
	}
	return priors
}

func (s *Service) submitRuling(ctx context.Context, disputeID int64, verdict protocol.VerdictPackage) (escrow.TxResult, error) {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return escrow.TxResult{}, fmt.Errorf("judge: marshal verdict: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return escrow.TxResult{}, fmt.Errorf("judge: decode verdict: %w", err)
	}
	return s.escrow.SubmitRuling(ctx, disputeID, doc)
}
