// Package agentflow drives the scripted consumer/provider journeys:
// clause creation, escrow funding, paid provider calls with receipt
// capture, anchoring, and the dispute filing path. Every step emits a
// structured progress event for the orchestrator's stream.
package agentflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/protocol"
)

// Emitter receives progress events. A nil Emitter discards them.
type Emitter func(event map[string]any)

// BackendFactory builds an escrow backend signing as privateKey. The
// flow opens one backend per acting party.
type BackendFactory func(privateKey string) (escrow.Backend, error)

// stakeWei is the pool deposit, bond, and dispute stake used by both
// flows.
var stakeWei = big.NewInt(1_000_000_000_000_000)

// Flow runs the demo journeys against a live service set.
type Flow struct {
	runner   config.Runner
	chain    config.Chain
	backends BackendFactory
	receipts *ReceiptClient
	logger   *slog.Logger
}

// New wires a flow driver.
func New(runner config.Runner, chain config.Chain, backends BackendFactory, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		runner:   runner,
		chain:    chain,
		backends: backends,
		receipts: NewReceiptClient(runner.EvidenceURL),
		logger:   logger,
	}
}

func emitEvent(cb Emitter, event map[string]any) {
	if cb != nil {
		cb(event)
	}
}

func stepStart(cb Emitter, stepID, label, message string) {
	emitEvent(cb, map[string]any{
		"type":    "step.started",
		"stepId":  stepID,
		"label":   label,
		"status":  "running",
		"message": message,
	})
}

func stepDone(cb Emitter, stepID, label, message string, artifacts map[string]any) {
	event := map[string]any{
		"type":    "step.updated",
		"stepId":  stepID,
		"label":   label,
		"status":  "done",
		"message": message,
	}
	if len(artifacts) > 0 {
		event["artifacts"] = artifacts
	}
	emitEvent(cb, event)
}

// parties holds everything both flows set up before diverging.
type parties struct {
	provider       protocol.Identity
	consumer       protocol.Identity
	providerEscrow escrow.Backend
	consumerEscrow escrow.Backend
}

func (f *Flow) setup(emit Emitter) (parties, error) {
	if f.runner.ProviderKey == "" || f.runner.ConsumerKey == "" {
		return parties{}, fmt.Errorf("agentflow: provider and consumer private keys are required")
	}
	provider, err := protocol.IdentityFromKey(f.runner.ProviderKey)
	if err != nil {
		return parties{}, fmt.Errorf("agentflow: provider identity: %w", err)
	}
	consumer, err := protocol.IdentityFromKey(f.runner.ConsumerKey)
	if err != nil {
		return parties{}, fmt.Errorf("agentflow: consumer identity: %w", err)
	}

	stepDone(emit, "agent_init", "Initialize agents and wallets",
		"Loaded provider and consumer identities from env", nil)

	providerEscrow, err := f.backends(f.runner.ProviderKey)
	if err != nil {
		return parties{}, fmt.Errorf("agentflow: provider escrow: %w", err)
	}
	consumerEscrow, err := f.backends(f.runner.ConsumerKey)
	if err != nil {
		_ = providerEscrow.Close()
		return parties{}, fmt.Errorf("agentflow: consumer escrow: %w", err)
	}
	return parties{
		provider:       provider,
		consumer:       consumer,
		providerEscrow: providerEscrow,
		consumerEscrow: consumerEscrow,
	}, nil
}

func (p parties) close() {
	_ = p.providerEscrow.Close()
	_ = p.consumerEscrow.Close()
}

// newClause builds the demo service agreement: a single latency SLA,
// a request-rate abuse rule, and a full consumer refund on breach.
func (f *Flow) newClause(agreementID string, windowSec int) (protocol.ArbitrationClause, error) {
	return protocol.BuildClause(protocol.ClauseParams{
		AgreementID:     agreementID,
		ChainID:         f.chain.ChainID,
		ContractAddress: f.chain.ContractAddress,
		ServiceScope:    "GET /api/data",
		SLARules: []protocol.Rule{
			{RuleID: "sla-latency", Metric: "latency_ms", Operator: "<=", Value: 3000, Unit: "ms"},
		},
		AbuseRules: []protocol.Rule{
			{RuleID: "abuse-rate", Metric: "requests_per_minute", Operator: "<=", Value: 60, Unit: "rpm"},
		},
		RemedyRules: []protocol.RemedyRule{
			{Condition: "sla_breach", Action: "consumer_refund", Percent: 100},
		},
		DisputeWindowSec:  int64(windowSec),
		EvidenceWindowSec: int64(windowSec),
		JudgeFeePercent:   5,
	})
}

func (f *Flow) receiptParams(p parties, clause protocol.ArbitrationClause) protocol.ReceiptParams {
	return protocol.ReceiptParams{
		ChainID:         f.chain.ChainID,
		ContractAddress: f.chain.ContractAddress,
		AgreementID:     clause.AgreementID,
		ClauseHash:      clause.ClauseHash,
		Actor:           p.consumer,
		Counterparty:    p.provider,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// RunHappy executes the uncontested journey and returns its result
// artifacts.
func (f *Flow) RunHappy(ctx context.Context, emit Emitter, windowSec int) (map[string]any, error) {
	p, err := f.setup(emit)
	if err != nil {
		return nil, err
	}
	defer p.close()

	agreementID := uuid.NewString()

	stepStart(emit, "clause_created", "Create arbitration clause", "Preparing clause fields")
	clause, err := f.newClause(agreementID, windowSec)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostClause(ctx, clause); err != nil {
		return nil, err
	}
	stepDone(emit, "clause_created", "Create arbitration clause", "Clause stored in evidence service",
		map[string]any{"agreementId": agreementID, "clauseId": clause.ClauseID})

	stepStart(emit, "deposit_pool", "Provider deposits escrow pool", "Submitting deposit transaction")
	depositTx, err := p.providerEscrow.DepositPool(ctx, stakeWei)
	if err != nil {
		return nil, fmt.Errorf("deposit pool: %w", err)
	}
	stepDone(emit, "deposit_pool", "Provider deposits escrow pool", "Pool deposit complete",
		map[string]any{"txHash": depositTx.TxHash, "contractAddress": f.chain.ContractAddress})

	stepStart(emit, "post_bond", "Consumer posts bond", "Submitting bond transaction")
	bondTx, err := p.consumerEscrow.PostBond(ctx, agreementID, stakeWei)
	if err != nil {
		return nil, fmt.Errorf("post bond: %w", err)
	}
	stepDone(emit, "post_bond", "Consumer posts bond", "Bond transaction complete",
		map[string]any{"txHash": bondTx.TxHash, "agreementId": agreementID})

	stepStart(emit, "provider_call", "Provider API call", "Requesting /api/data with paid session")
	paid := NewPaidClient(f.runner.ConsumerKey, f.runner.AllowMockPayment)
	requestID := uuid.NewString()

	reqParams := f.receiptParams(p, clause)
	reqParams.Sequence = 0
	reqParams.EventType = protocol.EventRequest
	reqParams.RequestID = requestID
	reqParams.Payload = map[string]any{"path": "/api/data", "requestId": requestID}
	reqParams.PrevHash = protocol.EmptyRoot
	reqReceipt, err := protocol.BuildReceipt(reqParams)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostReceipt(ctx, reqReceipt); err != nil {
		return nil, err
	}
	stepDone(emit, "provider_call", "Consumer request receipt", "Request receipt recorded",
		map[string]any{"receiptId": reqReceipt.ReceiptID, "actorId": reqReceipt.ActorID})

	response, err := paid.Get(ctx, f.runner.ProviderURL+"/api/data")
	if err != nil {
		return nil, err
	}

	resParams := f.receiptParams(p, clause)
	resParams.Sequence = 1
	resParams.Actor = p.provider
	resParams.Counterparty = p.consumer
	resParams.EventType = protocol.EventResponse
	resParams.RequestID = requestID
	resParams.Payload = response.Payload
	resParams.PrevHash = reqReceipt.ReceiptHash
	resParams.Metadata = map[string]any{
		"status_code":   response.StatusCode,
		"evidence_hash": response.Headers["x-evidence-hash"],
	}
	resReceipt, err := protocol.BuildReceipt(resParams)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostReceipt(ctx, resReceipt); err != nil {
		return nil, err
	}
	stepDone(emit, "provider_call", "Provider response receipt", "Response receipt recorded",
		map[string]any{"receiptId": resReceipt.ReceiptID, "statusCode": response.StatusCode})

	stepStart(emit, "payment_receipt", "Record payment event", "Signing payment evidence")
	payParams := f.receiptParams(p, clause)
	payParams.Sequence = 2
	payParams.EventType = protocol.EventPayment
	payParams.RequestID = requestID
	payParams.Payload = map[string]any{"network": paid.Network()}
	payParams.PrevHash = resReceipt.ReceiptHash
	payParams.Metadata = map[string]any{"x402_payment_reference": response.PaymentReference}
	payReceipt, err := protocol.BuildReceipt(payParams)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostReceipt(ctx, payReceipt); err != nil {
		return nil, err
	}
	stepDone(emit, "payment_receipt", "Record payment event", "Payment receipt recorded",
		map[string]any{"receiptId": payReceipt.ReceiptID, "paymentReference": response.PaymentReference})

	stepStart(emit, "anchor", "Anchor evidence root", "Committing evidence hash on chain")
	anchor, err := f.receipts.Anchor(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	stepDone(emit, "anchor", "Anchor evidence root", "Merkle root committed on chain",
		map[string]any{"agreementId": agreementID, "rootHash": anchor["rootHash"], "txHash": anchor["txHash"]})

	stepStart(emit, "dispute_window_wait", "Wait dispute window", fmt.Sprintf("Waiting %ds", windowSec))
	if err := sleepCtx(ctx, time.Duration(windowSec)*time.Second); err != nil {
		return nil, err
	}
	stepDone(emit, "dispute_window_wait", "Wait dispute window", "Dispute window elapsed", nil)

	f.logger.Info("happy flow complete", "agreementId", agreementID)
	return map[string]any{
		"mode":        "happy",
		"agreementId": agreementID,
		"depositTx":   depositTx.TxHash,
		"bondTx":      bondTx.TxHash,
		"receiptIds": []string{
			reqReceipt.ReceiptID,
			resReceipt.ReceiptID,
			payReceipt.ReceiptID,
		},
		"anchor":               anchor,
		"x402PaymentReference": response.PaymentReference,
	}, nil
}

// RunDispute executes the contested journey: the consumer takes the
// degraded provider path, records the breach evidence, anchors it, and
// files a dispute staking the anchored root.
func (f *Flow) RunDispute(ctx context.Context, emit Emitter, windowSec int) (map[string]any, error) {
	p, err := f.setup(emit)
	if err != nil {
		return nil, err
	}
	defer p.close()

	agreementID := uuid.NewString()

	stepStart(emit, "clause_created", "Create arbitration clause", "Preparing clause fields")
	clause, err := f.newClause(agreementID, windowSec)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostClause(ctx, clause); err != nil {
		return nil, err
	}
	stepDone(emit, "clause_created", "Create arbitration clause", "Clause stored for dispute path",
		map[string]any{"agreementId": agreementID, "clauseId": clause.ClauseID})

	stepStart(emit, "deposit_pool", "Provider deposits escrow pool", "Submitting deposit transaction")
	depositTx, err := p.providerEscrow.DepositPool(ctx, stakeWei)
	if err != nil {
		return nil, fmt.Errorf("deposit pool: %w", err)
	}
	stepDone(emit, "deposit_pool", "Provider deposits escrow pool", "Pool deposit complete",
		map[string]any{"txHash": depositTx.TxHash})

	stepStart(emit, "post_bond", "Consumer posts bond", "Submitting bond transaction")
	bondTx, err := p.consumerEscrow.PostBond(ctx, agreementID, stakeWei)
	if err != nil {
		return nil, fmt.Errorf("post bond: %w", err)
	}
	stepDone(emit, "post_bond", "Consumer posts bond", "Bond transaction complete",
		map[string]any{"txHash": bondTx.TxHash})

	paid := NewPaidClient(f.runner.ConsumerKey, f.runner.AllowMockPayment)
	requestID := uuid.NewString()

	stepStart(emit, "provider_call", "Provider API call (bad path)", "Requesting /api/data?bad=true")
	reqParams := f.receiptParams(p, clause)
	reqParams.Sequence = 0
	reqParams.EventType = protocol.EventRequest
	reqParams.RequestID = requestID
	reqParams.Payload = map[string]any{"path": "/api/data?bad=true", "requestId": requestID}
	reqParams.PrevHash = protocol.EmptyRoot
	reqReceipt, err := protocol.BuildReceipt(reqParams)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostReceipt(ctx, reqReceipt); err != nil {
		return nil, err
	}
	stepDone(emit, "provider_call", "Consumer request receipt", "Request recorded for bad path",
		map[string]any{"receiptId": reqReceipt.ReceiptID})

	response, err := paid.Get(ctx, f.runner.ProviderURL+"/api/data?bad=true")
	if err != nil {
		return nil, err
	}

	resParams := f.receiptParams(p, clause)
	resParams.Sequence = 1
	resParams.Actor = p.provider
	resParams.Counterparty = p.consumer
	resParams.EventType = protocol.EventResponse
	resParams.RequestID = requestID
	resParams.Payload = response.Payload
	resParams.PrevHash = reqReceipt.ReceiptHash
	resParams.Metadata = map[string]any{
		"status_code":   response.StatusCode,
		"evidence_hash": response.Headers["x-evidence-hash"],
		"bad":           true,
	}
	resReceipt, err := protocol.BuildReceipt(resParams)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostReceipt(ctx, resReceipt); err != nil {
		return nil, err
	}

	slaParams := f.receiptParams(p, clause)
	slaParams.Sequence = 2
	slaParams.EventType = protocol.EventSLACheck
	slaParams.RequestID = requestID
	slaParams.Payload = map[string]any{"latency_ms": 3500, "response_ok": false}
	slaParams.PrevHash = resReceipt.ReceiptHash
	slaParams.Metadata = map[string]any{"violation": "sla_breach:latency"}
	slaReceipt, err := protocol.BuildReceipt(slaParams)
	if err != nil {
		return nil, err
	}
	if err := f.receipts.PostReceipt(ctx, slaReceipt); err != nil {
		return nil, err
	}
	stepDone(emit, "provider_call", "Provider bad response receipts",
		"Request, response, and SLA-check receipts recorded",
		map[string]any{
			"requestReceiptId":  reqReceipt.ReceiptID,
			"responseReceiptId": resReceipt.ReceiptID,
			"slaReceiptId":      slaReceipt.ReceiptID,
		})

	stepStart(emit, "anchor", "Anchor evidence root", "Committing evidence hash on chain")
	anchor, err := f.receipts.Anchor(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	stepDone(emit, "anchor", "Anchor evidence root", "Merkle root committed on chain",
		map[string]any{"rootHash": anchor["rootHash"], "txHash": anchor["txHash"]})

	rootHash, _ := anchor["rootHash"].(string)
	stepStart(emit, "file_dispute", "File dispute", "Submitting dispute transaction")
	disputeTx, err := p.consumerEscrow.FileDispute(ctx, agreementID, escrow.FileDisputeParams{
		Defendant:         p.provider.Address,
		Stake:             stakeWei,
		PlaintiffEvidence: rootHash,
	})
	if err != nil {
		return nil, fmt.Errorf("file dispute: %w", err)
	}
	stepDone(emit, "file_dispute", "File dispute", "Dispute filed on-chain",
		map[string]any{"txHash": disputeTx.TxHash})

	f.logger.Info("dispute flow complete", "agreementId", agreementID, "disputeTx", disputeTx.TxHash)
	return map[string]any{
		"mode":        "dispute",
		"agreementId": agreementID,
		"depositTx":   depositTx.TxHash,
		"bondTx":      bondTx.TxHash,
		"disputeTx":   disputeTx.TxHash,
		"receiptIds": []string{
			reqReceipt.ReceiptID,
			resReceipt.ReceiptID,
			slaReceipt.ReceiptID,
		},
		"anchor":               anchor,
		"x402PaymentReference": response.PaymentReference,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
