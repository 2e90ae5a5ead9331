package agentflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/escrow"
	"github.com/agentcourt/verdict/pkg/evidence"
	"github.com/agentcourt/verdict/pkg/protocol"
)

var (
	testKeyConsumer = "0x" + strings.Repeat("11", 32)
	testKeyProvider = "0x" + strings.Repeat("22", 32)
)

const (
	testChainID  = int64(48816)
	testContract = "0x000000000000000000000000000000000000dEaD"
)

type flowHarness struct {
	flow    *Flow
	storage *evidence.Storage
	root    *escrow.DryRunBackend
	events  []map[string]any
}

// mockProvider stands in for the demo provider: a payment gate
// satisfied by the mock marker header, and a hashed JSON payload.
func mockProvider(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-mock-x402") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":"payment required"}`))
			return
		}
		payload := map[string]any{"result": "some_data", "timestamp": time.Now().UnixMilli()}
		if hash, err := protocol.HashCanonical(payload); err == nil {
			w.Header().Set("X-Evidence-Hash", hash)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newFlowHarness(t *testing.T) *flowHarness {
	t.Helper()
	dir := t.TempDir()

	storage, err := evidence.OpenStorage(filepath.Join(dir, "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	root, err := escrow.OpenDryRun(escrow.Config{
		ChainID:         testChainID,
		ContractAddress: testContract,
		PrivateKey:      testKeyProvider,
		DryRun:          true,
		MockDBPath:      filepath.Join(dir, "mock.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	evidenceTS := httptest.NewServer(evidence.NewServer(storage, root, nil).Handler())
	t.Cleanup(evidenceTS.Close)
	providerTS := mockProvider(t)

	runner := config.Runner{
		EvidenceURL:      evidenceTS.URL,
		ProviderURL:      providerTS.URL,
		ProviderKey:      testKeyProvider,
		ConsumerKey:      testKeyConsumer,
		AllowMockPayment: true,
	}
	chain := config.Chain{ChainID: testChainID, ContractAddress: testContract}

	h := &flowHarness{storage: storage, root: root}
	h.flow = New(runner, chain, func(key string) (escrow.Backend, error) {
		return root.WithKey(key)
	}, nil)
	return h
}

func (h *flowHarness) emit(event map[string]any) {
	h.events = append(h.events, event)
}

func (h *flowHarness) stepStatuses() map[string]string {
	statuses := map[string]string{}
	for _, event := range h.events {
		stepID, _ := event["stepId"].(string)
		status, _ := event["status"].(string)
		if stepID != "" && status != "" {
			statuses[stepID] = status
		}
	}
	return statuses
}

func TestRunHappyRecordsFullJourney(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()

	result, err := h.flow.RunHappy(ctx, h.emit, 1)
	require.NoError(t, err)
	assert.Equal(t, "happy", result["mode"])

	agreementID := result["agreementId"].(string)
	clause, err := h.storage.GetClauseByAgreement(ctx, agreementID)
	require.NoError(t, err)
	require.NotNil(t, clause)
	assert.Equal(t, "GET /api/data", clause.ServiceScope)

	receipts, err := h.storage.ListReceipts(ctx, agreementID, "")
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, protocol.EventRequest, receipts[0].EventType)
	assert.Equal(t, protocol.EventResponse, receipts[1].EventType)
	assert.Equal(t, protocol.EventPayment, receipts[2].EventType)
	assert.Equal(t, receipts[0].ReceiptHash, receipts[1].PrevHash)

	// The response receipt carries the provider's evidence hash.
	evidenceHash, _ := receipts[1].Metadata["evidence_hash"].(string)
	assert.Regexp(t, "^0x[0-9a-f]{64}$", evidenceHash)

	anchor, err := h.storage.GetAnchor(ctx, agreementID)
	require.NoError(t, err)
	require.NotNil(t, anchor)
	resultAnchor := result["anchor"].(map[string]any)
	assert.Equal(t, anchor.RootHash, resultAnchor["rootHash"])

	committed, err := h.root.PollEvents(ctx, escrow.EventEvidenceCommitted, 0, escrow.LatestBlock)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, anchor.RootHash, committed[0].StringArg("rootHash"))

	ref := result["x402PaymentReference"].(string)
	assert.True(t, strings.HasPrefix(ref, "fallback-"))

	statuses := h.stepStatuses()
	for _, step := range []string{"clause_created", "deposit_pool", "post_bond", "payment_receipt", "anchor", "dispute_window_wait"} {
		assert.Equal(t, "done", statuses[step], step)
	}
}

func TestRunDisputeFilesOnChain(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()

	result, err := h.flow.RunDispute(ctx, h.emit, 1)
	require.NoError(t, err)
	assert.Equal(t, "dispute", result["mode"])
	assert.NotEmpty(t, result["disputeTx"])

	agreementID := result["agreementId"].(string)
	receipts, err := h.storage.ListReceipts(ctx, agreementID, "")
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, protocol.EventSLACheck, receipts[2].EventType)
	assert.EqualValues(t, 3500, receipts[2].Payload["latency_ms"])

	consumerAddr, err := protocol.AddressFromKey(testKeyConsumer)
	require.NoError(t, err)
	providerAddr, err := protocol.AddressFromKey(testKeyProvider)
	require.NoError(t, err)

	dispute, err := h.root.GetDispute(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, dispute)
	assert.Equal(t, consumerAddr, dispute.Plaintiff)
	assert.Equal(t, providerAddr, dispute.Defendant)
	assert.False(t, dispute.Resolved)

	anchor, err := h.storage.GetAnchor(ctx, agreementID)
	require.NoError(t, err)
	assert.Equal(t, anchor.RootHash, dispute.PlaintiffEvidence)

	statuses := h.stepStatuses()
	assert.Equal(t, "done", statuses["file_dispute"])
}

func TestRunHappyCancelsDuringWindowWait(t *testing.T) {
	h := newFlowHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A window longer than the deadline parks the flow in the dispute
	// window wait until the context expires.
	_, err := h.flow.RunHappy(ctx, h.emit, 30)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetupRequiresKeys(t *testing.T) {
	flow := New(config.Runner{}, config.Chain{}, nil, nil)
	_, err := flow.RunHappy(context.Background(), nil, 1)
	assert.ErrorContains(t, err, "private keys are required")
}
