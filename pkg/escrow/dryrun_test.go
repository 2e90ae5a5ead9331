package escrow

import (
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcourt/verdict/pkg/protocol"
)

var (
	testKeyConsumer = "0x" + strings.Repeat("11", 32)
	testKeyProvider = "0x" + strings.Repeat("22", 32)
)

func openTestBackend(t *testing.T) *DryRunBackend {
	t.Helper()
	b, err := OpenDryRun(Config{
		ChainID:         48816,
		ContractAddress: "0x000000000000000000000000000000000000dEaD",
		PrivateKey:      testKeyConsumer,
		DryRun:          true,
		MockDBPath:      filepath.Join(t.TempDir(), "mock.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDryRunDepositAndBond(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	deposit, err := b.DepositPool(ctx, big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, 1, deposit.Status)
	assert.True(t, strings.HasPrefix(deposit.TxHash, "0x"))
	assert.Equal(t, int64(1), deposit.BlockNumber)

	bond, err := b.PostBond(ctx, "agr-1", big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, int64(2), bond.BlockNumber)
	assert.NotEqual(t, deposit.TxHash, bond.TxHash)
}

func TestDryRunCommitEvidenceEmitsEvent(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	root := protocol.KeccakHex([]byte("root"))
	result, err := b.CommitEvidenceHash(ctx, "agr-1", root)
	require.NoError(t, err)

	events, err := b.PollEvents(ctx, EventEvidenceCommitted, 0, LatestBlock)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "agr-1", events[0].StringArg("agreementId"))
	assert.Equal(t, root, events[0].StringArg("rootHash"))
	assert.Equal(t, result.TxHash, events[0].TxHash)
	assert.NotEqual(t, "0x0000000000000000000000000000000000000000", events[0].StringArg("agent"))
}

func TestDryRunDisputeLifecycle(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	defendant, err := protocol.AddressFromKey(testKeyProvider)
	require.NoError(t, err)
	plaintiff, err := protocol.AddressFromKey(testKeyConsumer)
	require.NoError(t, err)

	filed, err := b.FileDispute(ctx, "agr-1", FileDisputeParams{
		Defendant:         defendant,
		Stake:             big.NewInt(1_000_000_000_000_000),
		PlaintiffEvidence: protocol.KeccakHex([]byte("evidence")),
	})
	require.NoError(t, err)
	disputeID := int64(filed.Extra["disputeId"].(int64))
	assert.Equal(t, int64(1), disputeID)

	dispute, err := b.GetDispute(ctx, disputeID)
	require.NoError(t, err)
	require.NotNil(t, dispute)
	assert.Equal(t, plaintiff, dispute.Plaintiff)
	assert.Equal(t, defendant, dispute.Defendant)
	assert.False(t, dispute.Resolved)
	assert.Equal(t, protocol.EmptyRoot, dispute.DefendantEvidence)

	_, err = b.SubmitRuling(ctx, disputeID, map[string]any{"winner": plaintiff})
	require.NoError(t, err)

	resolved, err := b.GetDispute(ctx, disputeID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, plaintiff, resolved.Winner)

	// A second ruling on the same dispute must be refused.
	_, err = b.SubmitRuling(ctx, disputeID, map[string]any{"winner": defendant})
	assert.ErrorContains(t, err, "already resolved")

	rulings, err := b.PollEvents(ctx, EventRulingSubmitted, 0, LatestBlock)
	require.NoError(t, err)
	require.Len(t, rulings, 1)
	assert.Equal(t, plaintiff, rulings[0].StringArg("winner"))
	assert.Equal(t, defendant, rulings[0].StringArg("loser"))

	payouts, err := b.PollEvents(ctx, EventPayoutExecuted, 0, LatestBlock)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, "2000000000000000", payouts[0].StringArg("amount"))
}

func TestDryRunUnknownDispute(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	dispute, err := b.GetDispute(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, dispute)

	_, err = b.SubmitRuling(ctx, 99, map[string]any{"winner": "0x1111111111111111111111111111111111111111"})
	assert.ErrorContains(t, err, "not found")
}

func TestDryRunEventOrderingAndWindowing(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.CommitEvidenceHash(ctx, "agr-order", protocol.KeccakHex([]byte{byte(i)}))
		require.NoError(t, err)
	}

	all, err := b.PollEvents(ctx, EventEvidenceCommitted, 0, LatestBlock)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		assert.True(t, cur.BlockNumber > prev.BlockNumber ||
			(cur.BlockNumber == prev.BlockNumber && cur.Index > prev.Index))
	}

	// Closed window [from, to].
	window, err := b.PollEvents(ctx, EventEvidenceCommitted, all[1].BlockNumber, all[3].BlockNumber)
	require.NoError(t, err)
	assert.Len(t, window, 3)

	future, err := b.PollEvents(ctx, EventEvidenceCommitted, all[4].BlockNumber+1, LatestBlock)
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestDryRunPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mock.db")
	cfg := Config{ChainID: 48816, PrivateKey: testKeyConsumer, DryRun: true, MockDBPath: path}
	ctx := context.Background()

	first, err := OpenDryRun(cfg)
	require.NoError(t, err)
	filed, err := first.FileDispute(ctx, "agr-persist", FileDisputeParams{Stake: big.NewInt(7)})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenDryRun(cfg)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	dispute, err := second.GetDispute(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, dispute)
	assert.Equal(t, big.NewInt(7), dispute.Stake)

	// Block numbers continue past the restart.
	next, err := second.DepositPool(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Greater(t, next.BlockNumber, filed.BlockNumber)
}

func TestDryRunWithKeyViews(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	view, err := b.WithKey(testKeyProvider)
	require.NoError(t, err)

	providerAddr, err := protocol.AddressFromKey(testKeyProvider)
	require.NoError(t, err)
	viewAddr, err := view.JudgeAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, providerAddr, viewAddr)

	// The view writes into the shared store.
	filed, err := view.FileDispute(ctx, "agr-view", FileDisputeParams{Stake: big.NewInt(1)})
	require.NoError(t, err)
	dispute, err := b.GetDispute(ctx, int64(filed.Extra["disputeId"].(int64)))
	require.NoError(t, err)
	require.NotNil(t, dispute)
	assert.Equal(t, providerAddr, dispute.Plaintiff)

	// Closing a view leaves the root handle usable.
	require.NoError(t, view.Close())
	_, err = b.DepositPool(ctx, big.NewInt(1))
	assert.NoError(t, err)

	_, err = b.WithKey("not-a-key")
	assert.Error(t, err)
}

func TestDryRunSanityAndCapabilities(t *testing.T) {
	b := openTestBackend(t)

	sanity := b.ContractSanity(context.Background())
	assert.True(t, sanity.DryRun)
	assert.False(t, sanity.ContractHasCode)
	assert.Equal(t, int64(48816), sanity.ChainID)

	caps := b.Capabilities()
	assert.True(t, caps["fileDispute"])
	assert.True(t, caps["submitRuling"])
}

func TestWinnerFromVerdict(t *testing.T) {
	winner, err := WinnerFromVerdict(map[string]any{"winner": "0x1111111111111111111111111111111111111111"})
	require.NoError(t, err)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", strings.ToLower(winner))

	// Fallback picks the largest transfer recipient.
	winner, err = WinnerFromVerdict(map[string]any{
		"transfers": []any{
			map[string]any{"to": "0x2222222222222222222222222222222222222222", "amount": "10"},
			map[string]any{"to": "0x3333333333333333333333333333333333333333", "amount": "90"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", strings.ToLower(winner))

	_, err = WinnerFromVerdict(map[string]any{})
	assert.Error(t, err)
}
