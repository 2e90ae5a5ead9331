package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeccakHexKnownVectors(t *testing.T) {
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", KeccakHex(nil))
	assert.Equal(t, "0x1c8aff950685c2ed4bc3174f3472287b56d9517b9c948127319a09a7a36deac8", KeccakHex([]byte("hello")))
}

func TestHashCanonicalKeyOrderIndependent(t *testing.T) {
	a, err := HashCanonical(map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	b, err := HashCanonical(map[string]any{"y": "two", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 66)
	assert.Regexp(t, "^0x[0-9a-f]{64}$", a)
}

func TestClauseHashExcludesOwnHash(t *testing.T) {
	clause, err := BuildClause(ClauseParams{
		AgreementID:     "agr-1",
		ChainID:         48816,
		ContractAddress: "0x000000000000000000000000000000000000dEaD",
		ServiceScope:    "GET /api/data",
	})
	require.NoError(t, err)
	require.NotEmpty(t, clause.ClauseHash)

	// The stored hash must match a recomputation over the filled struct.
	recomputed, err := ClauseHash(clause)
	require.NoError(t, err)
	assert.Equal(t, clause.ClauseHash, recomputed)

	// Any content change must move the hash.
	clause.ServiceScope = "GET /api/other"
	moved, err := ClauseHash(clause)
	require.NoError(t, err)
	assert.NotEqual(t, recomputed, moved)
}

func TestReceiptHashExcludesHashAndSignature(t *testing.T) {
	actor := testIdentity(t, testKeyConsumer)
	receipt, err := BuildReceipt(ReceiptParams{
		ChainID:         48816,
		ContractAddress: "0x000000000000000000000000000000000000dEaD",
		AgreementID:     "agr-1",
		ClauseHash:      "0xabc",
		Sequence:        0,
		Actor:           actor,
		Counterparty:    actor,
		EventType:       EventRequest,
		Timestamp:       1700000000000,
		RequestID:       "req-1",
		Payload:         map[string]any{"method": "GET"},
		PrevHash:        EmptyRoot,
	})
	require.NoError(t, err)

	recomputed, err := ReceiptHash(receipt)
	require.NoError(t, err)
	assert.Equal(t, receipt.ReceiptHash, recomputed)

	// Mutating the signature must not change the content hash.
	receipt.Signature = "0xdeadbeef"
	unchanged, err := ReceiptHash(receipt)
	require.NoError(t, err)
	assert.Equal(t, recomputed, unchanged)

	receipt.PayloadHash = "0x1234"
	changed, err := ReceiptHash(receipt)
	require.NoError(t, err)
	assert.NotEqual(t, recomputed, changed)
}

func TestVerdictHashExcludesSubmissionAnnotations(t *testing.T) {
	verdict := map[string]any{
		"verdictId":   "v-1",
		"disputeId":   "1",
		"agreementId": "agr-1",
		"winner":      "0xabc",
	}
	base, err := VerdictHash(verdict)
	require.NoError(t, err)

	tx := "0xfeed"
	verdict["submitTxHash"] = tx
	verdict["processedAtMs"] = 1700000000000
	verdict["judgeSignature"] = "0xsig"
	verdict["verdictHash"] = base
	annotated, err := VerdictHash(verdict)
	require.NoError(t, err)
	assert.Equal(t, base, annotated)
}
