package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestClause(t *testing.T) ArbitrationClause {
	t.Helper()
	clause, err := BuildClause(ClauseParams{
		AgreementID:       "agr-schema",
		ChainID:           testChainID,
		ContractAddress:   testContract,
		ServiceScope:      "GET /api/data",
		SLARules:          []Rule{{RuleID: "sla-latency", Metric: "latency_ms", Operator: "<=", Value: 3000, Unit: "ms"}},
		AbuseRules:        []Rule{{RuleID: "abuse-rate", Metric: "requests_per_min", Operator: "<=", Value: 60, Unit: "rpm"}},
		RemedyRules:       []RemedyRule{{Condition: "sla_breach", Action: "consumer_refund", Percent: 100}},
		DisputeWindowSec:  120,
		EvidenceWindowSec: 600,
		JudgeFeePercent:   5,
	})
	require.NoError(t, err)
	return clause
}

func TestValidateClauseAccepted(t *testing.T) {
	violations, err := Validate(SchemaClause, validTestClause(t))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestValidateRejectsUnknownField(t *testing.T) {
	raw, err := json.Marshal(validTestClause(t))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["surprise"] = true

	violations, err := Validate(SchemaClause, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, violations)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	raw, err := json.Marshal(validTestClause(t))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	delete(doc, "clauseHash")

	violations, err := Validate(SchemaClause, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, violations)
}

func TestValidateReceiptAccepted(t *testing.T) {
	receipts, _ := buildTestChain(t, 1)
	violations, err := Validate(SchemaReceipt, receipts[0])
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestValidateReceiptRejectsBadEventType(t *testing.T) {
	receipts, _ := buildTestChain(t, 1)
	receipt := receipts[0]
	receipt.EventType = "gossip"

	violations, err := Validate(SchemaReceipt, receipt)
	require.NoError(t, err)
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "eventType")
}

func TestValidateReceiptRejectsNegativeSequence(t *testing.T) {
	receipts, _ := buildTestChain(t, 1)
	receipt := receipts[0]
	receipt.Sequence = -1

	violations, err := Validate(SchemaReceipt, receipt)
	require.NoError(t, err)
	assert.NotEmpty(t, violations)
}

func TestValidateUnknownSchemaName(t *testing.T) {
	_, err := Validate("nope.schema.json", map[string]any{})
	assert.Error(t, err)
}
