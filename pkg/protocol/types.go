// Package protocol defines the canonical data model for agent-to-agent
// dispute resolution: arbitration clauses, hash-chained event receipts,
// anchor records, and verdict packages, together with the hashing,
// signing, schema-validation, and chain-verification primitives that
// bind them.
package protocol

// SchemaVersion is the wire schema version for all protocol documents.
const SchemaVersion = "1.0.0"

// EmptyRoot is the reserved sentinel for a Merkle root (or prevHash)
// over zero leaves.
const EmptyRoot = "0x0"

// Receipt event types.
const (
	EventRequest      = "request"
	EventResponse     = "response"
	EventPayment      = "payment"
	EventSLACheck     = "sla_check"
	EventDisputeFiled = "dispute_filed"
)

// EventTypes lists every legal receipt event type.
var EventTypes = []string{EventRequest, EventResponse, EventPayment, EventSLACheck, EventDisputeFiled}

// Rule is one SLA or abuse rule inside a clause.
type Rule struct {
	RuleID   string  `json:"ruleId"`
	Metric   string  `json:"metric"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
}

// RemedyRule maps a breach condition to a remedy action.
type RemedyRule struct {
	Condition string  `json:"condition"`
	Action    string  `json:"action"`
	Percent   float64 `json:"percent"`
}

// ArbitrationClause is the content-addressed arbitration contract for
// one agreement. Immutable after creation; clauseHash covers every
// field except itself.
type ArbitrationClause struct {
	SchemaVersion     string       `json:"schemaVersion"`
	ClauseID          string       `json:"clauseId"`
	ChainID           int64        `json:"chainId"`
	ContractAddress   string       `json:"contractAddress"`
	AgreementID       string       `json:"agreementId"`
	ServiceScope      string       `json:"serviceScope"`
	SLARules          []Rule       `json:"slaRules"`
	AbuseRules        []Rule       `json:"abuseRules"`
	DisputeWindowSec  int64        `json:"disputeWindowSec"`
	EvidenceWindowSec int64        `json:"evidenceWindowSec"`
	RemedyRules       []RemedyRule `json:"remedyRules"`
	JudgeFeePercent   float64      `json:"judgeFeePercent"`
	ClauseHash        string       `json:"clauseHash"`
}

// EventReceipt is one timestamped, signed entry in the hash-chained
// event log for an agreement. receiptHash covers every field except
// itself and the signature; the signature is EIP-191 over receiptHash
// and must recover to the address carried in actorId.
type EventReceipt struct {
	SchemaVersion   string         `json:"schemaVersion"`
	ReceiptID       string         `json:"receiptId"`
	ChainID         int64          `json:"chainId"`
	ContractAddress string         `json:"contractAddress"`
	AgreementID     string         `json:"agreementId"`
	ClauseHash      string         `json:"clauseHash"`
	Sequence        int64          `json:"sequence"`
	EventType       string         `json:"eventType"`
	Timestamp       int64          `json:"timestamp"`
	ActorID         string         `json:"actorId"`
	CounterpartyID  string         `json:"counterpartyId"`
	RequestID       string         `json:"requestId"`
	PayloadHash     string         `json:"payloadHash"`
	PrevHash        string         `json:"prevHash"`
	Metadata        map[string]any `json:"metadata"`
	ReceiptHash     string         `json:"receiptHash"`
	Signature       string         `json:"signature"`
}

// AnchorRecord binds an agreement's ordered receipt set to the Merkle
// root committed on-chain. Unique per agreement, indexed by root.
type AnchorRecord struct {
	AgreementID string   `json:"agreementId"`
	RootHash    string   `json:"rootHash"`
	TxHash      string   `json:"txHash"`
	ReceiptIDs  []string `json:"receiptIds"`
}

// Transfer is one payout instruction inside a verdict.
type Transfer struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

// VerdictPackage is the judge's signed ruling bundle. verdictHash
// covers every field except itself and judgeSignature.
type VerdictPackage struct {
	SchemaVersion      string         `json:"schemaVersion"`
	VerdictID          string         `json:"verdictId"`
	DisputeID          string         `json:"disputeId"`
	TransactionID      *string        `json:"transactionId"`
	ChainID            int64          `json:"chainId"`
	ContractAddress    string         `json:"contractAddress"`
	AgreementID        string         `json:"agreementId"`
	ClauseHash         string         `json:"clauseHash"`
	Plaintiff          string         `json:"plaintiff"`
	Defendant          string         `json:"defendant"`
	PlaintiffEvidence  string         `json:"plaintiffEvidence"`
	DefendantEvidence  string         `json:"defendantEvidence"`
	Stake              string         `json:"stake"`
	DefendantStake     string         `json:"defendantStake"`
	Tier               int            `json:"tier"`
	CourtTier          string         `json:"courtTier"`
	Transfers          []Transfer     `json:"transfers"`
	JudgeFee           string         `json:"judgeFee"`
	ReasonCodes        []string       `json:"reasonCodes"`
	EvidenceReceiptIDs []string       `json:"evidenceReceiptIds"`
	Facts              map[string]any `json:"facts"`
	Confidence         float64        `json:"confidence"`
	Flags              []string       `json:"flags"`
	VerdictHash        string         `json:"verdictHash"`
	JudgeSignature     string         `json:"judgeSignature"`
	Winner             string         `json:"winner"`
	Loser              string         `json:"loser"`
	FullOpinion        string         `json:"fullOpinion"`
	SubmitTxHash       *string        `json:"submitTxHash"`
	ProcessedAtMs      int64          `json:"processedAtMs"`
}

// TierName maps an escalation tier index to its court division name.
// Out-of-range tiers fall back to the district division.
func TierName(tier int) string {
	names := []string{"district", "appeals", "supreme"}
	if tier >= 0 && tier < len(names) {
		return names[tier]
	}
	return "district"
}
