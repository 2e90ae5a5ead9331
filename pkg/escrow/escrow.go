// Package escrow provides a uniform adapter over the on-chain escrow
// contract. Two backends implement the same capability surface and the
// same logical event schema: a live node client and a persistent
// dry-run mock. Event ordering is total by (blockNumber, insertionIndex)
// on both backends.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Logical event names emitted by both backends.
const (
	EventEvidenceCommitted = "EvidenceCommitted"
	EventDisputeFiled      = "DisputeFiled"
	EventRulingSubmitted   = "RulingSubmitted"
	EventPayoutExecuted    = "PayoutExecuted"
)

// LatestBlock selects the newest block in PollEvents.
const LatestBlock = int64(-1)

// TxResult is the uniform result of every state-changing operation.
type TxResult struct {
	TxHash      string         `json:"txHash"`
	BlockNumber int64          `json:"blockNumber"`
	Status      int            `json:"status"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Event is one contract log in the stable cross-backend schema.
type Event struct {
	Name        string         `json:"name"`
	BlockNumber int64          `json:"blockNumber"`
	Index       int64          `json:"index"`
	TxHash      string         `json:"txHash"`
	Args        map[string]any `json:"args"`
}

// Int64Arg reads a numeric event argument, tolerating the float64 and
// string forms JSON round-trips produce.
func (e Event) Int64Arg(key string) int64 {
	switch v := e.Args[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// StringArg reads a string event argument.
func (e Event) StringArg(key string) string {
	s, _ := e.Args[key].(string)
	return s
}

// Dispute mirrors the on-chain dispute struct.
type Dispute struct {
	ID                int64    `json:"disputeId"`
	TransactionID     *int64   `json:"transactionId"`
	Plaintiff         string   `json:"plaintiff"`
	Defendant         string   `json:"defendant"`
	Stake             *big.Int `json:"stake"`
	JudgeFee          *big.Int `json:"judgeFee"`
	Tier              int      `json:"tier"`
	PlaintiffEvidence string   `json:"plaintiffEvidence"`
	DefendantEvidence string   `json:"defendantEvidence"`
	Resolved          bool     `json:"resolved"`
	Winner            string   `json:"winner"`
}

// FileDisputeParams carries the optional fields of fileDispute.
type FileDisputeParams struct {
	Defendant         string
	Stake             *big.Int
	PlaintiffEvidence string
}

// Sanity reports adapter/contract health.
type Sanity struct {
	RPCReachable    bool   `json:"rpcReachable"`
	ContractHasCode bool   `json:"contractHasCode"`
	DryRun          bool   `json:"dryRun"`
	ContractAddress string `json:"contractAddress"`
	ChainID         int64  `json:"chainId"`
}

// Backend is the uniform escrow capability surface.
type Backend interface {
	DepositPool(ctx context.Context, amount *big.Int) (TxResult, error)
	PostBond(ctx context.Context, agreementID string, amount *big.Int) (TxResult, error)
	CommitEvidenceHash(ctx context.Context, agreementID, rootHash string) (TxResult, error)
	FileDispute(ctx context.Context, agreementID string, p FileDisputeParams) (TxResult, error)
	// SubmitRuling derives the winner from verdict["winner"] or, as a
	// fallback, the largest transfer recipient.
	SubmitRuling(ctx context.Context, disputeID int64, verdict map[string]any) (TxResult, error)
	GetDispute(ctx context.Context, disputeID int64) (*Dispute, error)
	JudgeAddress(ctx context.Context) (string, error)
	// PollEvents returns logs named name in [fromBlock, toBlock],
	// ascending by (blockNumber, insertionIndex). toBlock may be
	// LatestBlock.
	PollEvents(ctx context.Context, name string, fromBlock, toBlock int64) ([]Event, error)
	// Capabilities mirrors the contract surface by name: the callable
	// methods plus a "PayoutExecuted" flag for the payout event. Both
	// backends report the same key set.
	Capabilities() map[string]bool
	ContractSanity(ctx context.Context) Sanity
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	PrivateKey      string // hex; empty for read-only callers
	DryRun          bool
	MockDBPath      string
}

// New builds the backend selected by cfg.DryRun.
func New(cfg Config) (Backend, error) {
	if cfg.DryRun {
		return OpenDryRun(cfg)
	}
	return DialLive(cfg)
}

// WinnerFromVerdict extracts the winner address of a verdict document:
// the explicit winner field when present, otherwise the recipient of
// the largest transfer.
func WinnerFromVerdict(verdict map[string]any) (string, error) {
	if w, ok := verdict["winner"].(string); ok && w != "" {
		return common.HexToAddress(w).Hex(), nil
	}

	rawTransfers, ok := verdict["transfers"].([]any)
	if !ok || len(rawTransfers) == 0 {
		return "", fmt.Errorf("verdict must include winner or transfers")
	}

	type transfer struct {
		to     string
		amount *big.Int
	}
	transfers := make([]transfer, 0, len(rawTransfers))
	for _, raw := range rawTransfers {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		to, _ := m["to"].(string)
		amount := new(big.Int)
		if s, ok := m["amount"].(string); ok {
			amount.SetString(s, 10)
		}
		transfers = append(transfers, transfer{to: to, amount: amount})
	}
	if len(transfers) == 0 {
		return "", fmt.Errorf("verdict transfers are malformed")
	}
	sort.SliceStable(transfers, func(i, j int) bool {
		return transfers[i].amount.Cmp(transfers[j].amount) > 0
	})
	return common.HexToAddress(transfers[0].to).Hex(), nil
}
