package escrow

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	bolt "go.etcd.io/bbolt"

	"github.com/agentcourt/verdict/pkg/protocol"
)

var (
	bucketMeta     = []byte("meta")
	bucketDisputes = []byte("disputes_by_id")
	bucketEvents   = []byte("events_by_block")
	bucketBonds    = []byte("bonds_by_agreement")

	keyBlockNumber = []byte("block_number")
	keyDisputeSeq  = []byte("dispute_seq")
	keyPoolBalance = []byte("pool_balance")
)

// DryRunBackend is a persistent in-process escrow mock. It assigns
// monotonically increasing block numbers and synthetic transaction
// hashes, and records the same logical events as the live contract so
// watchers behave identically. State survives restarts.
type DryRunBackend struct {
	db      *bolt.DB
	cfg     Config
	address string // caller address derived from the signing key, may be empty
	derived bool
}

// OpenDryRun opens (creating if needed) the mock store at
// cfg.MockDBPath.
func OpenDryRun(cfg Config) (*DryRunBackend, error) {
	if cfg.MockDBPath == "" {
		return nil, fmt.Errorf("escrow: mock db path required for dry-run")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.MockDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("escrow: mkdir: %w", err)
	}
	db, err := bolt.Open(cfg.MockDBPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("escrow: open mock store: %w", err)
	}

	b := &DryRunBackend{db: db, cfg: cfg}
	if cfg.PrivateKey != "" {
		addr, err := protocol.AddressFromKey(cfg.PrivateKey)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.address = addr
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketDisputes, bucketEvents, bucketBonds} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(bucket), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// WithKey returns a view over the same mock store acting as the
// address derived from privateKey. The store file takes a single
// process-wide lock, so callers that need several signing identities
// share one open handle. Closing a view is a no-op; only the root
// backend closes the store.
func (b *DryRunBackend) WithKey(privateKey string) (*DryRunBackend, error) {
	view := &DryRunBackend{db: b.db, cfg: b.cfg, derived: true}
	if privateKey != "" {
		addr, err := protocol.AddressFromKey(privateKey)
		if err != nil {
			return nil, err
		}
		view.address = addr
	}
	return view, nil
}

func (b *DryRunBackend) Close() error {
	if b.derived {
		return nil
	}
	return b.db.Close()
}

func (b *DryRunBackend) DepositPool(ctx context.Context, amount *big.Int) (TxResult, error) {
	var result TxResult
	err := b.db.Update(func(tx *bolt.Tx) error {
		block, txHash, err := b.nextBlock(tx, "depositPool")
		if err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		balance := new(big.Int)
		if raw := meta.Get(keyPoolBalance); raw != nil {
			balance.SetString(string(raw), 10)
		}
		balance.Add(balance, amount)
		if err := meta.Put(keyPoolBalance, []byte(balance.String())); err != nil {
			return err
		}
		result = TxResult{TxHash: txHash, BlockNumber: block, Status: 1}
		return nil
	})
	return result, err
}

func (b *DryRunBackend) PostBond(ctx context.Context, agreementID string, amount *big.Int) (TxResult, error) {
	var result TxResult
	err := b.db.Update(func(tx *bolt.Tx) error {
		block, txHash, err := b.nextBlock(tx, "postBond:"+agreementID)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBonds).Put([]byte(agreementID), []byte(amount.String())); err != nil {
			return err
		}
		result = TxResult{TxHash: txHash, BlockNumber: block, Status: 1}
		return nil
	})
	return result, err
}

func (b *DryRunBackend) CommitEvidenceHash(ctx context.Context, agreementID, rootHash string) (TxResult, error) {
	var result TxResult
	err := b.db.Update(func(tx *bolt.Tx) error {
		block, txHash, err := b.nextBlock(tx, "commitEvidenceHash:"+agreementID)
		if err != nil {
			return err
		}
		agent := b.address
		if agent == "" {
			agent = zeroAddress()
		}
		if err := b.appendEvent(tx, Event{
			Name:        EventEvidenceCommitted,
			BlockNumber: block,
			TxHash:      txHash,
			Args: map[string]any{
				"agreementId": agreementID,
				"rootHash":    rootHash,
				"agent":       agent,
			},
		}); err != nil {
			return err
		}
		result = TxResult{TxHash: txHash, BlockNumber: block, Status: 1}
		return nil
	})
	return result, err
}

func (b *DryRunBackend) FileDispute(ctx context.Context, agreementID string, p FileDisputeParams) (TxResult, error) {
	var result TxResult
	err := b.db.Update(func(tx *bolt.Tx) error {
		block, txHash, err := b.nextBlock(tx, "fileDispute:"+agreementID)
		if err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		seq := int64(0)
		if raw := meta.Get(keyDisputeSeq); raw != nil {
			seq = int64(binary.BigEndian.Uint64(raw))
		}
		seq++
		var seqBytes [8]byte
		binary.BigEndian.PutUint64(seqBytes[:], uint64(seq))
		if err := meta.Put(keyDisputeSeq, seqBytes[:]); err != nil {
			return err
		}

		plaintiff := b.address
		if plaintiff == "" {
			plaintiff = zeroAddress()
		}
		// Zero-address defendant is a dry-run-only convenience for
		// agreements that cannot be mapped to a counterparty.
		defendant := zeroAddress()
		if p.Defendant != "" {
			defendant = common.HexToAddress(p.Defendant).Hex()
		}
		stake := big.NewInt(0)
		if p.Stake != nil {
			stake = new(big.Int).Set(p.Stake)
		}

		dispute := Dispute{
			ID:                seq,
			Plaintiff:         plaintiff,
			Defendant:         defendant,
			Stake:             stake,
			JudgeFee:          big.NewInt(0),
			Tier:              0,
			PlaintiffEvidence: p.PlaintiffEvidence,
			DefendantEvidence: protocol.EmptyRoot,
			Winner:            zeroAddress(),
		}
		if err := putDispute(tx, &dispute); err != nil {
			return err
		}

		if err := b.appendEvent(tx, Event{
			Name:        EventDisputeFiled,
			BlockNumber: block,
			TxHash:      txHash,
			Args: map[string]any{
				"disputeId": seq,
				"plaintiff": plaintiff,
				"defendant": defendant,
			},
		}); err != nil {
			return err
		}

		result = TxResult{
			TxHash:      txHash,
			BlockNumber: block,
			Status:      1,
			Extra:       map[string]any{"disputeId": seq},
		}
		return nil
	})
	return result, err
}

func (b *DryRunBackend) SubmitRuling(ctx context.Context, disputeID int64, verdict map[string]any) (TxResult, error) {
	winner, err := WinnerFromVerdict(verdict)
	if err != nil {
		return TxResult{}, err
	}

	var result TxResult
	err = b.db.Update(func(tx *bolt.Tx) error {
		dispute, err := getDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if dispute == nil {
			return fmt.Errorf("escrow: dispute %d not found", disputeID)
		}
		if dispute.Resolved {
			return fmt.Errorf("escrow: dispute %d already resolved", disputeID)
		}

		block, txHash, err := b.nextBlock(tx, fmt.Sprintf("submitRuling:%d", disputeID))
		if err != nil {
			return err
		}

		loser := dispute.Defendant
		if !strings.EqualFold(winner, dispute.Plaintiff) {
			loser = dispute.Plaintiff
		}
		dispute.Resolved = true
		dispute.Winner = winner
		if err := putDispute(tx, dispute); err != nil {
			return err
		}

		payout := new(big.Int).Mul(dispute.Stake, big.NewInt(2))
		if err := b.appendEvent(tx, Event{
			Name:        EventRulingSubmitted,
			BlockNumber: block,
			TxHash:      txHash,
			Args: map[string]any{
				"disputeId": disputeID,
				"winner":    winner,
				"loser":     loser,
			},
		}); err != nil {
			return err
		}
		if err := b.appendEvent(tx, Event{
			Name:        EventPayoutExecuted,
			BlockNumber: block,
			TxHash:      txHash,
			Args: map[string]any{
				"disputeId": disputeID,
				"to":        winner,
				"amount":    payout.String(),
			},
		}); err != nil {
			return err
		}

		result = TxResult{TxHash: txHash, BlockNumber: block, Status: 1}
		return nil
	})
	return result, err
}

func (b *DryRunBackend) GetDispute(ctx context.Context, disputeID int64) (*Dispute, error) {
	var dispute *Dispute
	err := b.db.View(func(tx *bolt.Tx) error {
		d, err := getDispute(tx, disputeID)
		if err != nil {
			return err
		}
		dispute = d
		return nil
	})
	return dispute, err
}

// JudgeAddress returns the caller's own address in dry-run so local
// judge submission is always authorized.
func (b *DryRunBackend) JudgeAddress(ctx context.Context) (string, error) {
	if b.address != "" {
		return b.address, nil
	}
	return zeroAddress(), nil
}

func (b *DryRunBackend) PollEvents(ctx context.Context, name string, fromBlock, toBlock int64) ([]Event, error) {
	var out []Event
	err := b.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("escrow: corrupt event record: %w", err)
			}
			if event.BlockNumber < fromBlock {
				continue
			}
			if toBlock != LatestBlock && event.BlockNumber > toBlock {
				break
			}
			if event.Name == name {
				out = append(out, event)
			}
		}
		return nil
	})
	return out, err
}

// Capabilities reports the mock contract surface. The key set matches
// what the live backend derives from the ABI, method names plus the
// PayoutExecuted event flag, so health output reads the same in both
// modes.
func (b *DryRunBackend) Capabilities() map[string]bool {
	return map[string]bool{
		"depositPool":        true,
		"postBond":           true,
		"commitEvidenceHash": true,
		"fileDispute":        true,
		"submitRuling":       true,
		"getDispute":         true,
		"PayoutExecuted":     true,
	}
}

func (b *DryRunBackend) ContractSanity(ctx context.Context) Sanity {
	return Sanity{
		RPCReachable:    false,
		ContractHasCode: false,
		DryRun:          true,
		ContractAddress: b.cfg.ContractAddress,
		ChainID:         b.cfg.ChainID,
	}
}

// nextBlock advances the block counter and derives a synthetic
// transaction hash for the operation.
func (b *DryRunBackend) nextBlock(tx *bolt.Tx, op string) (int64, string, error) {
	meta := tx.Bucket(bucketMeta)
	block := int64(0)
	if raw := meta.Get(keyBlockNumber); raw != nil {
		block = int64(binary.BigEndian.Uint64(raw))
	}
	block++
	var blockBytes [8]byte
	binary.BigEndian.PutUint64(blockBytes[:], uint64(block))
	if err := meta.Put(keyBlockNumber, blockBytes[:]); err != nil {
		return 0, "", err
	}
	txHash := "0x" + fmt.Sprintf("%x", crypto.Keccak256([]byte(fmt.Sprintf("dry:%d:%s", block, op))))
	return block, txHash, nil
}

// appendEvent stores an event keyed by (blockNumber, insertionIndex)
// so cursor iteration yields the total order both backends guarantee.
func (b *DryRunBackend) appendEvent(tx *bolt.Tx, event Event) error {
	events := tx.Bucket(bucketEvents)
	index, err := events.NextSequence()
	if err != nil {
		return err
	}
	event.Index = int64(index)

	var key [16]byte
	binary.BigEndian.PutUint64(key[:8], uint64(event.BlockNumber))
	binary.BigEndian.PutUint64(key[8:], index)

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return events.Put(key[:], raw)
}

func putDispute(tx *bolt.Tx, d *Dispute) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(d.ID))
	return tx.Bucket(bucketDisputes).Put(key[:], raw)
}

func getDispute(tx *bolt.Tx, id int64) (*Dispute, error) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	raw := tx.Bucket(bucketDisputes).Get(key[:])
	if raw == nil {
		return nil, nil
	}
	var d Dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("escrow: corrupt dispute record: %w", err)
	}
	return &d, nil
}

func zeroAddress() string {
	return common.Address{}.Hex()
}
