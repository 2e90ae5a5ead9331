// Package evidence implements the off-chain registry for clauses,
// hash-chained receipts, and anchor records, plus the HTTP service that
// exposes it.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentcourt/verdict/pkg/protocol"

	_ "modernc.org/sqlite"
)

// Storage persists protocol documents in SQLite. Each row keeps the
// full document as JSON next to the indexed header columns.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating if needed) the evidence database at path
// and runs migrations.
func OpenStorage(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("evidence: create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("evidence: open %s: %w", path, err)
	}
	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS clauses (
		clause_id TEXT PRIMARY KEY,
		agreement_id TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		contract_address TEXT NOT NULL,
		clause_hash TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_clauses_agreement
		ON clauses(agreement_id);

	CREATE TABLE IF NOT EXISTS receipts (
		receipt_id TEXT PRIMARY KEY,
		agreement_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		receipt_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_agreement_sequence
		ON receipts(agreement_id, sequence);

	CREATE INDEX IF NOT EXISTS idx_receipts_agreement_actor
		ON receipts(agreement_id, actor_id);

	CREATE TABLE IF NOT EXISTS anchors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agreement_id TEXT NOT NULL,
		root_hash TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		receipt_ids_json TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_anchors_agreement
		ON anchors(agreement_id);

	CREATE INDEX IF NOT EXISTS idx_anchors_root
		ON anchors(root_hash);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// StoreClause upserts a clause keyed by agreement.
func (s *Storage) StoreClause(ctx context.Context, clause protocol.ArbitrationClause) error {
	payload, err := json.Marshal(clause)
	if err != nil {
		return fmt.Errorf("evidence: marshal clause: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clauses (clause_id, agreement_id, chain_id, contract_address, clause_hash, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(clause_id) DO UPDATE SET
			agreement_id = excluded.agreement_id,
			chain_id = excluded.chain_id,
			contract_address = excluded.contract_address,
			clause_hash = excluded.clause_hash,
			payload_json = excluded.payload_json`,
		clause.ClauseID, clause.AgreementID, clause.ChainID, clause.ContractAddress, clause.ClauseHash, string(payload),
	)
	if err != nil {
		return fmt.Errorf("evidence: store clause: %w", err)
	}
	return nil
}

// GetClauseByAgreement returns the clause for an agreement, or nil.
func (s *Storage) GetClauseByAgreement(ctx context.Context, agreementID string) (*protocol.ArbitrationClause, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM clauses WHERE agreement_id = ?`, agreementID)
	return scanClause(row)
}

// ListClauses returns up to limit clauses, newest first.
func (s *Storage) ListClauses(ctx context.Context, limit int) ([]protocol.ArbitrationClause, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM clauses ORDER BY created_at DESC, clause_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	clauses := []protocol.ArbitrationClause{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var clause protocol.ArbitrationClause
		if err := json.Unmarshal([]byte(payload), &clause); err != nil {
			return nil, fmt.Errorf("evidence: decode stored clause: %w", err)
		}
		clauses = append(clauses, clause)
	}
	return clauses, rows.Err()
}

// StoreReceipt appends a receipt. The unique (agreement, sequence)
// index makes concurrent writers race safely: exactly one insert for a
// given sequence succeeds, the rest fail here.
func (s *Storage) StoreReceipt(ctx context.Context, receipt protocol.EventReceipt) error {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("evidence: marshal receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (receipt_id, agreement_id, actor_id, sequence, receipt_hash, prev_hash, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		receipt.ReceiptID, receipt.AgreementID, receipt.ActorID, receipt.Sequence,
		receipt.ReceiptHash, receipt.PrevHash, string(payload),
	)
	if err != nil {
		return fmt.Errorf("evidence: store receipt: %w", err)
	}
	return nil
}

// GetReceipt returns one receipt by id, or nil.
func (s *Storage) GetReceipt(ctx context.Context, receiptID string) (*protocol.EventReceipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM receipts WHERE receipt_id = ?`, receiptID)
	return scanReceipt(row)
}

// ListReceipts returns receipts ordered by sequence, optionally
// filtered by agreement and actor.
func (s *Storage) ListReceipts(ctx context.Context, agreementID, actorID string) ([]protocol.EventReceipt, error) {
	query := `SELECT payload_json FROM receipts`
	var args []any
	var where []string
	if agreementID != "" {
		where = append(where, "agreement_id = ?")
		args = append(args, agreementID)
	}
	if actorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, actorID)
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	receipts := []protocol.EventReceipt{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var receipt protocol.EventReceipt
		if err := json.Unmarshal([]byte(payload), &receipt); err != nil {
			return nil, fmt.Errorf("evidence: decode stored receipt: %w", err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

// GetLastReceipt returns the highest-sequence receipt of an agreement,
// or nil.
func (s *Storage) GetLastReceipt(ctx context.Context, agreementID string) (*protocol.EventReceipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM receipts WHERE agreement_id = ? ORDER BY sequence DESC LIMIT 1`,
		agreementID)
	return scanReceipt(row)
}

// StoreAnchor upserts the single anchor record of an agreement.
func (s *Storage) StoreAnchor(ctx context.Context, anchor protocol.AnchorRecord) error {
	ids, err := json.Marshal(anchor.ReceiptIDs)
	if err != nil {
		return fmt.Errorf("evidence: marshal receipt ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anchors (agreement_id, root_hash, tx_hash, receipt_ids_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agreement_id) DO UPDATE SET
			root_hash = excluded.root_hash,
			tx_hash = excluded.tx_hash,
			receipt_ids_json = excluded.receipt_ids_json`,
		anchor.AgreementID, anchor.RootHash, anchor.TxHash, string(ids),
	)
	if err != nil {
		return fmt.Errorf("evidence: store anchor: %w", err)
	}
	return nil
}

// GetAnchor returns the anchor record for an agreement, or nil.
func (s *Storage) GetAnchor(ctx context.Context, agreementID string) (*protocol.AnchorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agreement_id, root_hash, tx_hash, receipt_ids_json FROM anchors WHERE agreement_id = ?`,
		agreementID)
	return scanAnchor(row)
}

// GetAnchorByRoot returns the anchor record carrying rootHash, or nil.
func (s *Storage) GetAnchorByRoot(ctx context.Context, rootHash string) (*protocol.AnchorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agreement_id, root_hash, tx_hash, receipt_ids_json FROM anchors WHERE root_hash = ?`,
		rootHash)
	return scanAnchor(row)
}

func scanClause(row *sql.Row) (*protocol.ArbitrationClause, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var clause protocol.ArbitrationClause
	if err := json.Unmarshal([]byte(payload), &clause); err != nil {
		return nil, fmt.Errorf("evidence: decode stored clause: %w", err)
	}
	return &clause, nil
}

func scanReceipt(row *sql.Row) (*protocol.EventReceipt, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var receipt protocol.EventReceipt
	if err := json.Unmarshal([]byte(payload), &receipt); err != nil {
		return nil, fmt.Errorf("evidence: decode stored receipt: %w", err)
	}
	return &receipt, nil
}

func scanAnchor(row *sql.Row) (*protocol.AnchorRecord, error) {
	var (
		agreementID string
		rootHash    string
		txHash      string
		idsJSON     string
	)
	if err := row.Scan(&agreementID, &rootHash, &txHash, &idsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	anchor := &protocol.AnchorRecord{
		AgreementID: agreementID,
		RootHash:    rootHash,
		TxHash:      txHash,
	}
	if err := json.Unmarshal([]byte(idsJSON), &anchor.ReceiptIDs); err != nil {
		return nil, fmt.Errorf("evidence: decode anchored receipt ids: %w", err)
	}
	return anchor, nil
}
