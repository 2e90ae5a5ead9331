// Package judge implements the dispute-resolution pipeline: it watches
// DisputeFiled events, verifies the anchored evidence, rules
// deterministically where the SLA terms decide the case, escalates the
// rest to the AI panel, and submits authorized rulings on-chain.
package judge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/agentcourt/verdict/pkg/protocol"

	_ "modernc.org/sqlite"
)

// Verdict statuses.
const (
	StatusSubmitted    = "submitted"
	StatusManualReview = "manual_review"
)

// Storage persists verdicts and watcher cursors. One verdict per
// dispute; re-processing a dispute is a no-op upstream because
// IsProcessed is checked before handling.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating if needed) the verdict database at path.
func OpenStorage(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("judge: create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("judge: open %s: %w", path, err)
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
	CREATE TABLE IF NOT EXISTS verdicts (
		verdict_id TEXT PRIMARY KEY,
		dispute_id TEXT NOT NULL,
		agreement_id TEXT,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_verdicts_dispute
		ON verdicts(dispute_id);

	CREATE TABLE IF NOT EXISTS cursors (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// GetCursor returns the stored cursor value, or fallback.
func (s *Storage) GetCursor(ctx context.Context, key string, fallback int64) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("judge: corrupt cursor %s: %w", key, err)
	}
	return value, nil
}

// SetCursor upserts a cursor value.
func (s *Storage) SetCursor(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, strconv.FormatInt(value, 10))
	return err
}

// IsProcessed reports whether a verdict already exists for the dispute.
func (s *Storage) IsProcessed(ctx context.Context, disputeID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM verdicts WHERE dispute_id = ? LIMIT 1`,
		strconv.FormatInt(disputeID, 10)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StoreVerdict upserts the verdict of a dispute with its pipeline
// status.
func (s *Storage) StoreVerdict(ctx context.Context, verdict protocol.VerdictPackage, status string) error {
	payload, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("judge: marshal verdict: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verdicts (verdict_id, dispute_id, agreement_id, status, payload_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(verdict_id) DO UPDATE SET
			dispute_id = excluded.dispute_id,
			agreement_id = excluded.agreement_id,
			status = excluded.status,
			payload_json = excluded.payload_json`,
		verdict.VerdictID, verdict.DisputeID, verdict.AgreementID, status, string(payload))
	if err != nil {
		return fmt.Errorf("judge: store verdict: %w", err)
	}
	return nil
}

// ListVerdicts returns stored verdicts newest first, each with its
// status folded into the document.
func (s *Storage) ListVerdicts(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json, status FROM verdicts ORDER BY created_at DESC, dispute_id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []map[string]any{}
	for rows.Next() {
		var payload, status string
		if err := rows.Scan(&payload, &status); err != nil {
			return nil, err
		}
		doc, err := decodeVerdictDoc(payload, status)
		if err != nil {
			return nil, err
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

// ListVerdictsByAgreement returns the verdicts already issued for an
// agreement, oldest first, so escalated tiers can see the lower-court
// history.
func (s *Storage) ListVerdictsByAgreement(ctx context.Context, agreementID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json, status FROM verdicts WHERE agreement_id = ?
		 ORDER BY created_at ASC, dispute_id ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []map[string]any{}
	for rows.Next() {
		var payload, status string
		if err := rows.Scan(&payload, &status); err != nil {
			return nil, err
		}
		doc, err := decodeVerdictDoc(payload, status)
		if err != nil {
			return nil, err
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

// GetVerdictByDispute returns the verdict document for a dispute with
// its status folded in, or nil.
func (s *Storage) GetVerdictByDispute(ctx context.Context, disputeID int64) (map[string]any, error) {
	var payload, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json, status FROM verdicts WHERE dispute_id = ? ORDER BY created_at DESC LIMIT 1`,
		strconv.FormatInt(disputeID, 10)).Scan(&payload, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVerdictDoc(payload, status)
}

func decodeVerdictDoc(payload, status string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("judge: decode stored verdict: %w", err)
	}
	doc["status"] = status
	return doc, nil
}
