// Package reputation maintains on-chain-derived agent reputation
// scores: each escrow event maps to one idempotent score delta keyed by
// a unique event key.
package reputation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// InitialScore is the score every agent starts from.
const InitialScore = 100

// Score deltas by reason.
const (
	DeltaCompletedWithoutDispute = 1
	DeltaWonDispute              = 2
	DeltaLostDispute             = -5
	DeltaLostAsFiler             = -3
)

// Reason codes for score events.
const (
	ReasonCompletedWithoutDispute = "completed_without_dispute"
	ReasonWonDispute              = "won_dispute"
	ReasonLostDispute             = "lost_dispute"
	ReasonLostAsFiler             = "lost_as_filer"
)

// ScoreEvent is one applied delta in an agent's history.
type ScoreEvent struct {
	Delta     int            `json:"delta"`
	Reason    string         `json:"reason"`
	Payload   map[string]any `json:"payload"`
	CreatedAt int64          `json:"createdAt"`
}

// Reputation is an agent's current score with its full event history.
type Reputation struct {
	ActorID string       `json:"actorId"`
	Score   int          `json:"score"`
	History []ScoreEvent `json:"history"`
}

// ScoreSummary is one row of the leaderboard.
type ScoreSummary struct {
	ActorID string `json:"actorId"`
	Score   int    `json:"score"`
}

// Storage persists scores, score events, and the watcher cursor.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating if needed) the reputation database at
// path.
func OpenStorage(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("reputation: create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("reputation: open %s: %w", path, err)
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
	CREATE TABLE IF NOT EXISTS agent_scores (
		actor_id TEXT PRIMARY KEY,
		score INTEGER NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE TABLE IF NOT EXISTS score_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		event_key TEXT NOT NULL UNIQUE,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

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
		return 0, fmt.Errorf("reputation: corrupt cursor %s: %w", key, err)
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

func (s *Storage) ensureActor(ctx context.Context, actorID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agent_scores (actor_id, score) VALUES (?, ?)`,
		actorID, InitialScore)
	return err
}

// ApplyEvent applies one score delta if eventKey has not been seen
// before. It returns false when the key already exists; redelivered
// events change nothing. The event record and the score adjustment
// commit atomically.
func (s *Storage) ApplyEvent(ctx context.Context, actorID string, delta int, reason, eventKey string, payload map[string]any) (bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("reputation: marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("reputation: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO agent_scores (actor_id, score) VALUES (?, ?)`,
		actorID, InitialScore); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO score_events (actor_id, delta, reason, event_key, payload_json)
		VALUES (?, ?, ?, ?, ?)`,
		actorID, delta, reason, eventKey, string(payloadJSON))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, fmt.Errorf("reputation: store score event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_scores SET score = score + ?, updated_at = unixepoch() WHERE actor_id = ?`,
		delta, actorID); err != nil {
		return false, fmt.Errorf("reputation: apply delta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("reputation: commit: %w", err)
	}
	return true, nil
}

// GetReputation returns an agent's score and event history, newest
// first. Unknown agents get the initial score with empty history.
func (s *Storage) GetReputation(ctx context.Context, actorID string) (Reputation, error) {
	if err := s.ensureActor(ctx, actorID); err != nil {
		return Reputation{}, err
	}
	var score int
	if err := s.db.QueryRowContext(ctx,
		`SELECT score FROM agent_scores WHERE actor_id = ?`, actorID).Scan(&score); err != nil {
		return Reputation{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT delta, reason, payload_json, created_at FROM score_events WHERE actor_id = ? ORDER BY id DESC`,
		actorID)
	if err != nil {
		return Reputation{}, err
	}
	defer func() { _ = rows.Close() }()

	history := []ScoreEvent{}
	for rows.Next() {
		var (
			event       ScoreEvent
			payloadJSON string
		)
		if err := rows.Scan(&event.Delta, &event.Reason, &payloadJSON, &event.CreatedAt); err != nil {
			return Reputation{}, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return Reputation{}, fmt.Errorf("reputation: decode event payload: %w", err)
		}
		history = append(history, event)
	}
	if err := rows.Err(); err != nil {
		return Reputation{}, err
	}
	return Reputation{ActorID: actorID, Score: score, History: history}, nil
}

// ListReputations returns the leaderboard: highest score first, ties
// by actor id.
func (s *Storage) ListReputations(ctx context.Context) ([]ScoreSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, score FROM agent_scores ORDER BY score DESC, actor_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []ScoreSummary{}
	for rows.Next() {
		var item ScoreSummary
		if err := rows.Scan(&item.ActorID, &item.Score); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
