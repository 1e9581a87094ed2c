package usage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	task_id           TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	model             TEXT NOT NULL,
	purpose           TEXT NOT NULL,
	prompt_version    TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_task ON usage_records(task_id);
CREATE INDEX IF NOT EXISTS idx_usage_user_created ON usage_records(user_id, created_at);
`

// SQLiteStore persists usage records on a shared SQLite handle.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the usage tables exist on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append writes one record. TotalTokens is always derived from the two
// component counts, never trusted from the caller.
func (s *SQLiteStore) Append(r *Record) error {
	r.ID = uuid.NewString()
	r.TotalTokens = r.PromptTokens + r.CompletionTokens
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO usage_records
			(id, task_id, user_id, model, purpose, prompt_version,
			 prompt_tokens, completion_tokens, total_tokens, cost_usd,
			 latency_ms, status, error_message, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, r.UserID, r.Model, r.Purpose, r.PromptVersion,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD,
		r.LatencyMS, r.Status, r.ErrorMessage, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// TaskTotals sums every attempt charged to a task, errors included.
func (s *SQLiteStore) TaskTotals(taskID string) (Totals, error) {
	var t Totals
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records WHERE task_id = ?`, taskID).
		Scan(&t.Calls, &t.TotalTokens, &t.CostUSD)
	if err != nil {
		return Totals{}, fmt.Errorf("task totals: %w", err)
	}
	return t, nil
}

// UserCostSince sums a user's spend from since onward.
func (s *SQLiteStore) UserCostSince(userID string, since time.Time) (float64, error) {
	var cost float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records WHERE user_id = ? AND created_at >= ?`, userID, since).
		Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("user cost: %w", err)
	}
	return cost, nil
}

// ListByTask returns a task's records oldest first.
func (s *SQLiteStore) ListByTask(taskID string) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, user_id, model, purpose, prompt_version,
		       prompt_tokens, completion_tokens, total_tokens, cost_usd,
		       latency_ms, status, error_message, created_at
		FROM usage_records WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.UserID, &r.Model, &r.Purpose, &r.PromptVersion,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.CostUSD,
			&r.LatencyMS, &r.Status, &r.ErrorMessage, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
