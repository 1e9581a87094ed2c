// Package usage records every model call the system makes: tokens, cost,
// latency, and outcome. The ledger is append-only; budget enforcement reads
// aggregates from it, so a record is written for every attempt whether or
// not it succeeded.
package usage

import "time"

// Status of a recorded call.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record is one model call attempt.
type Record struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	UserID           string    `json:"user_id"`
	Model            string    `json:"model"`
	Purpose          string    `json:"purpose"`
	PromptVersion    string    `json:"prompt_version"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMS        int64     `json:"latency_ms"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Totals aggregates spend for a task or a user.
type Totals struct {
	Calls       int     `json:"calls"`
	TotalTokens int     `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// Store is the usage ledger.
type Store interface {
	// Append writes one record, assigning ID, TotalTokens, and CreatedAt.
	Append(r *Record) error
	// TaskTotals sums spend across all attempts for a task.
	TaskTotals(taskID string) (Totals, error)
	// UserCostSince sums a user's cost over records created at or after since.
	UserCostSince(userID string, since time.Time) (float64, error)
	// ListByTask returns a task's records in creation order.
	ListByTask(taskID string) ([]*Record, error)
}
