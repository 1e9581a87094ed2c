package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mendhq/mend/fault"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	repo_url         TEXT NOT NULL,
	bug_description  TEXT NOT NULL,
	test_command     TEXT NOT NULL,
	state            TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	workspace_path   TEXT NOT NULL DEFAULT '',
	branch_name      TEXT NOT NULL DEFAULT '',
	pr_url           TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	logs             TEXT NOT NULL DEFAULT '[]',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks(user_id, created_at);
`

// SQLiteStore persists tasks on a shared SQLite handle.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the tasks table exists on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new task in QUEUED and sets ID and timestamps.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	t.ID = uuid.NewString()
	t.State = StateQueued
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Logs == nil {
		t.Logs = []string{}
	}

	logs, _ := json.Marshal(t.Logs)
	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, repo_url, bug_description, test_command, state, user_id,
			 workspace_path, branch_name, pr_url, failure_reason, logs,
			 cancel_requested, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.RepoURL, t.BugDescription, t.TestCommand, string(t.State), t.UserID,
		t.WorkspacePath, t.BranchName, t.PRURL, t.FailureReason, string(logs),
		boolToInt(t.CancelRequested), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, repo_url, bug_description, test_command, state, user_id,
		       workspace_path, branch_name, pr_url, failure_reason, logs,
		       cancel_requested, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.InvalidInput, "task %s not found", id)
	}
	return t, err
}

// List returns tasks newest first.
func (s *SQLiteStore) List(limit, offset int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, repo_url, bug_description, test_command, state, user_id,
		       workspace_path, branch_name, pr_url, failure_reason, logs,
		       cancel_requested, created_at, updated_at
		FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Transition moves a task along a legal state edge, appending logLine to
// its history. Illegal edges are internal errors: they indicate a bug in
// the orchestrator, not bad input.
func (s *SQLiteStore) Transition(id string, to State, logLine string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if !CanTransition(t.State, to) {
		return fault.Newf(fault.Internal, "illegal transition %s -> %s for task %s", t.State, to, id)
	}

	logs := append(t.Logs, stampLine(logLine))
	logsJSON, _ := json.Marshal(logs)
	res, err := s.db.Exec(`
		UPDATE tasks SET state = ?, logs = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), string(logsJSON), time.Now().UTC(), id, string(t.State))
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// The state moved between the read and the update; the caller lost
		// the race.
		return fault.Newf(fault.Internal, "task %s: concurrent transition from %s", id, t.State)
	}
	return nil
}

// AppendLog adds a timestamped line to a task's history.
func (s *SQLiteStore) AppendLog(id, line string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	logs := append(t.Logs, stampLine(line))
	logsJSON, _ := json.Marshal(logs)
	if _, err := s.db.Exec(`UPDATE tasks SET logs = ?, updated_at = ? WHERE id = ?`,
		string(logsJSON), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// setOnce updates a column only if it is still empty; a second write with a
// different value is rejected.
func (s *SQLiteStore) setOnce(id, column, value string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET `+column+` = ?, updated_at = ? WHERE id = ? AND (`+column+` = '' OR `+column+` = ?)`,
		value, time.Now().UTC(), id, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return fault.Newf(fault.Internal, "task %s: %s already set", id, column)
	}
	return nil
}

// SetWorkspace records the clone location. Set-once.
func (s *SQLiteStore) SetWorkspace(id, path string) error {
	return s.setOnce(id, "workspace_path", path)
}

// SetBranch records the fix branch. Set-once.
func (s *SQLiteStore) SetBranch(id, branch string) error {
	return s.setOnce(id, "branch_name", branch)
}

// SetPRURL records the opened pull request. Set-once.
func (s *SQLiteStore) SetPRURL(id, url string) error {
	return s.setOnce(id, "pr_url", url)
}

// Fail moves a task to FAILED with a reason.
func (s *SQLiteStore) Fail(id, reason, logLine string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fault.Newf(fault.Internal, "task %s already terminal (%s)", id, t.State)
	}
	logs := append(t.Logs, stampLine(logLine))
	logsJSON, _ := json.Marshal(logs)
	if _, err := s.db.Exec(`
		UPDATE tasks SET state = ?, failure_reason = ?, logs = ?, updated_at = ? WHERE id = ?`,
		string(StateFailed), reason, string(logsJSON), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// RequestCancel flags a task for cancellation. The orchestrator honors the
// flag at the next stage boundary; terminal tasks cannot be cancelled.
func (s *SQLiteStore) RequestCancel(id string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fault.Newf(fault.InvalidInput, "task %s already finished (%s)", id, t.State)
	}
	if _, err := s.db.Exec(`UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// CancelRequested reports whether cancellation was requested.
func (s *SQLiteStore) CancelRequested(id string) (bool, error) {
	var v int
	err := s.db.QueryRow(`SELECT cancel_requested FROM tasks WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return false, fault.Newf(fault.InvalidInput, "task %s not found", id)
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// CountActive counts tasks in non-terminal states.
func (s *SQLiteStore) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE state NOT IN (?, ?)`,
		string(StateCompleted), string(StateFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// CountUserCreatedSince counts a user's submissions from since onward.
func (s *SQLiteStore) CountUserCreatedSince(userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE user_id = ? AND created_at >= ?`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user tasks: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var t Task
	var state, logsJSON string
	var cancelRequested int

	err := sc.Scan(
		&t.ID, &t.RepoURL, &t.BugDescription, &t.TestCommand, &state, &t.UserID,
		&t.WorkspacePath, &t.BranchName, &t.PRURL, &t.FailureReason, &logsJSON,
		&cancelRequested, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	t.CancelRequested = cancelRequested != 0
	_ = json.Unmarshal([]byte(logsJSON), &t.Logs)
	return &t, nil
}

func stampLine(line string) string {
	return time.Now().UTC().Format(time.RFC3339) + " " + line
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
