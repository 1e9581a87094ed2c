// Package task defines the bug-fix task, its state machine, and its store.
// A task moves forward through a fixed pipeline of states; the only allowed
// backward edge is the fix-retry loop, and FAILED is reachable from any
// non-terminal state.
package task

import "time"

// State is a pipeline stage.
type State string

const (
	StateQueued                State = "QUEUED"
	StateCloningRepo           State = "CLONING_REPO"
	StateIndexingCode          State = "INDEXING_CODE"
	StateGeneratingTest        State = "GENERATING_TEST"
	StateRunningTestsBeforeFix State = "RUNNING_TESTS_BEFORE_FIX"
	StateGeneratingFix         State = "GENERATING_FIX"
	StateValidatingSecurity    State = "VALIDATING_SECURITY"
	StateApplyingFix           State = "APPLYING_FIX"
	StateRunningTestsAfterFix  State = "RUNNING_TESTS_AFTER_FIX"
	StateCreatingPR            State = "CREATING_PR"
	StateCompleted             State = "COMPLETED"
	StateFailed                State = "FAILED"
)

// pipeline is the forward order of states. FAILED is not in the pipeline;
// it is an absorbing state reachable from anywhere non-terminal.
var pipeline = []State{
	StateQueued,
	StateCloningRepo,
	StateIndexingCode,
	StateGeneratingTest,
	StateRunningTestsBeforeFix,
	StateGeneratingFix,
	StateValidatingSecurity,
	StateApplyingFix,
	StateRunningTestsAfterFix,
	StateCreatingPR,
	StateCompleted,
}

var pipelineIndex = func() map[State]int {
	m := make(map[State]int, len(pipeline))
	for i, s := range pipeline {
		m[s] = i
	}
	return m
}()

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateFailed {
		return true
	}
	_, ok := pipelineIndex[s]
	return ok
}

// Terminal reports whether a task in this state will never move again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the edge from -> to is legal: the next
// pipeline stage, FAILED from any non-terminal state, or the single
// backward edge RUNNING_TESTS_AFTER_FIX -> GENERATING_FIX used when a fix
// did not hold and another attempt remains.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	if from == StateRunningTestsAfterFix && to == StateGeneratingFix {
		return true
	}
	fi, ok1 := pipelineIndex[from]
	ti, ok2 := pipelineIndex[to]
	return ok1 && ok2 && ti == fi+1
}

// Task is one bug-fix request moving through the pipeline.
type Task struct {
	ID             string `json:"id"`
	RepoURL        string `json:"repo_url"`
	BugDescription string `json:"bug_description"`
	TestCommand    string `json:"test_command"`
	State          State  `json:"state"`
	UserID         string `json:"user_id"`

	// WorkspacePath and BranchName are set exactly once during the run.
	WorkspacePath string `json:"workspace_path,omitempty"`
	BranchName    string `json:"branch_name,omitempty"`

	PRURL         string `json:"pr_url,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Logs is the append-only human-readable history of the run.
	Logs []string `json:"logs"`

	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists tasks.
type Store interface {
	Create(t *Task) (string, error)
	Get(id string) (*Task, error)
	List(limit, offset int) ([]*Task, error)
	// Transition moves a task along a legal edge and appends a log line.
	Transition(id string, to State, logLine string) error
	AppendLog(id, line string) error
	// SetWorkspace and SetBranch are set-once: a second call with a
	// different value fails.
	SetWorkspace(id, path string) error
	SetBranch(id, branch string) error
	SetPRURL(id, url string) error
	// Fail moves a task to FAILED recording why.
	Fail(id, reason, logLine string) error
	RequestCancel(id string) error
	CancelRequested(id string) (bool, error)
	// CountActive counts tasks in non-terminal states.
	CountActive() (int, error)
	CountUserCreatedSince(userID string, since time.Time) (int, error)
}
