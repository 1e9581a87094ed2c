// Package queue accepts task submissions, enforces admission limits, and
// feeds a fixed worker pool that runs each task through the orchestrator
// under a wall-clock deadline.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/repo"
	"github.com/mendhq/mend/task"
)

// Config holds the admission and execution limits.
type Config struct {
	// MaxActiveTasks caps tasks in non-terminal states across all users.
	MaxActiveTasks int
	// MaxTasksPerUserPerDay caps one user's submissions per rolling day.
	MaxTasksPerUserPerDay int
	// Workers is the number of concurrent task runners.
	Workers int
	// TaskTimeout is the wall-clock ceiling for one task end to end.
	TaskTimeout time.Duration
	// AllowedHosts restricts where repositories may be cloned from; empty
	// allows any https host.
	AllowedHosts []string
}

// DefaultConfig returns the shipped queue limits.
func DefaultConfig() Config {
	return Config{
		MaxActiveTasks:        100,
		MaxTasksPerUserPerDay: 20,
		Workers:               4,
		TaskTimeout:           30 * time.Minute,
		AllowedHosts:          []string{"github.com"},
	}
}

// DefaultTestCommand runs when a submission does not name one. The
// default sandbox image is a Node image, so the npm suite is the assumed
// baseline.
const DefaultTestCommand = "npm test"

// Submission is a validated task request. TestCommand is optional and
// falls back to DefaultTestCommand.
type Submission struct {
	RepoURL        string `json:"repo_url" validate:"required,url"`
	BugDescription string `json:"bug_description" validate:"required,min=10,max=5000"`
	TestCommand    string `json:"test_command" validate:"max=500"`
	UserID         string `json:"-"`
}

// Runner executes one task to a terminal state; the orchestrator in
// production, a fake in tests.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Queue admits tasks and dispatches them to workers.
type Queue struct {
	cfg    Config
	tasks  task.Store
	runner Runner
	logger *slog.Logger

	// admitMu serializes the count-then-create window so concurrent
	// submissions cannot jointly exceed MaxActiveTasks.
	admitMu sync.Mutex

	jobs chan string
	wg   sync.WaitGroup
}

// New creates a queue. Start must be called before submissions are served.
func New(cfg Config, tasks task.Store, runner Runner, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	return &Queue{
		cfg:    cfg,
		tasks:  tasks,
		runner: runner,
		logger: logger,
		jobs:   make(chan string, cfg.MaxActiveTasks+1),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("queue started", "workers", q.cfg.Workers)
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-q.jobs:
			q.runOne(ctx, taskID)
		}
	}
}

// runOne executes a task under the wall-clock deadline.
func (q *Queue) runOne(ctx context.Context, taskID string) {
	runCtx, cancel := context.WithTimeout(ctx, q.cfg.TaskTimeout)
	defer cancel()

	q.logger.Info("task started", "task_id", taskID)
	if err := q.runner.Run(runCtx, taskID); err != nil {
		q.logger.Error("task run error", "task_id", taskID, "error", err)
	}
}

// Submit validates the request, applies the admission limits, creates the
// task in QUEUED, and enqueues it. The returned task reflects the stored
// row.
func (q *Queue) Submit(sub *Submission) (*task.Task, error) {
	if err := validate.Struct(sub); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, "invalid submission", err)
	}
	if strings.TrimSpace(sub.TestCommand) == "" {
		sub.TestCommand = DefaultTestCommand
	}
	if err := repo.ValidateRepoURL(sub.RepoURL); err != nil {
		return nil, err
	}
	if err := q.checkHost(sub.RepoURL); err != nil {
		return nil, err
	}

	q.admitMu.Lock()
	defer q.admitMu.Unlock()

	active, err := q.tasks.CountActive()
	if err != nil {
		return nil, err
	}
	if q.cfg.MaxActiveTasks > 0 && active >= q.cfg.MaxActiveTasks {
		return nil, fault.Newf(fault.QueueFull,
			"queue full (%d/%d active tasks); try again later", active, q.cfg.MaxActiveTasks)
	}

	if q.cfg.MaxTasksPerUserPerDay > 0 {
		count, err := q.tasks.CountUserCreatedSince(sub.UserID, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		if count >= q.cfg.MaxTasksPerUserPerDay {
			return nil, fault.Newf(fault.DailyLimitReached,
				"daily task limit reached (%d per day)", q.cfg.MaxTasksPerUserPerDay)
		}
	}

	t := &task.Task{
		RepoURL:        sub.RepoURL,
		BugDescription: sub.BugDescription,
		TestCommand:    sub.TestCommand,
		UserID:         sub.UserID,
	}
	if _, err := q.tasks.Create(t); err != nil {
		return nil, err
	}

	select {
	case q.jobs <- t.ID:
	default:
		// The channel is sized past MaxActiveTasks, so this indicates a
		// wiring bug rather than load.
		q.logger.Error("job channel full", "task_id", t.ID)
	}
	q.logger.Info("task queued", "task_id", t.ID, "repo_url", t.RepoURL, "user_id", t.UserID)
	return t, nil
}

func (q *Queue) checkHost(repoURL string) error {
	if len(q.cfg.AllowedHosts) == 0 {
		return nil
	}
	for _, host := range q.cfg.AllowedHosts {
		if strings.HasPrefix(repoURL, "https://"+host+"/") {
			return nil
		}
	}
	return fault.Newf(fault.InvalidRepoURL,
		"repository host not allowed; permitted hosts: %s", strings.Join(q.cfg.AllowedHosts, ", "))
}
