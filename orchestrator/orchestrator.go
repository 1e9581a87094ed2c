// Package orchestrator drives a task through the bug-fix pipeline: clone,
// index, reproduce, fix, review, validate, and open the pull request. Each
// stage is entered through a durable state transition, so a restart can see
// exactly where every task stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mendhq/mend/agent"
	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/githost"
	"github.com/mendhq/mend/index"
	"github.com/mendhq/mend/patch"
	"github.com/mendhq/mend/repo"
	"github.com/mendhq/mend/retry"
	"github.com/mendhq/mend/sandbox"
	"github.com/mendhq/mend/task"
)

// hostRetryKinds are the failures worth retrying when talking to the git
// host: flaky connections, timeouts, and rate limiting.
var hostRetryKinds = []fault.Kind{
	fault.NetworkConnection,
	fault.NetworkTimeout,
	fault.HostRateLimit,
}

// MaxFixAttempts bounds the fix-regeneration loop. The first attempt plus
// one retry keeps the worst-case model spend predictable.
const MaxFixAttempts = 2

// maxTestOutputBytes bounds how much test output is carried into prompts
// and logs; failures report their tail, which is where the summary lives.
const maxTestOutputBytes = 5000

// TestGenerator produces a reproduction test.
type TestGenerator interface {
	Generate(ctx context.Context, req agent.Request, bugDescription, testCommand, codeContext string) (*agent.GeneratedTest, error)
}

// FixGenerator produces a patch set.
type FixGenerator interface {
	Generate(ctx context.Context, req agent.Request, bugDescription, testFile, testCode, failingOutput, codeContext string) (*patch.Set, error)
}

// Reviewer renders a security verdict on a patch set.
type Reviewer interface {
	Review(ctx context.Context, req agent.Request, set *patch.Set) (*agent.Verdict, error)
}

// Searcher is the indexed view of a workspace.
type Searcher interface {
	Context(query string, maxResults int) string
}

// IndexFunc builds a Searcher for a cloned workspace.
type IndexFunc func(root string) (Searcher, error)

// BuildIndex is the production IndexFunc.
func BuildIndex(root string) (Searcher, error) {
	return index.Build(root)
}

// Deps wires the orchestrator to everything it drives.
type Deps struct {
	Tasks    task.Store
	TestGen  TestGenerator
	Fixer    FixGenerator
	Guardian Reviewer
	Sandbox  sandbox.Runner
	Git      repo.Git
	Host     githost.Host
	Index    IndexFunc
	Logger   *slog.Logger
	// Sleep backs the host retry backoff; tests inject a no-op.
	Sleep retry.SleepFunc
}

// Orchestrator runs tasks through the pipeline.
type Orchestrator struct {
	deps Deps
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Index == nil {
		deps.Index = BuildIndex
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.Sleep
	}
	return &Orchestrator{deps: deps}
}

// run holds the in-flight state of one task execution.
type run struct {
	t          *task.Task
	workspace  string
	codeCtx    string
	test       *agent.GeneratedTest
	testBefore string
	testAfter  string
	set        *patch.Set
}

// Run executes one queued task to a terminal state. The returned error is
// nil for both COMPLETED and an orderly FAILED; it is non-nil only when the
// task could not even be failed properly.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	t, err := o.deps.Tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.State != task.StateQueued {
		return fault.Newf(fault.Internal, "task %s not runnable in state %s", taskID, t.State)
	}

	r := &run{t: t}
	if err := o.pipeline(ctx, r); err != nil {
		return o.fail(r, err)
	}
	return nil
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) error {
	stages := []struct {
		state task.State
		log   string
		fn    func(context.Context, *run) error
	}{
		{task.StateCloningRepo, "cloning repository", o.clone},
		{task.StateIndexingCode, "indexing code", o.buildIndex},
		{task.StateGeneratingTest, "generating reproduction test", o.generateTest},
		{task.StateRunningTestsBeforeFix, "running tests to reproduce the bug", o.reproduce},
	}
	for _, stage := range stages {
		if err := o.enter(ctx, r, stage.state, stage.log); err != nil {
			return err
		}
		if err := stage.fn(ctx, r); err != nil {
			return err
		}
	}

	if err := o.fixLoop(ctx, r); err != nil {
		return err
	}

	if err := o.enter(ctx, r, task.StateCreatingPR, "creating pull request"); err != nil {
		return err
	}
	if err := o.createPR(ctx, r); err != nil {
		return err
	}

	if err := o.deps.Tasks.Transition(r.t.ID, task.StateCompleted, "pull request opened: "+r.t.PRURL); err != nil {
		return err
	}
	o.deps.Logger.Info("task completed", "task_id", r.t.ID, "pr_url", r.t.PRURL)
	return nil
}

// fixLoop runs GENERATING_FIX through RUNNING_TESTS_AFTER_FIX, looping back
// at most MaxFixAttempts times total.
func (o *Orchestrator) fixLoop(ctx context.Context, r *run) error {
	failingOutput := r.testBefore

	for attempt := 1; ; attempt++ {
		if err := o.enter(ctx, r, task.StateGeneratingFix,
			fmt.Sprintf("generating fix (attempt %d of %d)", attempt, MaxFixAttempts)); err != nil {
			return err
		}
		set, err := o.deps.Fixer.Generate(ctx, o.req(r),
			r.t.BugDescription, r.test.FileName, r.test.TestCode, failingOutput, r.codeCtx)
		if err != nil {
			return err
		}
		r.set = set

		if err := o.enter(ctx, r, task.StateValidatingSecurity, "reviewing fix for security issues"); err != nil {
			return err
		}
		verdict, err := o.deps.Guardian.Review(ctx, o.req(r), set)
		if err != nil {
			return err
		}
		if !verdict.Approved() {
			return fault.Newf(fault.GuardianRejected,
				"fix rejected by security review (risk %s): %s",
				verdict.RiskLevel, strings.Join(verdict.Issues, "; "))
		}

		if err := o.enter(ctx, r, task.StateApplyingFix, "applying patches"); err != nil {
			return err
		}
		if err := patch.Apply(r.workspace, set); err != nil {
			return err
		}

		if err := o.enter(ctx, r, task.StateRunningTestsAfterFix, "running tests against the fix"); err != nil {
			return err
		}
		result, err := o.deps.Sandbox.Run(ctx, r.workspace, r.t.TestCommand)
		if err != nil {
			return err
		}
		r.testAfter = tail(result.Stdout + result.Stderr)

		if result.Passed() {
			o.log(r, "tests passed after fix")
			return nil
		}

		o.log(r, fmt.Sprintf("tests still failing after fix attempt %d (exit %d)", attempt, result.ExitCode))
		if attempt >= MaxFixAttempts {
			return fault.Newf(fault.FixAttemptsExhausted,
				"fix did not pass tests after %d attempts", MaxFixAttempts)
		}
		failingOutput = r.testAfter
	}
}

func (o *Orchestrator) clone(ctx context.Context, r *run) error {
	workspace, err := o.deps.Git.Clone(ctx, r.t.RepoURL, r.t.ID)
	if err != nil {
		return err
	}
	r.workspace = workspace
	return o.deps.Tasks.SetWorkspace(r.t.ID, workspace)
}

func (o *Orchestrator) buildIndex(_ context.Context, r *run) error {
	idx, err := o.deps.Index(r.workspace)
	if err != nil {
		return err
	}
	r.codeCtx = idx.Context(r.t.BugDescription, 8)
	return nil
}

func (o *Orchestrator) generateTest(ctx context.Context, r *run) error {
	gen, err := o.deps.TestGen.Generate(ctx, o.req(r), r.t.BugDescription, r.t.TestCommand, r.codeCtx)
	if err != nil {
		return err
	}
	if err := writeTestFile(r.workspace, gen.FileName, gen.TestCode); err != nil {
		return err
	}
	r.test = gen
	o.log(r, "reproduction test written to "+gen.FileName)
	return nil
}

// reproduce runs the suite with the generated test in place. The run must
// FAIL here: a passing run means the test does not actually reproduce the
// reported bug, and fixing against it would prove nothing.
func (o *Orchestrator) reproduce(ctx context.Context, r *run) error {
	result, err := o.deps.Sandbox.Run(ctx, r.workspace, r.t.TestCommand)
	if err != nil {
		return err
	}
	if result.TimedOut {
		return fault.New(fault.SandboxTimeout, "test run timed out while reproducing the bug")
	}
	if result.Passed() {
		return fault.New(fault.BugNotReproduced,
			"generated test passed on the unmodified code; bug not reproduced")
	}
	r.testBefore = tail(result.Stdout + result.Stderr)
	o.log(r, fmt.Sprintf("bug reproduced (exit %d)", result.ExitCode))
	return nil
}

func (o *Orchestrator) createPR(ctx context.Context, r *run) error {
	branch := "mend/fix-" + shortID(r.t.ID)
	if err := o.deps.Git.CreateBranch(ctx, r.workspace, branch); err != nil {
		return err
	}
	if err := o.deps.Tasks.SetBranch(r.t.ID, branch); err != nil {
		return err
	}
	if err := o.deps.Git.CommitAll(ctx, r.workspace, githost.Title(r.t.BugDescription)); err != nil {
		return err
	}
	// The push and the PR call leave the machine; transient host failures
	// get retried per their kind's policy instead of failing the task.
	if _, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Git.Push(ctx, r.workspace, branch)
	}, hostRetryKinds, o.deps.Sleep); err != nil {
		return err
	}

	prURL, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
		return o.deps.Host.CreatePullRequest(ctx, &githost.PullRequest{
			RepoURL: r.t.RepoURL,
			Head:    branch,
			Title:   githost.Title(r.t.BugDescription),
			Body:    githost.Body(r.t.BugDescription, r.set, r.testBefore, r.testAfter),
		})
	}, hostRetryKinds, o.deps.Sleep)
	if err != nil {
		return err
	}
	r.t.PRURL = prURL
	return o.deps.Tasks.SetPRURL(r.t.ID, prURL)
}

// enter is the stage boundary: it honors cancellation and the task
// deadline, then performs the durable state transition.
func (o *Orchestrator) enter(ctx context.Context, r *run, to task.State, logLine string) error {
	cancelled, err := o.deps.Tasks.CancelRequested(r.t.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return fault.New(fault.Cancelled, "cancelled by user")
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.New(fault.Timeout, "task exceeded its time limit")
		}
		return fault.New(fault.Cancelled, "task context cancelled")
	}
	return o.deps.Tasks.Transition(r.t.ID, to, logLine)
}

// fail moves the task to FAILED with a user-presentable reason. A cancelled
// task also has its workspace removed; failed tasks keep theirs for
// debugging.
func (o *Orchestrator) fail(r *run, cause error) error {
	fe := fault.Classify(cause)
	reason := fault.Reason(cause)
	o.deps.Logger.Warn("task failed",
		"task_id", r.t.ID, "kind", fe.Kind, "reason", reason)

	if fe.Kind == fault.Cancelled && r.workspace != "" {
		if err := o.deps.Git.Cleanup(r.workspace); err != nil {
			o.deps.Logger.Warn("workspace cleanup failed", "task_id", r.t.ID, "error", err)
		}
	}
	// The task log keeps the full classified line; failure_reason stays
	// user-presentable.
	return o.deps.Tasks.Fail(r.t.ID, reason, "failed: "+fe.LogLine())
}

func (o *Orchestrator) req(r *run) agent.Request {
	return agent.Request{TaskID: r.t.ID, UserID: r.t.UserID}
}

func (o *Orchestrator) log(r *run, line string) {
	if err := o.deps.Tasks.AppendLog(r.t.ID, line); err != nil {
		o.deps.Logger.Warn("append log failed", "task_id", r.t.ID, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func tail(s string) string {
	if len(s) <= maxTestOutputBytes {
		return s
	}
	return s[len(s)-maxTestOutputBytes:]
}
