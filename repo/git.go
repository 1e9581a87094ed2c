// Package repo manages task workspaces: cloning the target repository,
// creating the fix branch, and committing and pushing the result. All git
// operations shell out to the git binary with bounded timeouts.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mendhq/mend/fault"
)

// Git is the orchestrator's view of workspace git operations.
type Git interface {
	// Clone clones repoURL into a new directory under the manager's work
	// root and returns the workspace path.
	Clone(ctx context.Context, repoURL, taskID string) (string, error)
	CreateBranch(ctx context.Context, workspace, branch string) error
	// CommitAll stages everything and commits; returns an error if there is
	// nothing to commit.
	CommitAll(ctx context.Context, workspace, message string) error
	Push(ctx context.Context, workspace, branch string) error
	// Cleanup removes a task's workspace directory.
	Cleanup(workspace string) error
}

// Manager implements Git over the git binary.
type Manager struct {
	workRoot string
	token    string
	logger   *slog.Logger
}

// NewManager creates a workspace manager. token, when set, is injected into
// HTTPS clone and push URLs for private repositories.
func NewManager(workRoot, token string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	return &Manager{workRoot: workRoot, token: token, logger: logger}, nil
}

// authURL injects the access token into an HTTPS URL.
func (m *Manager) authURL(repoURL string) string {
	if m.token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return strings.Replace(repoURL, "https://", "https://x-access-token:"+m.token+"@", 1)
}

// ValidateRepoURL checks that a submitted URL is a plausible HTTPS git
// remote before anything is cloned.
func ValidateRepoURL(repoURL string) error {
	u, err := url.Parse(repoURL)
	if err != nil {
		return fault.Newf(fault.InvalidRepoURL, "unparseable repository URL %q", repoURL)
	}
	if u.Scheme != "https" {
		return fault.Newf(fault.InvalidRepoURL, "repository URL must use https, got %q", u.Scheme)
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return fault.Newf(fault.InvalidRepoURL, "repository URL %q missing host or path", repoURL)
	}
	return nil
}

// Clone clones into workRoot/<taskID> with depth 1.
func (m *Manager) Clone(ctx context.Context, repoURL, taskID string) (string, error) {
	if err := ValidateRepoURL(repoURL); err != nil {
		return "", err
	}
	workspace := filepath.Join(m.workRoot, taskID)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, stderr, err := m.run(ctx, m.workRoot, "clone", "--depth", "1", m.authURL(repoURL), workspace); err != nil {
		os.RemoveAll(workspace)
		return "", classifyGitError("clone", stderr, err)
	}
	m.logger.Info("repository cloned", "task_id", taskID, "workspace", workspace)
	return workspace, nil
}

// CreateBranch creates and checks out a new branch.
func (m *Manager) CreateBranch(ctx context.Context, workspace, branch string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, stderr, err := m.run(ctx, workspace, "checkout", "-b", branch); err != nil {
		return classifyGitError("create branch", stderr, err)
	}
	return nil
}

// CommitAll stages every change and commits with an identity the remote
// will attribute to the service.
func (m *Manager) CommitAll(ctx context.Context, workspace, message string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, stderr, err := m.run(ctx, workspace, "add", "-A"); err != nil {
		return classifyGitError("stage changes", stderr, err)
	}
	_, stderr, err := m.run(ctx, workspace,
		"-c", "user.name=mend-bot",
		"-c", "user.email=bot@mendhq.dev",
		"commit", "-m", message)
	if err != nil {
		if strings.Contains(stderr, "nothing to commit") {
			return fault.New(fault.Internal, "commit requested with no changes in workspace")
		}
		return classifyGitError("commit", stderr, err)
	}
	return nil
}

// Push pushes the branch to origin.
func (m *Manager) Push(ctx context.Context, workspace, branch string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if _, stderr, err := m.run(ctx, workspace, "push", "origin", branch); err != nil {
		return classifyGitError("push", stderr, err)
	}
	return nil
}

// Cleanup deletes the workspace directory.
func (m *Manager) Cleanup(workspace string) error {
	// Refuse to delete anything outside the work root.
	rel, err := filepath.Rel(m.workRoot, workspace)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fault.Newf(fault.Internal, "refusing to remove %q outside work root", workspace)
	}
	return os.RemoveAll(workspace)
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never let git prompt for credentials.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// classifyGitError maps git stderr to the failure taxonomy. The token must
// never leak, so the raw stderr stays out of error messages and only its
// classification survives.
func classifyGitError(op, stderr string, err error) error {
	low := strings.ToLower(stderr)
	switch {
	case strings.Contains(low, "authentication failed"),
		strings.Contains(low, "could not read username"),
		strings.Contains(low, "permission denied"),
		strings.Contains(low, "403"):
		return fault.Newf(fault.GitAuthFailed, "git %s: authentication failed", op)
	case strings.Contains(low, "not found"),
		strings.Contains(low, "does not exist"),
		strings.Contains(low, "repository") && strings.Contains(low, "disabled"):
		return fault.Newf(fault.RepoNotFound, "git %s: repository not found", op)
	case strings.Contains(low, "could not resolve host"),
		strings.Contains(low, "connection refused"),
		strings.Contains(low, "timed out"):
		return fault.Newf(fault.NetworkConnection, "git %s: network failure", op)
	default:
		return fault.Wrap(fault.Internal, fmt.Sprintf("git %s failed", op), err)
	}
}
