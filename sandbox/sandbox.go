// Package sandbox runs untrusted test commands in isolated Docker
// containers: no network, a memory cap, and the workspace bind-mounted at
// /workspace. Each run is a fresh single-use container that is force
// removed afterwards no matter how the command ended.
package sandbox

import (
	"context"
	"time"
)

// Result is the outcome of one sandboxed command.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Passed reports whether the command exited cleanly.
func (r *Result) Passed() bool { return !r.TimedOut && r.ExitCode == 0 }

// Runner executes a command against a workspace.
type Runner interface {
	// Run executes command with the workspace mounted read-write and
	// returns the captured output. A non-zero exit code is not an error;
	// failing to run the command at all is.
	Run(ctx context.Context, workspacePath, command string) (*Result, error)
}

// Config holds the sandbox limits.
type Config struct {
	// Image is the container image commands run in.
	Image string
	// MemoryLimitBytes caps container memory.
	MemoryLimitBytes int64
	// Timeout bounds one command run.
	Timeout time.Duration
	// NetworkMode for the container; "none" unless tests need the network.
	NetworkMode string
}

// DefaultConfig returns the shipped sandbox limits.
func DefaultConfig() Config {
	return Config{
		Image:            "node:20-bookworm-slim",
		MemoryLimitBytes: 2 << 30,
		Timeout:          5 * time.Minute,
		NetworkMode:      "none",
	}
}
