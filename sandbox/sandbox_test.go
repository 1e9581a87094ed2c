package sandbox

import (
	"context"
	"testing"

	"github.com/mendhq/mend/fault"
)

func TestResultPassed(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want bool
	}{
		{"clean exit", Result{ExitCode: 0}, true},
		{"failing tests", Result{ExitCode: 1}, false},
		{"timeout", Result{ExitCode: -1, TimedOut: true}, false},
		{"timeout with zero code", Result{ExitCode: 0, TimedOut: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Passed(); got != tt.want {
				t.Errorf("Passed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	// An empty command must be refused before any container work: sh -c ""
	// exits 0, which upstream would mistake for a passing test run.
	d := &DockerRunner{cfg: DefaultConfig()}
	for _, cmd := range []string{"", "   "} {
		_, err := d.Run(context.Background(), t.TempDir(), cmd)
		if kind, _ := fault.KindOf(err); kind != fault.InvalidInput {
			t.Errorf("command %q: kind = %s, want invalid_input", cmd, kind)
		}
	}
}

func TestDefaultConfigIsIsolated(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", cfg.NetworkMode)
	}
	if cfg.MemoryLimitBytes <= 0 {
		t.Error("memory must be capped")
	}
	if cfg.Timeout <= 0 {
		t.Error("timeout must be set")
	}
}
