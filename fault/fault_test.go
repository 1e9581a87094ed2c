package fault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"
)

func TestEveryKindHasOneCategoryAndPolicy(t *testing.T) {
	for kind, e := range taxonomy {
		switch e.category {
		case Transient:
			if e.retry.MaxAttempts < 1 {
				t.Errorf("%s: transient kind with no attempts", kind)
			}
			if e.retry.InitialBackoff <= 0 {
				t.Errorf("%s: transient kind with zero backoff", kind)
			}
		case Permanent, Policy, User, Resource:
			if New(kind, "x").ShouldRetry() {
				t.Errorf("%s: non-transient kind must never retry", kind)
			}
		default:
			t.Errorf("%s: unknown category %q", kind, e.category)
		}
	}
}

func TestNonTransientNeverRetries(t *testing.T) {
	for _, kind := range []Kind{GuardianRejected, InvalidInput, CostBudgetExceeded, ModelInvalidResponse} {
		if New(kind, "x").ShouldRetry() {
			t.Errorf("%s should not retry", kind)
		}
	}
	if !New(ModelRateLimit, "x").ShouldRetry() {
		t.Error("model_rate_limit should retry")
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Second, Multiplier: 2, MaxBackoff: 60 * time.Second}

	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestErrorWrappingAndKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("stage failed: %w", Wrap(SandboxFailed, "sandbox died", cause))

	kind, ok := KindOf(err)
	if !ok || kind != SandboxFailed {
		t.Fatalf("KindOf = %v, %v; want sandbox_failed, true", kind, ok)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost from chain")
	}
}

func TestLogLineIncludesDetail(t *testing.T) {
	e := New(CostBudgetExceeded, "cost budget exceeded: $5.10 of $5.00 limit").
		With("task_id", "t1").
		With("limit_usd", "5.00")

	line := e.LogLine()
	for _, want := range []string{"kind=cost_budget_exceeded", "category=resource", "task_id=t1", "limit_usd=5.00"} {
		if !strings.Contains(line, want) {
			t.Errorf("LogLine missing %q: %s", want, line)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, NetworkTimeout},
		{"not exist", fs.ErrNotExist, FileNotFound},
		{"rate limit text", errors.New("HTTP 429 rate limit exceeded"), ModelRateLimit},
		{"auth text", errors.New("remote: authentication failed"), GitAuthFailed},
		{"unknown", errors.New("something odd"), Internal},
		{"passthrough", New(GuardianRejected, "no"), GuardianRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got.Kind != tt.want {
				t.Errorf("Classify(%v).Kind = %s, want %s", tt.err, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyDefaultNeverRetries(t *testing.T) {
	if Classify(errors.New("mystery")).ShouldRetry() {
		t.Error("unmatched errors must classify as non-retryable")
	}
}

func TestReason(t *testing.T) {
	if got := Reason(New(QueueFull, "queue full (100/100)")); got != "queue full (100/100)" {
		t.Errorf("Reason = %q", got)
	}
	if got := Reason(errors.New("panic: nil deref")); got != "internal error" {
		t.Errorf("raw errors must not leak: %q", got)
	}
}
