// Package fault defines the mend error taxonomy: every failure the system
// can produce is classified into a kind, a category, and a retry policy
// looked up from a static table.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category is the high-level classification of a failure.
type Category string

const (
	// Transient failures are safe to retry with backoff.
	Transient Category = "transient"
	// Permanent failures cannot be fixed by retrying.
	Permanent Category = "permanent"
	// Policy failures are safety or security violations requiring human review.
	Policy Category = "policy"
	// User failures need a corrected request from the caller.
	User Category = "user"
	// Resource failures mean a budget, quota, or capacity limit was hit.
	Resource Category = "resource"
)

// Kind identifies a specific failure mode.
type Kind string

const (
	// Transient kinds.
	NetworkTimeout    Kind = "network_timeout"
	NetworkConnection Kind = "network_connection"
	ModelRateLimit    Kind = "model_rate_limit"
	ModelTimeout      Kind = "model_timeout"
	SandboxTimeout    Kind = "sandbox_timeout"
	DatabaseLocked    Kind = "database_locked"
	HostRateLimit     Kind = "host_rate_limit"

	// Permanent kinds.
	ModelInvalidResponse Kind = "model_invalid_response"
	ParseError           Kind = "parse_error"
	FileNotFound         Kind = "file_not_found"
	PatchRejected        Kind = "patch_rejected"
	GitAuthFailed        Kind = "git_auth_failed"
	ProviderAuthFailed   Kind = "provider_auth_failed"
	RepoNotFound         Kind = "repo_not_found"
	SandboxFailed        Kind = "sandbox_failed"
	BugNotReproduced     Kind = "bug_not_reproduced"
	FixAttemptsExhausted Kind = "fix_attempts_exhausted"
	PromptNotFound       Kind = "prompt_not_found"
	Internal             Kind = "internal"

	// Policy kinds.
	GuardianRejected Kind = "guardian_rejected"
	SecretExposed    Kind = "secret_exposed"
	UnsafeOperation  Kind = "unsafe_operation"

	// User kinds.
	InvalidInput    Kind = "invalid_input"
	MissingVariable Kind = "missing_variable"
	InvalidRepoURL  Kind = "invalid_repo_url"

	// Resource kinds.
	TokenBudgetExceeded Kind = "token_budget_exceeded"
	CostBudgetExceeded  Kind = "cost_budget_exceeded"
	QueueFull           Kind = "queue_full"
	DailyLimitReached   Kind = "daily_limit_reached"
	Timeout             Kind = "timeout"
	Cancelled           Kind = "cancelled"
)

// RetryPolicy holds the backoff parameters for a kind.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// Backoff returns the delay before the given retry attempt (attempt 1 is
// the delay after the first failure), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxBackoff); d > max {
		d = max
	}
	return time.Duration(d)
}

type entry struct {
	category Category
	retry    RetryPolicy
}

var noRetry = RetryPolicy{Multiplier: 1}

// taxonomy maps every kind to exactly one category and retry policy.
// Only transient kinds carry a non-zero policy.
var taxonomy = map[Kind]entry{
	NetworkTimeout:    {Transient, RetryPolicy{MaxAttempts: 3, InitialBackoff: 2 * time.Second, Multiplier: 2, MaxBackoff: 30 * time.Second}},
	NetworkConnection: {Transient, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, Multiplier: 2, MaxBackoff: 10 * time.Second}},
	ModelRateLimit:    {Transient, RetryPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Second, Multiplier: 2, MaxBackoff: 120 * time.Second}},
	ModelTimeout:      {Transient, RetryPolicy{MaxAttempts: 2, InitialBackoff: 5 * time.Second, Multiplier: 1.5, MaxBackoff: 15 * time.Second}},
	SandboxTimeout:    {Transient, RetryPolicy{MaxAttempts: 2, InitialBackoff: 3 * time.Second, Multiplier: 1, MaxBackoff: 3 * time.Second}},
	DatabaseLocked:    {Transient, RetryPolicy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, Multiplier: 2, MaxBackoff: 2 * time.Second}},
	HostRateLimit:     {Transient, RetryPolicy{MaxAttempts: 3, InitialBackoff: 60 * time.Second, Multiplier: 1, MaxBackoff: 60 * time.Second}},

	ModelInvalidResponse: {Permanent, noRetry},
	ParseError:           {Permanent, noRetry},
	FileNotFound:         {Permanent, noRetry},
	PatchRejected:        {Permanent, noRetry},
	GitAuthFailed:        {Permanent, noRetry},
	ProviderAuthFailed:   {Permanent, noRetry},
	RepoNotFound:         {Permanent, noRetry},
	SandboxFailed:        {Permanent, noRetry},
	BugNotReproduced:     {Permanent, noRetry},
	FixAttemptsExhausted: {Permanent, noRetry},
	PromptNotFound:       {Permanent, noRetry},
	Internal:             {Permanent, noRetry},

	GuardianRejected: {Policy, noRetry},
	SecretExposed:    {Policy, noRetry},
	UnsafeOperation:  {Policy, noRetry},

	InvalidInput:    {User, noRetry},
	MissingVariable: {User, noRetry},
	InvalidRepoURL:  {User, noRetry},

	TokenBudgetExceeded: {Resource, noRetry},
	CostBudgetExceeded:  {Resource, noRetry},
	QueueFull:           {Resource, noRetry},
	DailyLimitReached:   {Resource, noRetry},
	Timeout:             {Resource, noRetry},
	Cancelled:           {Resource, noRetry},
}

// CategoryOf returns the category for a kind. Unknown kinds are Permanent
// so that nothing unclassified is ever retried.
func CategoryOf(k Kind) Category {
	if e, ok := taxonomy[k]; ok {
		return e.category
	}
	return Permanent
}

// PolicyOf returns the retry policy for a kind.
func PolicyOf(k Kind) RetryPolicy {
	if e, ok := taxonomy[k]; ok {
		return e.retry
	}
	return noRetry
}

// Error is a classified failure value.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]string
	Err     error // wrapped cause, may be nil
}

// New creates a classified error with a human-readable message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// With attaches a detail key/value pair and returns the error for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Category returns the category from the taxonomy.
func (e *Error) Category() Category { return CategoryOf(e.Kind) }

// ShouldRetry reports whether the error may be retried. Only transient
// kinds retry; every other category is final regardless of kind.
func (e *Error) ShouldRetry() bool { return e.Category() == Transient }

// Retry returns the kind's retry policy.
func (e *Error) Retry() RetryPolicy { return PolicyOf(e.Kind) }

// LogLine formats the error for a task log: kind, category, message, and
// sorted detail pairs, so a failed task records its exact cause.
func (e *Error) LogLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "error kind=%s category=%s: %s", e.Kind, e.Category(), e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Detail[k])
	}
	return b.String()
}

// KindOf extracts the kind from an error chain, if any.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Reason derives the human-readable reason string surfaced to users.
// Classified errors yield their message; anything else is reported as an
// internal error without leaking internals.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
		return strings.ReplaceAll(string(fe.Kind), "_", " ")
	}
	return "internal error"
}
