// Package retry implements policy-driven retries over classified errors.
// It is an explicit higher-order operation: callers pass the operation and
// the set of retryable kinds, and receive either the success value or an
// ExhaustedError carrying the last underlying failure.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/mendhq/mend/fault"
)

// SleepFunc waits for the given duration or until the context is done.
// Tests substitute a fake clock here instead of sleeping for real.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a real timer.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExhaustedError reports that all attempts for a retryable kind were used.
// It is distinct from a single failure so callers can tell the difference.
type ExhaustedError struct {
	Attempts int
	Last     *fault.Error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do invokes op, retrying failures whose classified kind is in retryable.
// Backoff follows the kind's policy: initial * multiplier^(attempt-1),
// capped at the kind's max backoff, until the kind's attempt ceiling.
// Unclassified errors pass through fault.Classify first; non-retryable
// classifications return immediately.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), retryable []fault.Kind, sleep SleepFunc) (T, error) {
	var zero T
	if sleep == nil {
		sleep = Sleep
	}

	allowed := make(map[fault.Kind]bool, len(retryable))
	for _, k := range retryable {
		allowed[k] = true
	}

	attempt := 0
	for {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		fe := fault.Classify(err)
		if !allowed[fe.Kind] || !fe.ShouldRetry() {
			return zero, fe
		}

		policy := fe.Retry()
		if attempt >= policy.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Last: fe}
		}

		if err := sleep(ctx, policy.Backoff(attempt)); err != nil {
			return zero, fault.Classify(err)
		}
	}
}
