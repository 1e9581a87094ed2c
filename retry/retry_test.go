package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mendhq/mend/fault"
)

// fakeClock records requested sleep durations instead of waiting.
type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func TestDoSucceedsWithoutSleeping(t *testing.T) {
	clock := &fakeClock{}
	v, err := Do(context.Background(), func(context.Context) (int, error) {
		return 42, nil
	}, []fault.Kind{fault.ModelRateLimit}, clock.sleep)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if v != 42 {
		t.Errorf("v = %d, want 42", v)
	}
	if len(clock.slept) != 0 {
		t.Errorf("slept %v, want none", clock.slept)
	}
}

func TestDoBackoffScheduleAndExhaustion(t *testing.T) {
	// model_rate_limit: initial 10s, multiplier 2, max 5 attempts, cap 120s.
	clock := &fakeClock{}
	calls := 0
	_, err := Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", fault.New(fault.ModelRateLimit, "429")
	}, []fault.Kind{fault.ModelRateLimit}, clock.sleep)

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if ex.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", ex.Attempts)
	}
	if ex.Last.Kind != fault.ModelRateLimit {
		t.Errorf("Last.Kind = %s", ex.Last.Kind)
	}
	if calls != 5 {
		t.Errorf("op called %d times, want 5 (attempt 6 must never occur)", calls)
	}

	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	if len(clock.slept) != len(want) {
		t.Fatalf("slept %v, want %v", clock.slept, want)
	}
	for i, w := range want {
		if clock.slept[i] != w {
			t.Errorf("delay before attempt %d = %v, want %v", i+2, clock.slept[i], w)
		}
	}
}

func TestDoCapsBackoff(t *testing.T) {
	// network_timeout: initial 2s, multiplier 2, cap 30s, 3 attempts.
	// With a longer synthetic schedule the cap applies; here just check the
	// policy's own cap through a kind whose growth would exceed it.
	p := fault.PolicyOf(fault.ModelRateLimit)
	if got := p.Backoff(10); got != p.MaxBackoff {
		t.Errorf("Backoff(10) = %v, want cap %v", got, p.MaxBackoff)
	}
}

func TestDoDoesNotRetryOutsideRetryableSet(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	_, err := Do(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, fault.New(fault.NetworkTimeout, "slow")
	}, []fault.Kind{fault.ModelRateLimit}, clock.sleep)

	if kind, _ := fault.KindOf(err); kind != fault.NetworkTimeout {
		t.Errorf("kind = %s, want network_timeout", kind)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}

func TestDoNeverRetriesNonTransient(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	_, err := Do(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, fault.New(fault.GuardianRejected, "unsafe")
	}, []fault.Kind{fault.GuardianRejected}, clock.sleep)

	if kind, _ := fault.KindOf(err); kind != fault.GuardianRejected {
		t.Errorf("kind = %s", kind)
	}
	if calls != 1 {
		t.Errorf("policy violations must not retry even if listed; called %d times", calls)
	}
}

func TestDoClassifiesRawErrors(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	_, err := Do(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("HTTP 429 rate limit")
		}
		return 7, nil
	}, []fault.Kind{fault.ModelRateLimit}, clock.sleep)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
