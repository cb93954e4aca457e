package platform

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCaller(maxRetries int) (*Caller, *[]time.Duration) {
	c := NewCaller(1000, maxRetries)
	slept := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return c, slept
}

func TestDoRetriesRateLimitUntilSuccess(t *testing.T) {
	c, slept := newTestCaller(4)

	calls := 0
	err := c.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &RateLimitedError{RetryAfter: 25 * time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(*slept) != 2 {
		t.Errorf("expected 2 sleeps, got %d", len(*slept))
	}
	for _, d := range *slept {
		if d != 25*time.Millisecond {
			t.Errorf("expected platform-provided retry-after, slept %s", d)
		}
	}
}

func TestDoBacksOffWithoutRetryAfter(t *testing.T) {
	c, slept := newTestCaller(2)

	err := c.Do(context.Background(), func() error {
		return &RateLimitedError{}
	})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected rate limit error after exhausted retries, got %v", err)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(*slept))
	}
	if (*slept)[1] != 2*(*slept)[0] {
		t.Errorf("expected doubling backoff, got %v", *slept)
	}
}

func TestDoDoesNotRetryForbidden(t *testing.T) {
	c, _ := newTestCaller(4)

	calls := 0
	err := c.Do(context.Background(), func() error {
		calls++
		return ErrForbidden
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if calls != 1 {
		t.Errorf("forbidden must not be retried, got %d calls", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	c := NewCaller(1000, 4)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	err := c.Do(ctx, func() error {
		calls++
		return &RateLimitedError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
}
