package platform

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Caller paces platform calls and retries rate-limit responses with backoff.
// Every blocking-I/O boundary in the engine goes through Do.
type Caller struct {
	limiter    *rate.Limiter
	maxRetries int
	sleep      func(context.Context, time.Duration) error
}

func NewCaller(perSecond, maxRetries int) *Caller {
	if perSecond <= 0 {
		perSecond = 25
	}
	if maxRetries <= 0 {
		maxRetries = 4
	}
	return &Caller{
		limiter:    rate.NewLimiter(rate.Limit(perSecond), perSecond),
		maxRetries: maxRetries,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn, retrying only RateLimitedError. The platform's own RetryAfter
// is honored when present, otherwise the delay doubles from 500ms. Any other
// error, including ErrForbidden, is returned as-is on the first attempt.
func (c *Caller) Do(ctx context.Context, fn func() error) error {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err
		delay := rl.RetryAfter
		if delay <= 0 {
			delay = backoff
			backoff *= 2
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
