package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of failed computations
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy retries 3 times: 50ms, 100ms, capped at 2s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
	}
}

// Delay is the wait before the given retry (attempt 1 is the first retry)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// do runs fn until it succeeds, fails permanently or runs out of attempts.
// It returns the number of attempts made.
func (p RetryPolicy) do(ctx context.Context, logger *zap.Logger, permanent func(error) bool, fn func(ctx context.Context) (any, error)) (any, int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			logger.Warn("retrying computation",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempt, lastErr
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, attempt + 1, nil
		}
		lastErr = err
		if isPermanent(err, permanent) {
			return nil, attempt + 1, err
		}
	}
	return nil, attempts, lastErr
}

func isPermanent(err error, permanent func(error) bool) bool {
	var pe permanentError
	if errors.As(err, &pe) {
		return true
	}
	// A failed child already went through its own retries
	var ce *ComputationError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return permanent != nil && permanent(err)
}
