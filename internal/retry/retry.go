// Package retry centralizes the backoff policy shared by the recognition
// client, the media tool invocation path and the queue consumer, so retry
// behavior is parameterized by error classification in exactly one place.
package retry

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/errors"
)

// Policy describes bounded exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy matches the recognition upload contract: up to 3 attempts
// before permanent failure.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff delay before the given attempt (1-based). The
// first attempt has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := p.InitialDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn, retrying transient failures up to MaxAttempts with exponential
// backoff. Permanent and conflict errors return immediately. The last error
// is returned when attempts are exhausted.
func (p Policy) Do(ctx context.Context, logger hclog.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.IsTransient(lastErr) {
			return lastErr
		}
		if logger != nil {
			logger.Warn("transient failure, will retry",
				"op", op, "attempt", attempt, "max_attempts", p.MaxAttempts, "error", lastErr)
		}
	}
	return lastErr
}
