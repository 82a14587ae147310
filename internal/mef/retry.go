package mef

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RossTaxPrep/efile_layer/internal/app/metrics"
	"github.com/RossTaxPrep/efile_layer/internal/config"
)

// withRetry runs fn under policy. Only transient failures are retried; the
// caller's context stops the loop immediately.
func (c *Client) withRetry(ctx context.Context, op string, policy config.RetryConfig, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return withAttempts(err, attempt)
		}
		if attempt == attempts {
			break
		}

		wait := jittered(delay, policy.Jitter, c.rand)
		metrics.RecordMeFRetry(op)
		c.log.WithField("op", op).
			WithField("attempt", attempt).
			WithField("max_attempts", attempts).
			WithField("backoff", wait.String()).
			WithError(err).
			Warn("mef call failed; retrying")

		if err := c.sleep(ctx, wait); err != nil {
			return &Error{
				Op:       op,
				Kind:     KindTransient,
				Message:  fmt.Sprintf("retry aborted after %d attempts: %v", attempt, err),
				Attempts: attempt,
				Err:      err,
			}
		}
		delay = nextDelay(delay, policy)
	}

	return &Error{
		Op:         op,
		Kind:       KindTransient,
		Message:    fmt.Sprintf("max retries exceeded after %d attempts: %s", attempts, Reason(lastErr)),
		StatusCode: statusOf(lastErr),
		Attempts:   attempts,
		Err:        lastErr,
	}
}

func withAttempts(err error, attempts int) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	copied := *e
	copied.Attempts = attempts
	return &copied
}

func statusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

func nextDelay(current time.Duration, policy config.RetryConfig) time.Duration {
	multiplier := policy.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	next := time.Duration(float64(current) * multiplier)
	if policy.MaxDelay > 0 && next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	return next
}

func jittered(delay time.Duration, jitter float64, random func() float64) time.Duration {
	if jitter <= 0 || random == nil {
		return delay
	}
	wait := delay + time.Duration(float64(delay)*jitter*(random()*2-1))
	if wait < 0 {
		return 0
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
