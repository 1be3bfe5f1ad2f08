package core

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for ProgressStore writes the launcher
// cannot afford to lose (terminal status transitions).
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retry, 1 = one retry)
	MaxRetries int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// BackoffRatio multiplies the delay after each retry.
	// With InitialDelay=100ms and BackoffRatio=2.0 the delays are 100ms, 200ms, 400ms...
	BackoffRatio float64
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		BackoffRatio: 2.0,
	}
}

// NoRetry returns a retry policy with no retries
func NoRetry() RetryPolicy {
	return RetryPolicy{BackoffRatio: 1.0}
}

// calculateDelay returns the wait before retry number attempt (0-indexed).
func (p RetryPolicy) calculateDelay(attempt int) time.Duration {
	if p.InitialDelay == 0 {
		return 0
	}

	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffRatio
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// ErrorHandler is called when a store operation fails after all retries.
type ErrorHandler func(taskID string, operation string, err error)

// retryOperation runs fn until it succeeds, the policy is exhausted or ctx ends.
// The last error is logged and handed to onFail.
func retryOperation(
	ctx context.Context,
	policy RetryPolicy,
	logger Logger,
	onFail ErrorHandler,
	operation string,
	taskID string,
	fn func(context.Context) error,
) error {
	var lastErr error
retry:
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug("store operation succeeded after retry",
					F("operation", operation),
					F("task_id", taskID),
					F("attempt", attempt))
			}
			return nil
		}
		lastErr = err
		logger.Warn("store operation failed",
			F("operation", operation),
			F("task_id", taskID),
			F("attempt", attempt),
			F("max_retries", policy.MaxRetries),
			F("error", err))

		if attempt == policy.MaxRetries {
			break
		}
		timer := time.NewTimer(policy.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			break retry
		case <-timer.C:
		}
	}

	logger.Error("store operation failed after all retries",
		F("operation", operation),
		F("task_id", taskID),
		F("total_attempts", policy.MaxRetries+1),
		F("error", lastErr))
	if onFail != nil {
		onFail(taskID, operation, lastErr)
	}
	return lastErr
}
