package ai

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	MaxAttempts   int
	InitialWait   time.Duration
	BackoffFactor float64
	// Sleep is overridable in tests. Nil means a ctx-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   maxAttempts,
		InitialWait:   2 * time.Second,
		BackoffFactor: 2,
	}
}

// IsRetryable reports whether an error belongs to the retryable taxonomy:
// rate-limit signals, transient HTTP failures, and network/timeout errors.
// Authentication and configuration failures are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Retry runs op up to policy.MaxAttempts times, sleeping with exponential
// backoff between retryable failures. Non-retryable errors and the final
// failure propagate unchanged.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	wait := policy.InitialWait
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}
		logutil.GetLogger(ctx).Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		wait = time.Duration(float64(wait) * policy.BackoffFactor)
	}
	return lastErr
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
