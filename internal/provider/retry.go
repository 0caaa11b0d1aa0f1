package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"codi/internal/logging"
)

// RetryConfig tunes the retry loop for provider calls.
type RetryConfig struct {
	Attempts    int
	BaseDelay   time.Duration
	JitterFrac  float64
	PerCallTime time.Duration // 0 means no per-call timeout
}

// DefaultRetryConfig returns the standard provider retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:   3,
		BaseDelay:  500 * time.Millisecond,
		JitterFrac: 0.2,
	}
}

// WithRetry runs fn with exponential backoff. Only transient provider
// errors are retried; fatal errors and context cancellation return
// immediately.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			logging.ProviderDebug("Retry attempt %d after %v (last error: %v)", attempt+1, delay, lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if cfg.PerCallTime > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.PerCallTime)
		}
		result, err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		var perr *Error
		if errors.As(err, &perr) && !perr.Transient {
			return zero, err
		}
		// Per-call timeouts are transient; retry.
	}
	return zero, lastErr
}

// backoffDelay is base * 2^(attempt-1) with +-jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << (attempt - 1)
	if cfg.JitterFrac > 0 {
		jitter := float64(delay) * cfg.JitterFrac
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
	}
	if delay < 0 {
		delay = cfg.BaseDelay
	}
	return delay
}
