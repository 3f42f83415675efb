package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/scanflow/pkg/transport"
)

// RetryConfig holds configuration for retry with backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the pause after the first failure.
	// Default: 200ms
	InitialBackoff time.Duration

	// MaxBackoff caps the pause between attempts.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the pause after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of the pause to randomize (0.0 to 1.0).
	// Default: 0.2
	JitterFraction float64
}

// DefaultRetryConfig returns the policy used to deliver results. It is
// generous because an undelivered result means the execution runs again.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// retryWithBackoff runs operation until it succeeds, fails with an error
// that is not worth retrying, or runs out of attempts. It returns the last error.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) || attempt >= config.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableError reports whether a failed send may succeed if repeated.
// Cancellation, oversized messages and a closed transport are permanent.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, transport.ErrMessageTooLarge), errors.Is(err, transport.ErrClosed):
		return false
	default:
		return true
	}
}
