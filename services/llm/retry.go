package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

type RetryConfig struct {
	// MaxAttempts includes the first call.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// JitterFactor is the maximum jitter as a fraction of the backoff (0-1).
	JitterFactor float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     20 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// retry runs fn until it succeeds, the attempts run out or ctx is done.
// It returns the number of attempts made.
func retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return attempt, lastErr
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(withJitter(backoff, cfg.JitterFactor)):
		}
		backoff = nextBackoff(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}
	return attempts, lastErr
}

func withJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || base <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	if factor < 1 {
		factor = 1
	}
	next := time.Duration(float64(current) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}
