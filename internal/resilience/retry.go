package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries int           // Retries after the first attempt
	InitDelay  time.Duration // Delay before the first retry
	MaxDelay   time.Duration // Cap on any single delay (0 = uncapped)
	Multiplier float64       // Backoff multiplier; values <= 1 give a fixed interval
	Jitter     float64       // Jitter factor (0.0 to 1.0)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		InitDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// FixedInterval retries every interval until attempts calls have been made.
// attempts counts the first call, so attempts=1 means no retry at all.
func FixedInterval(attempts int, interval time.Duration) RetryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return RetryConfig{
		MaxRetries: attempts - 1,
		InitDelay:  interval,
		MaxDelay:   interval,
		Multiplier: 1,
	}
}

// RetryFunc is the function signature for operations that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryCallback is called before each retry attempt.
type RetryCallback func(attempt int, err error, nextDelay time.Duration)

// Retry executes the operation with exponential backoff and jitter.
// Returns the last error if all retries fail.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryFunc) error {
	return RetryWithCallback(ctx, cfg, fn, nil)
}

// RetryWithCallback executes with retry and calls back before each wait.
// A permanent error stops immediately. Context cancellation, checked before
// every attempt and during every wait, returns ctx.Err().
func RetryWithCallback(ctx context.Context, cfg RetryConfig, fn RetryFunc, callback RetryCallback) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanentError(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		delay := calculateDelay(cfg, attempt)
		if callback != nil {
			callback(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay computes the delay for a given attempt with jitter.
func calculateDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitDelay)
	if cfg.Multiplier > 1 {
		delay *= math.Pow(cfg.Multiplier, float64(attempt))
	}

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// delay * (1 +/- jitter)
	if cfg.Jitter > 0 {
		jitterRange := delay * cfg.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	return time.Duration(delay)
}
