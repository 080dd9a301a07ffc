package resilience

import (
	"context"
	"time"
)

/*
RETRY POLICY DOCUMENTATION

The leader retries in two places and never anywhere else.

## Snapshot resume

The engine's state file may not exist yet (the engine has not started
writing it) or may be mid-rewrite. Both are TRANSIENT. The reader retries on
a fixed interval with no jitter up to a configured ceiling of attempts; the
default ceiling of 5000 attempts at 5s keeps trying for roughly seven hours.
Exhausting the ceiling is fatal for the leader.

A schema version the leader does not understand is PERMANENT and stops the
retry loop immediately.

## Registry writes

Document store writes are best-effort. A write gets a short burst of quick
retries, then the failure is logged and dropped. A circuit breaker stops the
leader hammering a store that is down.

## Classification

TRANSIENT (retryable):
- Anything wrapped with NewTransientError
- SQLITE_BUSY and SQLITE_LOCKED (marked by the registry store)
- EBUSY, EAGAIN, EINTR, ETIMEDOUT and I/O deadlines

PERMANENT (not retryable):
- Anything wrapped with NewPermanentError
- File not found unless explicitly wrapped as transient
- Permission denied
- ENOTDIR, EISDIR, ENOSPC, EROFS
- A scheduler command that is not installed (exec.ErrNotFound)
- Context cancelled/deadline exceeded

The outermost explicit wrapper wins.
Unknown errors default to TRANSIENT.
*/

// RetryPolicy defines a named, documented retry configuration
type RetryPolicy struct {
	// Name identifies this policy for logging
	Name string

	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int

	// InitDelay is the initial delay before first retry
	InitDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier for exponential backoff (<= 1 keeps the interval fixed)
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (0.0-1.0)
	Jitter float64

	// ShouldRetry is an optional function to determine if an error should be retried
	// If nil, uses the default IsPermanentError check
	ShouldRetry func(error) bool
}

var (
	// NoRetry disables retries entirely
	NoRetry = RetryPolicy{
		Name:       "no-retry",
		MaxRetries: 0,
	}

	// RegistryWrite covers one document-store write.
	RegistryWrite = RetryPolicy{
		Name:       "registry-write",
		MaxRetries: 2,
		InitDelay:  50 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
)

// SnapshotResume returns the policy for resuming the engine state read.
func SnapshotResume(attempts int, interval time.Duration) RetryPolicy {
	cfg := FixedInterval(attempts, interval)
	return RetryPolicy{
		Name:       "snapshot-resume",
		MaxRetries: cfg.MaxRetries,
		InitDelay:  cfg.InitDelay,
		MaxDelay:   cfg.MaxDelay,
		Multiplier: cfg.Multiplier,
	}
}

// ToConfig converts a RetryPolicy to RetryConfig for use with Retry functions
func (p RetryPolicy) ToConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: p.MaxRetries,
		InitDelay:  p.InitDelay,
		MaxDelay:   p.MaxDelay,
		Multiplier: p.Multiplier,
		Jitter:     p.Jitter,
	}
}

// Execute runs a function with this retry policy
func (p RetryPolicy) Execute(ctx context.Context, fn RetryFunc) error {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !IsPermanentError(err)
		}
	}

	return RetryWithCheck(ctx, p.ToConfig(), fn, shouldRetry)
}

// RetryWithCheck executes with retry and a custom should-retry check
func RetryWithCheck(ctx context.Context, cfg RetryConfig, fn RetryFunc, shouldRetry func(error) bool) error {
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

		if !shouldRetry(err) {
			return err
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		delay := calculateDelay(cfg, attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}
