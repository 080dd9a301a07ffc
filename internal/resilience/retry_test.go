package resilience

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestRetry_EventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAndReturnsLastError(t *testing.T) {
	cfg := FixedInterval(3, time.Millisecond)
	want := errors.New("still missing")

	calls := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if calls != 3 {
		t.Errorf("FixedInterval(3) should make 3 calls, got %d", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), FixedInterval(10, time.Millisecond), func(ctx context.Context) error {
		calls++
		return NewPermanentError(errors.New("schema version 7 unsupported"))
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and an error, got calls=%d err=%v", calls, err)
	}
}

func TestRetry_TransientOverridesNotExist(t *testing.T) {
	_, statErr := os.Stat("/definitely/not/here")
	if !IsPermanentError(statErr) {
		t.Fatalf("bare ENOENT should classify as permanent")
	}

	calls := 0
	_ = Retry(context.Background(), FixedInterval(4, time.Millisecond), func(ctx context.Context) error {
		calls++
		return NewTransientError(statErr)
	})
	if calls != 4 {
		t.Errorf("wrapped ENOENT should be retried, got %d calls", calls)
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithCallback(ctx, FixedInterval(100, time.Hour), func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	}, func(attempt int, err error, next time.Duration) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call before cancellation, got %d", calls)
	}
}

func TestRetryWithCallback_ReportsAttempts(t *testing.T) {
	var attempts []int
	_ = RetryWithCallback(context.Background(), FixedInterval(3, time.Millisecond), func(ctx context.Context) error {
		return errors.New("fail")
	}, func(attempt int, err error, next time.Duration) {
		attempts = append(attempts, attempt)
		if next != time.Millisecond {
			t.Errorf("fixed interval delay = %v", next)
		}
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected callback attempts %v", attempts)
	}
}

func TestCalculateDelay(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RetryConfig
		attempt int
		want    time.Duration
	}{
		{"fixed", FixedInterval(5, 5*time.Second), 3, 5 * time.Second},
		{"exponential", RetryConfig{InitDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 2}, 2, 400 * time.Millisecond},
		{"capped", RetryConfig{InitDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}, 5, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateDelay(tt.cfg, tt.attempt); got != tt.want {
				t.Errorf("calculateDelay = %v, want %v", got, tt.want)
			}
		})
	}
}
