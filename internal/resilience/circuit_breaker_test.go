package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failing(ctx context.Context) error { return errors.New("store down") }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Hour})

	_ = cb.Execute(context.Background(), failing)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after one failure, got %s", cb.State())
	}
	_ = cb.Execute(context.Background(), failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after threshold, got %s", cb.State())
	}

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker should skip fn, err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Minute})
	now := time.Now()
	cb.now = func() time.Time { return now }

	var seen []CircuitState
	cb.OnStateChange(func(from, to CircuitState) { seen = append(seen, to) })

	_ = cb.Execute(context.Background(), failing)
	now = now.Add(2 * time.Minute)
	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("successful probe should close, got %s", cb.State())
	}

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestBreakerSet_PerKey(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Hour})

	var opened []string
	set.OnStateChange(func(key string, from, to CircuitState) {
		if to == CircuitOpen {
			opened = append(opened, key)
		}
	})

	_ = set.Get("work_units").Execute(context.Background(), failing)
	if set.Get("work_units") != set.Get("work_units") {
		t.Fatal("Get should return the same breaker for a key")
	}
	if set.Get("runs").State() != CircuitClosed {
		t.Error("unrelated key should stay closed")
	}
	if len(opened) != 1 || opened[0] != "work_units" {
		t.Errorf("opened = %v", opened)
	}

	set.ResetAll()
	if set.Get("work_units").State() != CircuitClosed {
		t.Error("ResetAll should close every breaker")
	}
}
