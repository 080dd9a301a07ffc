package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Writes flow through
	CircuitOpen                         // Too many consecutive failures, writes skipped
	CircuitHalfOpen                     // One probe write allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	Threshold  int           // Consecutive failures before opening
	ResetAfter time.Duration // Time to wait before probing
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:  5,
		ResetAfter: 30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu            sync.Mutex
	config        CircuitBreakerConfig
	state         CircuitState
	failures      int
	lastFailure   time.Time
	now           func() time.Time
	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCircuitBreakerConfig().Threshold
	}
	return &CircuitBreaker{
		config: cfg,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// OnStateChange sets a callback for state changes. The callback runs
// synchronously while the breaker lock is not held.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Execute runs fn through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, change := cb.admit()
	cb.notify(change)
	if !allowed {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.notify(cb.record(err))
	return err
}

type transition struct {
	from, to CircuitState
	fn       func(from, to CircuitState)
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t != nil && t.fn != nil {
		t.fn(t.from, t.to)
	}
}

func (cb *CircuitBreaker) admit() (bool, *transition) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true, nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.ResetAfter {
			return true, cb.setState(CircuitHalfOpen)
		}
	}
	return false, nil
}

func (cb *CircuitBreaker) record(err error) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			return cb.setState(CircuitClosed)
		}
		return nil
	}

	cb.lastFailure = cb.now()
	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.Threshold {
			return cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		return cb.setState(CircuitOpen)
	}
	return nil
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(newState CircuitState) *transition {
	if cb.state == newState {
		return nil
	}
	t := &transition{from: cb.state, to: newState, fn: cb.onStateChange}
	cb.state = newState
	return t
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.lastFailure = time.Time{}
	t := cb.setState(CircuitClosed)
	cb.mu.Unlock()
	cb.notify(t)
}

// BreakerSet hands out one breaker per key, e.g. per registry collection.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
	onChange func(key string, from, to CircuitState)
}

// NewBreakerSet creates an empty set using defaults for every new breaker.
func NewBreakerSet(defaults CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// OnStateChange registers a callback applied to every breaker in the set.
func (s *BreakerSet) OnStateChange(fn func(key string, from, to CircuitState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
	for key, cb := range s.breakers {
		s.wire(key, cb)
	}
}

func (s *BreakerSet) wire(key string, cb *CircuitBreaker) {
	fn := s.onChange
	if fn == nil {
		return
	}
	cb.OnStateChange(func(from, to CircuitState) { fn(key, from, to) })
}

// Get retrieves or creates the breaker for key.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(s.defaults)
	s.wire(key, cb)
	s.breakers[key] = cb
	return cb
}

// ResetAll resets all breakers.
func (s *BreakerSet) ResetAll() {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
