// Package resilience keeps chat requests flowing when completion endpoints
// fail.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open)
// tracking one endpoint. [FailoverFetcher] is a chat.Fetcher that keeps a
// breaker per endpoint and moves a request past endpoints that are down.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] while the breaker
// rejects requests.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; every request is admitted.
	StateClosed State = iota

	// StateOpen rejects requests until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a single probe. Its success closes the breaker and
	// its failure opens it again.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [CircuitBreaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages, usually the endpoint URL.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting a
	// probe. Default: 30s.
	ResetTimeout time.Duration

	// Logger receives state transitions. Default: [slog.Default].
	Logger *slog.Logger
}

// CircuitBreaker tracks the health of one endpoint.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		log:          cfg.Logger,
		now:          time.Now,
	}
}

// Allow admits a request or returns [ErrCircuitOpen]. Every admitted request
// must be followed by exactly one call to [CircuitBreaker.Record] or
// [CircuitBreaker.Abandon].
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		cb.log.Info("circuit breaker half-open, probing", "name", cb.name)
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

// Record reports the outcome of an admitted request.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probing = false
		if ok {
			cb.state = StateClosed
			cb.failures = 0
			cb.log.Info("circuit breaker closed after successful probe", "name", cb.name)
			return
		}
		cb.trip()
		cb.log.Warn("circuit breaker re-opened by failed probe", "name", cb.name)
		return
	}

	if ok {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.trip()
		cb.log.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
	}
}

// Abandon releases an admitted request without judging the endpoint, for
// requests cancelled by the caller.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next
// [CircuitBreaker.Allow].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.log.Info("circuit breaker manually reset", "name", cb.name)
}
