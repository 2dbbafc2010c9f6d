// Package resilience guards outbound provider calls.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open)
// the enhancement coordinator places in front of each knowledge
// provider, so a dead endpoint stops burning retry budget on every ask.
// [ErrAllFailed] marks the exhaustion of the LLM failover chain.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the
// breaker refuses calls: the provider tripped it and the reset timeout
// has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrAllFailed marks the exhaustion of a failover chain: every member
// failed or had an open breaker. Callers classify it as a provider
// outage rather than a single bad call.
var ErrAllFailed = errors.New("all providers failed")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. All
	// probes succeeding closes the breaker; any failure reopens it.
	StateHalfOpen
)

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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages, usually the guarded
	// provider's name.
	Name string

	// MaxFailures is how many consecutive closed-state failures trip the
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing
	// again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state. Default 3.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state breaker pattern over an
// Execute closure.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu       sync.Mutex
	state    State
	fails    int       // consecutive failures while closed
	openedAt time.Time // last failure that opened or kept open
	probes   int       // calls admitted in the current half-open phase
}

// NewCircuitBreaker creates a breaker from cfg, filling zero fields with
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn when the breaker admits the call and feeds the outcome
// back into the state machine. While open it returns [ErrCircuitOpen]
// without calling fn; while half-open only the probe budget gets
// through.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it counts
// as a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		slog.Info("circuit breaker probing", "name", cb.name)
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			// Probe budget spent; earlier probes decide the outcome.
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle feeds one call outcome back into the state machine.
func (cb *CircuitBreaker) settle(probe bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case callErr != nil && probe:
		// One bad probe is enough evidence the provider is still down.
		cb.state = StateOpen
		cb.fails = cb.maxFailures
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker reopened", "name", cb.name)

	case callErr != nil:
		cb.fails++
		cb.openedAt = time.Now()
		if cb.state == StateClosed && cb.fails >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.fails)
		}

	case probe:
		if cb.state == StateHalfOpen && cb.probes >= cb.halfOpenMax {
			// Every probe in the budget succeeded.
			cb.state = StateClosed
			cb.fails = 0
			cb.probes = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}

	default:
		cb.fails = 0
	}
}

// State reports the breaker's mode. An open breaker whose reset timeout
// has elapsed reports half-open; the stored transition happens on the
// next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.fails = 0
	cb.probes = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
