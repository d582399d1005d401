package client

import (
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops forwarding after consecutive failures and probes
// again once the timeout has passed. It is thread-safe.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker.
// maxFailures: Number of consecutive failures before opening the circuit.
// timeout: Duration to wait before attempting to half-open the circuit.
func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Allow reports whether a request may proceed. While half-open a single
// probe is let through until it reports Success or Failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// Success records a successful operation.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// Failure records a failed operation.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.probing = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// Release gives back a probe slot without recording an outcome.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state != s {
		breakerTransitions.WithLabelValues(s.String()).Inc()
	}
	cb.state = s
}
