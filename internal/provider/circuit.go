package provider

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("provider circuit breaker is open")

// CircuitBreaker guards a flapping provider process: repeated transport
// failures open the circuit so callers fail fast instead of respawning a
// broken adapter on every turn. After Timeout the breaker admits probe
// calls (half-open); enough successes close it again.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	onStateChange    func(from, to string)

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	lastStateChange time.Time
}

// NewCircuitBreaker builds a breaker with the given thresholds; zero values
// fall back to 5 failures, 2 successes, 30s open time.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration, onStateChange func(from, to string)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		onStateChange:    onStateChange,
		state:            CircuitClosed,
		lastStateChange:  time.Now(),
	}
}

// Allow reports whether a call may proceed, transitioning open -> half-open
// once the open window has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.timeout {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Record feeds a call outcome back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transitionTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transitionTo(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}
