package kernel

import (
	"sync"
	"time"
)

// CircuitState is one of a service circuit breaker's three states.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal dispatch
	CircuitHalfOpen                     // probing recovery
	CircuitOpen                         // shedding dispatch attempts
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// circuitBreaker protects a single registered service from repeated
// dispatch failures by shedding attempts once its failure streak crosses
// a threshold, then admitting a small probe sample after a cooldown.
type circuitBreaker struct {
	mu    sync.Mutex
	state CircuitState

	failureThreshold int
	cooldownPeriod   time.Duration
	probeLimit       int

	failureStreak int
	openedAt      time.Time
	probeCount    int
	probeSuccess  int
}

func newCircuitBreaker(failureThreshold int, cooldownPeriod time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldownPeriod,
		probeLimit:       5,
	}
}

// Allow reports whether a dispatch attempt should proceed.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.probeCount = 0
		cb.probeSuccess = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.probeCount >= cb.probeLimit {
			return false
		}
		cb.probeCount++
		return true
	default:
		return true
	}
}

// RecordSuccess registers a successful dispatch outcome.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureStreak = 0
	if cb.state != CircuitHalfOpen {
		return
	}
	cb.probeSuccess++
	if cb.probeSuccess >= cb.probeLimit {
		cb.state = CircuitClosed
	}
}

// RecordFailure registers a failed dispatch outcome.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.probeCount = 0
		cb.probeSuccess = 0
		return
	}

	cb.failureStreak++
	if cb.failureStreak >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the breaker's current state.
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
