package resilience

import (
	"sync"
	"time"

	"github.com/itskum47/scnms/monitor/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // One trial round allowed
	CircuitOpen                         // Rounds skipped
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

// CircuitBreaker gates polling rounds while the store keeps failing. After
// threshold consecutive failures it opens; after cooldown one trial round is
// let through and its result closes or re-opens the circuit.
type CircuitBreaker struct {
	mu sync.Mutex

	state     CircuitState
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	inTrial   bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether a round may run now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.setState(CircuitHalfOpen)
		cb.inTrial = false
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.inTrial {
			return false
		}
		cb.inTrial = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.inTrial = false
	cb.setState(CircuitClosed)
}

// RecordFailure counts a store failure; a failed trial re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		cb.inTrial = false
		cb.setState(CircuitOpen)
	}
}

// RecordNeutral ends an attempt that failed for a reason other than the store.
// The store answered, so a half-open circuit closes; a closed circuit keeps
// its failure count.
func (cb *CircuitBreaker) RecordNeutral() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.failures = 0
		cb.inTrial = false
		cb.setState(CircuitClosed)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.StoreCircuitState.Set(float64(stateGauge(s)))
}

func stateGauge(s CircuitState) int {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	}
	return 0
}
