package redis

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until the cooldown elapses
	StateHalfOpen              // one probe call allowed through
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

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after maxFailures consecutive failures and rejects
// calls for the cooldown period. The first call after the cooldown runs as
// a probe: success closes the breaker, failure reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	lastFailure time.Time

	// OnStateChange is called on every transition. Optional.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) <= cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return err
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failures = 0
	return nil
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
