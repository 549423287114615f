package resiliency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit position: Closed admits calls, Open rejects them, and
// HalfOpen admits a trial call once the reset timeout has passed.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips open after threshold consecutive failures and starts
// re-admitting traffic one trial call at a time after the reset timeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	log          *slog.Logger
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        State
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		log:          slog.Default().With("breaker", name),
		threshold:    threshold,
		resetTimeout: timeout,
	}
}

// State reports the current circuit position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold && cb.state != StateOpen {
		cb.transition(StateOpen)
	}
}

// transition assumes cb.mu is held. Opening warns; recovery steps are info.
func (cb *CircuitBreaker) transition(next State) {
	level := slog.LevelInfo
	if next == StateOpen {
		level = slog.LevelWarn
	}
	cb.log.Log(context.Background(), level, "circuit state changed",
		"from", cb.state.String(), "to", next.String(), "failures", cb.failureCount)
	cb.state = next
}
