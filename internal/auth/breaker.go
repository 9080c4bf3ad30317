package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState is the current state of a CircuitBreaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips open after a run of consecutive failures and lets a
// single probe through once the cooldown elapses.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
}

// NewCircuitBreaker returns a closed breaker that opens after threshold
// consecutive failures and cools down for cooldownSeconds.
func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		state:     CircuitBreakerClosed,
		threshold: threshold,
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses, then transitions to half-open and admits one
// probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitBreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure run.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitBreakerClosed
}

// RecordFailure counts a failure. In half-open a single failure reopens; in
// closed the breaker opens once the run reaches the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitBreakerHalfOpen {
		cb.state = CircuitBreakerOpen
		cb.openedAt = time.Now()
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = CircuitBreakerOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GuardedSessionValidator wraps a SessionValidator with a circuit breaker so
// a struggling session database cannot stall every new connection. While the
// breaker is open the validator fails fast with an error; the gateway
// already fails closed on validator errors.
type GuardedSessionValidator struct {
	inner   SessionValidator
	breaker *CircuitBreaker
}

func NewGuardedSessionValidator(inner SessionValidator, threshold, cooldownSeconds int) *GuardedSessionValidator {
	return &GuardedSessionValidator{
		inner:   inner,
		breaker: NewCircuitBreaker(threshold, cooldownSeconds),
	}
}

func (v *GuardedSessionValidator) IsSessionActive(ctx context.Context, userID string) (bool, error) {
	if !v.breaker.Allow() {
		return false, fmt.Errorf("session validator circuit open")
	}
	active, err := v.inner.IsSessionActive(ctx, userID)
	if err != nil {
		v.breaker.RecordFailure()
		if v.breaker.State() == CircuitBreakerOpen {
			slog.Warn("Session validator circuit opened", "error", err)
		}
		return false, err
	}
	v.breaker.RecordSuccess()
	return active, nil
}
