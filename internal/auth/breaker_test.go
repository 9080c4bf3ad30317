package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerNew(t *testing.T) {
	cb := NewCircuitBreaker(5, 30)
	if cb == nil {
		t.Fatal("NewCircuitBreaker returned nil")
	}
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected initial state to be Closed, got %v", cb.State())
	}
}

func TestCircuitBreakerAllowWhileClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 1)
	if !cb.Allow() {
		t.Error("Expected Allow() to return true when circuit breaker is closed")
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected state to remain Closed after 2 failures, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitBreakerOpen {
		t.Errorf("Expected state to be Open after 3 failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Expected Allow() to return false while open")
	}
}

func TestCircuitBreakerOpenToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()
	if cb.State() != CircuitBreakerOpen {
		t.Fatalf("Expected state to be Open, got %v", cb.State())
	}

	time.Sleep(1100 * time.Millisecond)
	if !cb.Allow() {
		t.Error("Expected Allow() to return true after cooldown period (half-open)")
	}
	if cb.State() != CircuitBreakerHalfOpen {
		t.Errorf("Expected state to be HalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenToClosed(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()
	time.Sleep(1100 * time.Millisecond)
	cb.Allow()

	cb.RecordSuccess()
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected state to be Closed after success, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenToOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()
	time.Sleep(1100 * time.Millisecond)
	cb.Allow()

	cb.RecordFailure()
	if cb.State() != CircuitBreakerOpen {
		t.Errorf("Expected state to return to Open after half-open failure, got %v", cb.State())
	}
}

type flakyValidator struct {
	fail bool
}

func (v *flakyValidator) IsSessionActive(context.Context, string) (bool, error) {
	if v.fail {
		return false, errors.New("db down")
	}
	return true, nil
}

func TestGuardedValidatorFailsFastWhileOpen(t *testing.T) {
	inner := &flakyValidator{fail: true}
	guarded := NewGuardedSessionValidator(inner, 2, 30)
	ctx := context.Background()

	guarded.IsSessionActive(ctx, "alice")
	guarded.IsSessionActive(ctx, "alice")

	// Breaker is open now: the inner validator must not be called again.
	inner.fail = false
	if _, err := guarded.IsSessionActive(ctx, "alice"); err == nil {
		t.Error("Expected fail-fast error while circuit is open")
	}
}

func TestGuardedValidatorRecovers(t *testing.T) {
	inner := &flakyValidator{fail: true}
	guarded := NewGuardedSessionValidator(inner, 1, 1)
	ctx := context.Background()

	guarded.IsSessionActive(ctx, "alice")
	time.Sleep(1100 * time.Millisecond)

	inner.fail = false
	active, err := guarded.IsSessionActive(ctx, "alice")
	if err != nil {
		t.Fatalf("Expected half-open probe to succeed, got %v", err)
	}
	if !active {
		t.Error("Expected session to be active")
	}
	if guarded.breaker.State() != CircuitBreakerClosed {
		t.Errorf("Expected breaker to close after successful probe, got %v", guarded.breaker.State())
	}
}
