package redis

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if cb.CurrentState() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.CurrentState())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.CurrentState())
	}
	if err := cb.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen while open, got %v", err)
	}
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errFail })
	}
	if cb.CurrentState() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", cb.CurrentState())
	}
}

func TestBreakerProbeReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errFail })
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", cb.CurrentState())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateClosed {
		t.Fatalf("counter should have reset on success, got %v", cb.CurrentState())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(1, 50*time.Millisecond)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	cb.Execute(func() error { return errFail })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("expected [open], got %v", transitions)
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return nil })

	if len(transitions) != 3 || transitions[1] != StateHalfOpen || transitions[2] != StateClosed {
		t.Fatalf("expected [open half-open closed], got %v", transitions)
	}
}
