package client

import (
	"testing"
	"time"
)

func TestCircuitBreaker(t *testing.T) {
	// Configure for fast testing: 3 failures, 100ms timeout
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	clock := time.Unix(0, 0)
	cb.now = func() time.Time { return clock }

	// Initial State: Closed
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Should allow requests in Closed state")
	}

	// Trigger Failures
	cb.Failure()
	cb.Failure()
	if cb.State() != StateClosed {
		t.Errorf("Should remain Closed after 2 failures")
	}

	cb.Failure()
	// Should trip now (3 failures)
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after 3 failures")
	}
	if cb.Allow() {
		t.Error("Should NOT allow requests in Open state")
	}

	// Advance past the timeout (Half-Open)
	clock = clock.Add(150 * time.Millisecond)

	if !cb.Allow() {
		t.Error("Should allow probe request after timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected HalfOpen state, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Should allow only one probe while Half-Open")
	}

	// Case A: Probe Fails -> Open again
	cb.Failure()
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after probe failure")
	}

	clock = clock.Add(150 * time.Millisecond)
	cb.Allow() // Trigger Half-Open

	// Case B: Probe Succeeds -> Closed
	cb.Success()
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state after probe success")
	}
	if cb.failures != 0 {
		t.Errorf("Failures should be reset")
	}
	if !cb.Allow() {
		t.Error("Should allow requests after closing")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
