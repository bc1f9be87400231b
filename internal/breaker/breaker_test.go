package breaker

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker() (*Breaker, *time.Time) {
	b := New(Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, HalfOpenMaxCalls: 3})
	current := time.Now()
	b.now = func() time.Time { return current }
	b.lastStateChange = current
	return b, &current
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 5", i+1)
		}
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should reject calls before recovery timeout")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	if b.FailureCount() != 0 {
		t.Fatalf("success in closed state should reset failures, got %d", b.FailureCount())
	}

	// The count starts over; four more failures do not open it
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after reset plus 4 failures, got %s", b.State())
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, current := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("open breaker should reject before the timeout")
	}

	*current = current.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should admit a trial call after the recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	// Two more trial calls are admitted, then the window is exhausted
	if !b.Allow() || !b.Allow() {
		t.Fatal("half-open should admit up to HalfOpenMaxCalls trials")
	}
	if b.Allow() {
		t.Error("half-open should reject beyond HalfOpenMaxCalls admissions")
	}
}

func TestBreakerClosesAfterTrialSuccesses(t *testing.T) {
	b, current := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	*current = current.Add(61 * time.Second)
	b.Allow()

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after 2 successes, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 3 trial successes, got %s", b.State())
	}
	if b.FailureCount() != 0 {
		t.Errorf("failure count should reset on entering closed, got %d", b.FailureCount())
	}
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	b, current := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	*current = current.Add(61 * time.Second)
	b.Allow()
	b.RecordSuccess()

	// One trial failure reopens regardless of prior trial successes
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after trial failure, got %s", b.State())
	}
	if b.Allow() {
		t.Error("reopened breaker should reject until the timeout elapses again")
	}
}

func TestBreakerCall(t *testing.T) {
	b, _ := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		if err := b.Call(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected wrapped call error, got %v", err)
		}
	}

	if err := b.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestRegistryForKey(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	a := r.ForKey("transient")
	if got := r.ForKey("transient"); got != a {
		t.Error("ForKey should return the same breaker for the same key")
	}

	a.RecordFailure()
	a.RecordFailure()

	states := r.States()
	if states["transient"] != StateOpen {
		t.Errorf("expected transient breaker open, got %s", states["transient"])
	}

	// Other keys are independent
	if r.ForKey("build_error").State() != StateClosed {
		t.Error("a different key's breaker should be unaffected")
	}
}
