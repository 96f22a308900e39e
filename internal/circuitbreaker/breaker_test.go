package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_UnknownKeyClosed(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow("fiscal") {
		t.Fatal("unknown key should be allowed")
	}
	if b.State("fiscal") != StateClosed {
		t.Fatal("unknown key should report closed")
	}
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("fiscal")
	b.RecordFailure("fiscal")
	if b.State("fiscal") != StateClosed {
		t.Fatal("should still be closed below threshold")
	}

	b.RecordFailure("fiscal")
	if b.State("fiscal") != StateOpen {
		t.Fatal("should be open at threshold")
	}
	if b.Allow("fiscal") {
		t.Fatal("open circuit should reject")
	}
}

func TestHalfOpenProbeAndRecovery(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("paygate")
	if b.State("paygate") != StateOpen {
		t.Fatal("should be open")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("paygate") {
		t.Fatal("should allow one probe after openDuration")
	}
	if b.State("paygate") != StateHalfOpen {
		t.Fatal("should be half-open during probe")
	}
	if b.Allow("paygate") {
		t.Fatal("second request during probe should be rejected")
	}

	b.RecordSuccess("paygate")
	if b.State("paygate") != StateClosed {
		t.Fatal("successful probe should close the circuit")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("fiscal")
	time.Sleep(15 * time.Millisecond)
	_ = b.Allow("fiscal") // move to half-open
	b.RecordFailure("fiscal")
	if b.State("fiscal") != StateOpen {
		t.Fatal("failed probe should reopen the circuit")
	}
}

func TestCall(t *testing.T) {
	b := New(1, time.Minute)

	sentinel := errors.New("gateway down")
	if err := b.Call("fiscal", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if err := b.Call("fiscal", func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("fiscal")
	if !b.Allow("paygate") {
		t.Fatal("failure on one key must not trip another")
	}
}
