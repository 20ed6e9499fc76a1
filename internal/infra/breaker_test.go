package infra

import (
	"testing"
	"time"
)

func TestBreakerAllowWhenClosed(t *testing.T) {
	b := NewBreaker("test", 3, 50*time.Millisecond)

	if !b.Allow() {
		t.Error("expected Allow() in CLOSED state")
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want CLOSED", b.State())
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatal("should still be CLOSED after 2 failures")
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN after 3 failures", b.State())
	}
	if b.Allow() {
		t.Error("expected Allow() = false in OPEN state")
	}
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	b := NewBreaker("test", 1, 30*time.Millisecond)

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected rejection right after opening")
	}

	time.Sleep(40 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", b.State())
	}

	// failed probe reopens
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN after failed probe", b.State())
	}

	time.Sleep(40 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want CLOSED after successful probe", b.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test", 2, time.Minute)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Error("non-consecutive failures must not open the breaker")
	}
}
