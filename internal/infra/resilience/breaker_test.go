package resilience

import (
	"testing"
	"time"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker("test", cfg)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if got := b.State(); got != StateClosed {
			t.Fatalf("after %d failures state = %v, want closed", i+1, got)
		}
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 5 failures state = %v, want open", got)
	}
}

func TestBreakerRecoveryTimeout(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 60 * time.Second})

	b.RecordFailure()
	if b.CanAttempt() {
		t.Fatal("CanAttempt() = true immediately after opening, want false")
	}

	*now = now.Add(59 * time.Second)
	if b.CanAttempt() {
		t.Fatal("CanAttempt() = true before recovery timeout, want false")
	}

	*now = now.Add(time.Second)
	if !b.CanAttempt() {
		t.Fatal("CanAttempt() = false after recovery timeout, want true")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after recovery probe = %v, want half_open", got)
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold:  1,
		RecoveryTimeout:   time.Second,
		RecoveryThreshold: 3,
	})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	if !b.CanAttempt() {
		t.Fatal("expected probe to be allowed")
	}

	// Two successes, still below the recovery threshold.
	b.RecordSuccess()
	b.RecordSuccess()
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}

	// Any failure reopens regardless of prior successes.
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after half-open failure = %v, want open", got)
	}
}

func TestBreakerClosesAfterRecoveryThreshold(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold:  1,
		RecoveryTimeout:   time.Second,
		RecoveryThreshold: 2,
	})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	b.CanAttempt()

	b.RecordSuccess()
	b.RecordSuccess()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	snap := b.Snapshot()
	if snap.FailureCount != 0 || snap.SuccessCount != 0 {
		t.Fatalf("counters not reset on close: %+v", snap)
	}
}

func TestBreakerClosedSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset failure count)", got)
	}
}
