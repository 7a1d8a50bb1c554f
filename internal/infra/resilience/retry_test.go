package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vdtri/extractor/internal/core/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect Class
	}{
		{"status 400", &domain.StatusError{Code: 400, Op: "get"}, ClassTerminal},
		{"status 401", &domain.StatusError{Code: 401, Op: "get"}, ClassTerminal},
		{"status 403", &domain.StatusError{Code: 403, Op: "get"}, ClassTerminal},
		{"status 404", &domain.StatusError{Code: 404, Op: "get"}, ClassTerminal},
		{"status 410", &domain.StatusError{Code: 410, Op: "get"}, ClassTerminal},
		{"status 500", &domain.StatusError{Code: 500, Op: "get"}, ClassRetryable},
		{"status 503", &domain.StatusError{Code: 503, Op: "get"}, ClassRetryable},
		{"status 599", &domain.StatusError{Code: 599, Op: "get"}, ClassRetryable},
		{"timeout", errors.New("request timeout"), ClassRetryable},
		{"reset", errors.New("read: connection reset by peer"), ClassRetryable},
		{"refused", errors.New("dial tcp: connection refused"), ClassRetryable},
		{"unreachable", errors.New("network unreachable"), ClassRetryable},
		{"unknown", errors.New("something odd happened"), ClassTerminal},
		{"wrapped status", &domain.TransferError{JobID: "j", Err: &domain.StatusError{Code: 502, Op: "get"}}, ClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expect {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expect)
			}
		})
	}
}

func TestExecutorNeverExceedsAttemptBudget(t *testing.T) {
	exec := NewExecutor(RetryConfig{MaxRetries: 3, BackoffBase: 1, JitterMax: 1}, nil)
	exec.rand = func() float64 { return 0 }

	calls := 0
	err := exec.Do(context.Background(), "always-fails", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Fatalf("op invoked %d times, want maxRetries+1 = 4", calls)
	}
}

func TestExecutorTerminalStopsImmediately(t *testing.T) {
	exec := NewExecutor(RetryConfig{MaxRetries: 3, BackoffBase: 1}, nil)

	calls := 0
	err := exec.Do(context.Background(), "not-found", func(ctx context.Context) error {
		calls++
		return &domain.StatusError{Code: 404, Op: "get"}
	})

	var se *domain.StatusError
	if !errors.As(err, &se) || se.Code != 404 {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("op invoked %d times for terminal error, want 1", calls)
	}
}

func TestExecutorOpenBreakerFailsFast(t *testing.T) {
	b := NewBreaker("gate", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.RecordFailure()

	exec := NewExecutor(RetryConfig{MaxRetries: 3}, b)
	calls := 0
	err := exec.Do(context.Background(), "gated", func(ctx context.Context) error {
		calls++
		return nil
	})

	if !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("op invoked %d times with open breaker, want 0", calls)
	}
}

func TestExecutorRecordsBreakerOutcomes(t *testing.T) {
	b := NewBreaker("record", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	exec := NewExecutor(RetryConfig{MaxRetries: 0}, b)

	_ = exec.Do(context.Background(), "fail", func(ctx context.Context) error {
		return errors.New("timeout")
	})
	if snap := b.Snapshot(); snap.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", snap.FailureCount)
	}

	_ = exec.Do(context.Background(), "ok", func(ctx context.Context) error {
		return nil
	})
	if snap := b.Snapshot(); snap.FailureCount != 0 {
		t.Fatalf("failure count after success = %d, want 0", snap.FailureCount)
	}
}

func TestBackoffBounds(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, BackoffBase: 2, JitterMax: time.Second, MaxDelay: time.Hour}

	for _, r := range []float64{0, 0.5, 0.999} {
		exec := NewExecutor(cfg, nil)
		exec.rand = func() float64 { return r }

		for attempt := 0; attempt <= 4; attempt++ {
			got := exec.backoff(attempt)
			lo := time.Duration(float64(time.Second) * pow2(attempt))
			hi := lo + time.Second
			if got < lo || got >= hi {
				t.Errorf("backoff(attempt=%d, jitter=%.3f) = %v, want [%v, %v)", attempt, r, got, lo, hi)
			}
		}
	}
}

func pow2(k int) float64 {
	v := 1.0
	for i := 0; i < k; i++ {
		v *= 2
	}
	return v
}

func TestExecutorContextCancelDuringBackoff(t *testing.T) {
	exec := NewExecutor(RetryConfig{MaxRetries: 2, BackoffBase: 2, JitterMax: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		// Cancel while the executor is sleeping between attempts.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := exec.Do(ctx, "cancelled", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("op invoked %d times, want 1 before cancellation", calls)
	}
}
