package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/metrics"
)

// Class determines how a failure is handled.
type Class int

const (
	ClassTerminal  Class = iota // permanent, surface immediately
	ClassRetryable              // transient, retry with backoff
)

// terminalStatusCodes are request errors that retrying cannot fix.
var terminalStatusCodes = map[int]bool{
	400: true, 401: true, 403: true, 404: true, 410: true,
}

// transientPatterns match transport failures worth retrying.
var transientPatterns = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"network unreachable",
}

// Classify determines whether an error is retryable. Status codes win over
// message matching; unmatched errors are terminal (fail closed).
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	var se *domain.StatusError
	if errors.As(err, &se) {
		if terminalStatusCodes[se.Code] {
			return ClassTerminal
		}
		if se.Code >= 500 && se.Code < 600 {
			return ClassRetryable
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassRetryable
		}
	}

	return ClassTerminal
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase float64       `yaml:"backoff_base"` // exponential base, delay = base^attempt seconds
	JitterMax   time.Duration `yaml:"jitter_max"`   // uniform jitter added to every backoff
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	BackoffBase: 2.0,
	JitterMax:   time.Second,
	MaxDelay:    60 * time.Second,
}

// Executor runs operations with backoff retry, optionally gated by a breaker.
// Attempts are sequential; the backoff sleep is the only suspension point per
// attempt.
type Executor struct {
	cfg     RetryConfig
	breaker *Breaker
	rand    func() float64 // uniform [0,1), swappable in tests
}

// NewExecutor creates an executor. breaker may be nil for ungated retries.
func NewExecutor(cfg RetryConfig, breaker *Breaker) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultRetryConfig.BackoffBase
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	return &Executor{cfg: cfg, breaker: breaker, rand: rand.Float64}
}

// Do executes op up to MaxRetries+1 times. A terminal classification or an
// open breaker stops immediately; transient failures back off and retry.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if e.breaker != nil && !e.breaker.CanAttempt() {
			metrics.BreakerRejections.WithLabelValues(e.breaker.Name()).Inc()
			return fmt.Errorf("%s: %w", name, domain.ErrBreakerOpen)
		}

		metrics.RetryAttempts.WithLabelValues(name).Inc()
		err := op(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err

		if e.breaker != nil {
			e.breaker.RecordFailure()
		}

		if Classify(err) == ClassTerminal {
			slog.Debug("terminal error, not retrying", "op", name, "error", err)
			return err
		}

		if attempt == e.cfg.MaxRetries {
			break
		}

		delay := e.backoff(attempt)
		slog.Debug("retrying after backoff",
			"op", name, "attempt", attempt+1, "max", e.cfg.MaxRetries, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s: retries exhausted after %d attempts: %w",
		name, e.cfg.MaxRetries+1, lastErr)
}

// backoff computes base^attempt seconds plus uniform jitter in [0, JitterMax).
func (e *Executor) backoff(attempt int) time.Duration {
	exp := math.Pow(e.cfg.BackoffBase, float64(attempt))
	delay := time.Duration(exp * float64(time.Second))
	delay += time.Duration(e.rand() * float64(e.cfg.JitterMax))
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	return delay
}
