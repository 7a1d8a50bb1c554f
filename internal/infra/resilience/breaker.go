package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // Normal operation
	StateOpen                         // Failing, reject requests
	StateHalfOpen                     // Testing recovery
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`  // failures before opening
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`   // open duration before probing
	RecoveryThreshold int           `yaml:"recovery_threshold"` // successes to close from half-open
}

// DefaultBreakerConfig provides sensible defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold:  5,
	RecoveryTimeout:   60 * time.Second,
	RecoveryThreshold: 2,
}

// Breaker gates attempts against one logical resource. All state is owned by
// the instance and mutated only under its mutex.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewBreaker creates a closed breaker with the given thresholds.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig.RecoveryTimeout
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultBreakerConfig.RecoveryThreshold
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanAttempt reports whether a request should be attempted. An open breaker
// whose recovery timeout has elapsed transitions to half-open and allows a
// probe. Half-open allows concurrent probes.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.lastFailureTime.IsZero() ||
			b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.toHalfOpen()
			return true
		}
		return false
	default: // StateHalfOpen
		return true
	}
}

// RecordSuccess records a successful operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.RecoveryThreshold {
			b.toClosed()
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure records a failed operation. Any failure in half-open reopens
// immediately; reaching the threshold in closed opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	if b.state == StateHalfOpen {
		b.toOpen()
		return
	}
	if b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold {
		b.toOpen()
	}
}

// Snapshot returns counters for health reporting.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailureTime,
	}
}

// BreakerSnapshot is a point-in-time view of breaker state.
type BreakerSnapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.successCount = 0
	slog.Warn("circuit breaker opened", "breaker", b.name, "failures", b.failureCount)
}

func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.successCount = 0
	slog.Info("circuit breaker half-open, testing recovery", "breaker", b.name)
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	slog.Info("circuit breaker closed", "breaker", b.name)
}
