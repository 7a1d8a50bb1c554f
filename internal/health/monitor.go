// Package health exposes liveness and dependency status over HTTP.
package health

import (
	"context"
	"time"

	"github.com/vdtri/extractor/internal/infra/resilience"
)

// Status classifies the overall condition of the service.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// ArtifactSource reports the age of the active signing artifact.
type ArtifactSource interface {
	Age() (time.Duration, bool)
}

// Prober verifies connectivity to a backing dependency.
type Prober interface {
	Health(ctx context.Context) error
}

// QueueStats reports the depth of the pending-transfer queue.
type QueueStats interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Report is the detailed health payload.
type Report struct {
	Status      Status                       `json:"status"`
	Breakers    []resilience.BreakerSnapshot `json:"breakers"`
	ArtifactAge string                       `json:"artifact_age,omitempty"`
	PendingJobs *int64                       `json:"pending_jobs,omitempty"`
	Checks      map[string]string            `json:"checks,omitempty"`
}

// Monitor aggregates health signals from the breakers and the backing
// stores. Probes and the queue are optional; nil means not configured.
type Monitor struct {
	breakers []*resilience.Breaker
	artifact ArtifactSource
	probes   map[string]Prober
	queue    QueueStats
	maxAge   time.Duration
}

// NewMonitor creates a health monitor. maxAge is how old the signing
// artifact may grow before the service reports degraded.
func NewMonitor(breakers []*resilience.Breaker, artifact ArtifactSource, probes map[string]Prober, queue QueueStats, maxAge time.Duration) *Monitor {
	return &Monitor{
		breakers: breakers,
		artifact: artifact,
		probes:   probes,
		queue:    queue,
		maxAge:   maxAge,
	}
}

// CheckHealth builds a point-in-time report. A failed store probe is
// critical; an open breaker or a stale artifact is degraded.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	report := Report{
		Status: StatusHealthy,
		Checks: make(map[string]string),
	}

	for _, b := range m.breakers {
		snap := b.Snapshot()
		report.Breakers = append(report.Breakers, snap)
		if snap.State == resilience.StateOpen.String() {
			report.Status = StatusDegraded
		}
	}

	if m.artifact != nil {
		if age, ok := m.artifact.Age(); ok {
			report.ArtifactAge = age.Round(time.Second).String()
			if m.maxAge > 0 && age > m.maxAge {
				report.Status = StatusDegraded
			}
		} else {
			report.Checks["artifact"] = "not loaded"
		}
	}

	for name, p := range m.probes {
		if err := p.Health(ctx); err != nil {
			report.Checks[name] = err.Error()
			report.Status = StatusCritical
		} else {
			report.Checks[name] = "ok"
		}
	}

	if m.queue != nil {
		if n, err := m.queue.PendingCount(ctx); err == nil {
			report.PendingJobs = &n
		} else {
			report.Checks["queue"] = err.Error()
		}
	}

	return report
}
