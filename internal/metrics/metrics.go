package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttempts tracks operation attempts per named operation
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_retry_attempts_total",
			Help: "Total number of operation attempts",
		},
		[]string{"op"},
	)

	// BreakerRejections tracks fail-fast rejections per breaker
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_breaker_rejections_total",
			Help: "Total number of attempts rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// BytesTransferred tracks bytes written per job
	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_transfer_bytes_total",
			Help: "Total bytes written by the transfer engine",
		},
		[]string{"job"},
	)

	// Checkpoints tracks durable progress checkpoints per job
	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_transfer_checkpoints_total",
			Help: "Total progress checkpoints written",
		},
		[]string{"job"},
	)

	// TransferResumes tracks resumed transfers
	TransferResumes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "extractor_transfer_resumes_total",
			Help: "Total transfers resumed from a non-zero offset",
		},
	)

	// ArtifactSyncs tracks artifact cache synchronizations by outcome
	ArtifactSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_artifact_syncs_total",
			Help: "Total artifact synchronize runs",
		},
		[]string{"outcome"},
	)

	// ArtifactCacheHits tracks cache hits by tier
	ArtifactCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_artifact_cache_hits_total",
			Help: "Total artifact cache hits",
		},
		[]string{"tier"},
	)

	// ActiveTransfers tracks transfers currently holding a limiter slot
	ActiveTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "extractor_active_transfers",
			Help: "Number of transfers currently in flight",
		},
	)

	// RequestLatency tracks upstream request latency
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extractor_request_latency_seconds",
			Help:    "Upstream request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)
