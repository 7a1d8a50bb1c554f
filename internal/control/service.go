// Package control wires the extraction client together and manages its
// lifecycle: storage selection, breaker-gated executors, the artifact cache,
// the transfer engine, the intake queue and the health server.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vdtri/extractor/internal/artifact"
	"github.com/vdtri/extractor/internal/core/config"
	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/health"
	"github.com/vdtri/extractor/internal/infra/httpclient"
	redisclient "github.com/vdtri/extractor/internal/infra/redis"
	"github.com/vdtri/extractor/internal/infra/resilience"
	"github.com/vdtri/extractor/internal/infra/storage"
	"github.com/vdtri/extractor/internal/infra/storage/file"
	"github.com/vdtri/extractor/internal/infra/storage/postgres"
	"github.com/vdtri/extractor/internal/metrics"
	"github.com/vdtri/extractor/internal/transfer"
)

const (
	intakePollInterval = time.Second
	jobLockTTL         = 5 * time.Minute
)

// Config holds the application configuration.
type Config struct {
	Port     int
	HTTP     httpclient.Config
	State    file.Config
	Database postgres.Config
	Redis    redisclient.Config
	Artifact config.ArtifactConfig
	Transfer config.TransferConfig
}

// Service is the main application struct that owns all components.
type Service struct {
	cfg          Config
	store        storage.Store
	db           *postgres.DB
	redisClient  *redisclient.Client
	cache        *artifact.Cache
	downloader   *transfer.Downloader
	healthServer *health.Server
	limiter      *semaphore.Weighted
	log          *slog.Logger

	cancelLoops context.CancelFunc
	wg          sync.WaitGroup
}

// NewService creates a Service with all dependencies initialized.
func NewService(cfg Config) (*Service, error) {
	log := slog.Default()

	// 1. Storage. Postgres when a database URL is configured, otherwise the
	// file-per-record store.
	var store storage.Store
	var db *postgres.DB
	var probes = make(map[string]health.Prober)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate("migrations"); err != nil {
			return nil, err
		}
		store = postgres.NewStore(db, cfg.State.ArtifactTTL, log)
		probes["database"] = db
		slog.Info("Using PostgreSQL storage")
	} else {
		fileStore, err := file.New(cfg.State, log)
		if err != nil {
			return nil, fmt.Errorf("failed to init file store: %w", err)
		}
		store = fileStore
		slog.Info("Using file storage", "dir", cfg.State.Dir)
	}

	// 2. Shared HTTP client.
	client := httpclient.New(cfg.HTTP)

	// 3. Breaker-gated executors. The artifact cache and the transfer engine
	// talk to different upstream surfaces, so each gets its own breaker.
	artifactBreaker := resilience.NewBreaker("artifact", cfg.Artifact.Breaker)
	transferBreaker := resilience.NewBreaker("transfer", cfg.Transfer.Breaker)
	artifactExec := resilience.NewExecutor(cfg.Artifact.Retry, artifactBreaker)
	transferExec := resilience.NewExecutor(cfg.Transfer.Retry, transferBreaker)

	// 4. Optional Redis intake queue.
	var redisClient *redisclient.Client
	var queue health.QueueStats
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, intake queue disabled", "error", err)
		} else {
			queue = redisClient
			slog.Info("Intake queue enabled")
		}
	}

	// 5. Artifact cache and transfer engine. With Redis available, transfer
	// checkpoints are mirrored there for dashboards.
	extractor := artifact.NewRegexExtractor(cfg.Artifact.Cache.BaseURL, log)
	cache := artifact.New(cfg.Artifact.Cache, client, extractor, store, artifactExec, log)

	transferStore := store
	if redisClient != nil {
		transferStore = &mirrorStore{Store: store, redis: redisClient}
	}
	downloader := transfer.New(cfg.Transfer.Engine, client, transferStore, transferExec, log)

	// 6. Health monitor and server.
	monitor := health.NewMonitor(
		[]*resilience.Breaker{artifactBreaker, transferBreaker},
		cache,
		probes,
		queue,
		2*cfg.Artifact.Cache.TTL,
	)
	healthServer := health.NewServer(monitor, cfg.Port)

	maxConcurrent := cfg.Transfer.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	return &Service{
		cfg:          cfg,
		store:        store,
		db:           db,
		redisClient:  redisClient,
		cache:        cache,
		downloader:   downloader,
		healthServer: healthServer,
		limiter:      semaphore.NewWeighted(maxConcurrent),
		log:          log,
	}, nil
}

// Start starts the health server, re-queues interrupted jobs and begins
// draining the intake queue.
func (s *Service) Start(ctx context.Context) error {
	go func() {
		if err := s.healthServer.Start(); err != nil {
			s.log.Error("Health server failed", "error", err)
		}
	}()

	if err := s.recoverInterrupted(ctx); err != nil {
		s.log.Warn("Startup recovery pass failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoops = cancel

	s.wg.Add(1)
	go s.runCleanup(loopCtx)

	if s.redisClient != nil {
		s.wg.Add(1)
		go s.runIntake(loopCtx)
	}

	return nil
}

// Stop drains in-flight transfers and shuts everything down. In-flight
// transfers checkpoint at the next chunk boundary once their context is
// cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping extractor...")

	if s.cancelLoops != nil {
		s.cancelLoops()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Shutdown timeout, transfers left at last checkpoint")
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}

	return s.healthServer.Stop(ctx)
}

// Artifact returns the current signing artifact, refreshing when stale or
// when force is set.
func (s *Service) Artifact(ctx context.Context, force bool) (*domain.ArtifactRecord, error) {
	return s.cache.Current(ctx, force)
}

// Submit queues a transfer when the intake queue is available, otherwise it
// runs the transfer inline. Returns the job id.
func (s *Service) Submit(ctx context.Context, res domain.ResourceDescriptor, targetPath string) (string, error) {
	jobID := uuid.NewString()

	if s.redisClient != nil {
		err := s.redisClient.Enqueue(ctx, redisclient.QueuedJob{
			JobID:      jobID,
			Resource:   res,
			TargetPath: targetPath,
		})
		if err != nil {
			return "", err
		}
		s.log.Info("Transfer queued", "job_id", jobID, "resource_id", res.ResourceID)
		return jobID, nil
	}

	if _, err := s.Run(ctx, jobID, res, targetPath); err != nil {
		return jobID, err
	}
	return jobID, nil
}

// Run executes one transfer under the concurrency limiter.
func (s *Service) Run(ctx context.Context, jobID string, res domain.ResourceDescriptor, targetPath string) (string, error) {
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.limiter.Release(1)

	metrics.ActiveTransfers.Inc()
	defer metrics.ActiveTransfers.Dec()

	return s.downloader.Transfer(ctx, jobID, res, targetPath)
}

// recoverInterrupted reports jobs left incomplete by a previous run. The
// state store does not keep resource URLs, which expire, so interrupted jobs
// wait for a Submit with the same job id and a fresh URL; the transfer then
// resumes from the last checkpoint. Entries still sitting in the Redis queue
// survive a crash on their own.
func (s *Service) recoverInterrupted(ctx context.Context) error {
	jobs, err := s.store.ListIncompleteJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	s.log.Info("Found interrupted jobs", "count", len(jobs))

	for _, job := range jobs {
		bytesCompleted := job.BytesCompleted
		if s.redisClient != nil {
			// The mirror may be ahead of the last durable checkpoint.
			if mirrored, err := s.redisClient.GetProgress(ctx, job.JobID); err == nil && mirrored > bytesCompleted {
				bytesCompleted = mirrored
			}
		}
		s.log.Info("Interrupted job awaiting resubmission",
			"job_id", job.JobID,
			"resource_id", job.ResourceID,
			"bytes_completed", bytesCompleted)
	}
	return nil
}

// runCleanup periodically retires artifact records old enough that no lookup
// could still return them.
func (s *Service) runCleanup(ctx context.Context) {
	defer s.wg.Done()

	ttl := s.cfg.Artifact.Cache.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxAge := int64((2 * ttl).Seconds())

	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.CleanupArtifacts(ctx, maxAge); err != nil {
				s.log.Warn("Artifact cleanup failed", "error", err)
			}
		}
	}
}

// runIntake polls the queue and dispatches transfers. Each job is guarded by
// a short-lived lock so a second process draining the same queue skips it.
func (s *Service) runIntake(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(intakePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainQueue(ctx)
		}
	}
}

func (s *Service) drainQueue(ctx context.Context) {
	for {
		job, found, err := s.redisClient.Dequeue(ctx)
		if err != nil {
			s.log.Warn("Failed to dequeue job", "error", err)
			return
		}
		if !found {
			return
		}

		locked, err := s.redisClient.AcquireLock(ctx, job.JobID, jobLockTTL)
		if err != nil || !locked {
			continue
		}

		s.wg.Add(1)
		go func(job redisclient.QueuedJob) {
			defer s.wg.Done()
			defer func() {
				if err := s.redisClient.ReleaseLock(context.Background(), job.JobID); err != nil {
					s.log.Warn("Failed to release job lock", "job_id", job.JobID, "error", err)
				}
			}()

			// Keep the lock alive for transfers that outlive the TTL.
			refreshCtx, stopRefresh := context.WithCancel(ctx)
			defer stopRefresh()
			go s.refreshLock(refreshCtx, job.JobID)

			if _, err := s.Run(ctx, job.JobID, job.Resource, job.TargetPath); err != nil {
				s.log.Error("Transfer failed", "job_id", job.JobID, "error", err)
			}
		}(job)
	}
}

// mirrorStore copies durable checkpoints into the Redis progress mirror.
// The state store stays authoritative; mirror failures are ignored.
type mirrorStore struct {
	storage.Store
	redis *redisclient.Client
}

func (m *mirrorStore) UpdateProgress(ctx context.Context, jobID string, bytesCompleted int64, etag, lastModified string) error {
	if err := m.Store.UpdateProgress(ctx, jobID, bytesCompleted, etag, lastModified); err != nil {
		return err
	}
	_ = m.redis.SetProgress(ctx, jobID, bytesCompleted, time.Hour)
	return nil
}

func (m *mirrorStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := m.Store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	_ = m.redis.ClearProgress(ctx, jobID)
	return nil
}

func (s *Service) refreshLock(ctx context.Context, jobID string) {
	ticker := time.NewTicker(jobLockTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.redisClient.RefreshLock(ctx, jobID, jobLockTTL); err != nil {
				s.log.Warn("Failed to refresh job lock", "job_id", jobID, "error", err)
			}
		}
	}
}
