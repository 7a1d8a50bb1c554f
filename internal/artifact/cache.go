// Package artifact maintains the version-correlated cache of signing
// artifacts extracted from the upstream script resource. Synchronization is
// two-tier: a memory map in front of the durable state store, keyed by a
// content hash of the script body.
package artifact

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/infra/storage"
	"github.com/vdtri/extractor/internal/metrics"
)

// methodVersion invalidates persisted artifacts when the extraction patterns
// change shape.
const methodVersion = "2.0"

// Fetcher is the subset of the HTTP client the cache needs.
type Fetcher interface {
	FetchDocument(ctx context.Context, url string) ([]byte, error)
}

// Runner executes a named operation with retry and breaker gating.
type Runner interface {
	Do(ctx context.Context, name string, op func(ctx context.Context) error) error
}

// Config holds artifact cache settings.
type Config struct {
	SourceURL  string        `yaml:"source_url"`  // document referencing the versioned script
	BaseURL    string        `yaml:"base_url"`    // prefix for relative script paths
	TTL        time.Duration `yaml:"ttl"`         // max age before a refresh
	Capacity   int           `yaml:"capacity"`    // memory entries before eviction
	MaxWorkers int           `yaml:"max_workers"` // CPU-bound extraction slots
}

// Cache owns the current artifact and the memory tier. One mutex guards all
// mutation; a synchronize holds it end to end, so readers either block behind
// it or see the previous complete record.
type Cache struct {
	cfg       Config
	fetcher   Fetcher
	extractor Extractor
	store     storage.ArtifactRepository
	exec      Runner
	pool      *workerPool
	now       func() time.Time
	log       *slog.Logger

	mu          sync.Mutex
	entries     map[string]*domain.ArtifactRecord
	current     *domain.ArtifactRecord
	lastRefresh time.Time
}

// New creates an artifact cache.
func New(cfg Config, fetcher Fetcher, extractor Extractor, store storage.ArtifactRepository, exec Runner, log *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		exec:      exec,
		pool:      newWorkerPool(cfg.MaxWorkers),
		now:       time.Now,
		log:       log.With("component", "artifact_cache"),
		entries:   make(map[string]*domain.ArtifactRecord),
	}
}

// Current returns the active artifact, synchronizing first when there is
// none, force is set, or the current one is older than the TTL.
func (c *Cache) Current(ctx context.Context, force bool) (*domain.ArtifactRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.current != nil && c.now().Sub(c.lastRefresh) <= c.cfg.TTL {
		return c.current, nil
	}
	return c.synchronizeLocked(ctx)
}

// Synchronize forces a refresh of the current artifact.
func (c *Cache) Synchronize(ctx context.Context) (*domain.ArtifactRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synchronizeLocked(ctx)
}

// Age reports how old the current artifact is, for health reporting. Returns
// false when no artifact has been loaded yet.
func (c *Cache) Age() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0, false
	}
	return c.now().Sub(c.lastRefresh), true
}

// synchronizeLocked runs the full refresh. Callers hold c.mu. Any failure
// falls back to the previous artifact when one exists.
func (c *Cache) synchronizeLocked(ctx context.Context) (*domain.ArtifactRecord, error) {
	rec, err := c.refresh(ctx)
	if err != nil {
		metrics.ArtifactSyncs.WithLabelValues("error").Inc()
		if c.current != nil {
			c.log.Warn("synchronize failed, falling back to previous artifact",
				"error", err, "version_id", c.current.VersionID)
			metrics.ArtifactSyncs.WithLabelValues("degraded_fallback").Inc()
			return c.current, nil
		}
		return nil, err
	}

	metrics.ArtifactSyncs.WithLabelValues("ok").Inc()
	c.current = rec
	c.lastRefresh = c.now()
	return rec, nil
}

func (c *Cache) refresh(ctx context.Context) (*domain.ArtifactRecord, error) {
	// 1. Fetch the source document.
	var doc []byte
	err := c.exec.Do(ctx, "fetch_source_document", func(ctx context.Context) error {
		var err error
		doc, err = c.fetcher.FetchDocument(ctx, c.cfg.SourceURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	// 2. Extract the versioned script reference. Absence is a hard error.
	scriptURL, err := c.extractor.ScriptURL(doc)
	if err != nil {
		return nil, err
	}

	// 3. Provisional version id from the URL alone; a hit skips the body
	// fetch entirely.
	urlID := hashMD5(scriptURL)
	if rec, err := c.lookup(ctx, urlID); err != nil {
		return nil, err
	} else if rec != nil {
		c.log.Info("artifact cache hit by url", "version_id", shortID(urlID))
		return rec, nil
	}

	// 4. Fetch the script body and compute the definitive content hash.
	var script []byte
	err = c.exec.Do(ctx, "fetch_script", func(ctx context.Context) error {
		var err error
		script, err = c.fetcher.FetchDocument(ctx, scriptURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	versionID := hashSHA256(script)
	if rec, err := c.lookup(ctx, versionID); err != nil {
		return nil, err
	} else if rec != nil {
		// URL changed but the content did not.
		c.log.Info("artifact cache hit by content", "version_id", shortID(versionID))
		return rec, nil
	}

	// 5/6. Extract fields on the bounded worker pool.
	var fields Fields
	err = c.pool.Do(ctx, func() error {
		var err error
		fields, err = c.extractor.Fields(script)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	rec := &domain.ArtifactRecord{
		VersionID:        versionID,
		SourceURL:        scriptURL,
		SigningTimestamp: fields.SigningTimestamp,
		Fields:           fields.Optional,
		MethodVersion:    methodVersion,
		CreatedAt:        now,
		LastValidatedAt:  now,
	}

	// 7. Memory tier first, then durable.
	c.insert(rec)
	if err := c.store.PutArtifact(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	c.log.Info("artifact synchronized",
		"version_id", shortID(versionID), "signing_timestamp", fields.SigningTimestamp)
	return rec, nil
}

// lookup checks the memory tier then the durable store. Disk hits are
// promoted into memory.
func (c *Cache) lookup(ctx context.Context, versionID string) (*domain.ArtifactRecord, error) {
	if rec, ok := c.entries[versionID]; ok {
		if rec.Age(c.now()) <= c.cfg.TTL {
			metrics.ArtifactCacheHits.WithLabelValues("memory").Inc()
			return rec, nil
		}
		delete(c.entries, versionID)
	}

	rec, err := c.store.GetArtifact(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("artifact lookup: %w", err)
	}
	if rec != nil {
		metrics.ArtifactCacheHits.WithLabelValues("disk").Inc()
		c.insert(rec)
	}
	return rec, nil
}

// insert adds a record to the memory tier, evicting the least recently
// created entry when over capacity.
func (c *Cache) insert(rec *domain.ArtifactRecord) {
	c.entries[rec.VersionID] = rec

	for len(c.entries) > c.cfg.Capacity {
		var oldestID string
		var oldestAt time.Time
		for id, r := range c.entries {
			if oldestID == "" || r.CreatedAt.Before(oldestAt) {
				oldestID = id
				oldestAt = r.CreatedAt
			}
		}
		delete(c.entries, oldestID)
		c.log.Debug("evicted artifact from memory cache", "version_id", shortID(oldestID))
	}
}

func hashMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
