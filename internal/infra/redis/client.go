// Package redis provides the pending-transfer queue. Enqueued jobs survive a
// crash of the worker process; a per-job lock keeps a job from being picked
// up twice while a transfer is in flight.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vdtri/extractor/internal/core/domain"
)

// Client wraps Redis operations for the transfer intake pipeline.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// QueuedJob is the payload stored per queue entry.
type QueuedJob struct {
	JobID      string                    `json:"job_id"`
	Resource   domain.ResourceDescriptor `json:"resource"`
	TargetPath string                    `json:"target_path"`
	EnqueuedAt time.Time                 `json:"enqueued_at"`
}

const queueKey = "transfer_jobs:pending"

func lockKey(jobID string) string {
	return fmt.Sprintf("transfer_jobs:lock:%s", jobID)
}

func progressKey(jobID string) string {
	return fmt.Sprintf("transfer_jobs:progress:%s", jobID)
}

// Enqueue adds a transfer job to the queue, ordered by enqueue time.
func (c *Client) Enqueue(ctx context.Context, job QueuedJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal queued job: %w", err)
	}

	z := redis.Z{Score: float64(job.EnqueuedAt.UnixNano()), Member: string(payload)}
	if err := c.rdb.ZAdd(ctx, queueKey, z).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Dequeue pops the oldest pending job. found is false when the queue is empty.
func (c *Client) Dequeue(ctx context.Context) (job QueuedJob, found bool, err error) {
	results, err := c.rdb.ZRangeWithScores(ctx, queueKey, 0, 0).Result()
	if err != nil {
		return QueuedJob{}, false, fmt.Errorf("zrange failed: %w", err)
	}
	if len(results) == 0 {
		return QueuedJob{}, false, nil
	}

	member := results[0].Member.(string)
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		// Drop the malformed entry so it cannot wedge the queue.
		_ = c.rdb.ZRem(ctx, queueKey, member).Err()
		return QueuedJob{}, false, fmt.Errorf("invalid queue entry: %w", err)
	}

	if err := c.rdb.ZRem(ctx, queueKey, member).Err(); err != nil {
		return QueuedJob{}, false, fmt.Errorf("zrem failed: %w", err)
	}
	return job, true, nil
}

// PendingCount returns the number of queued jobs.
func (c *Client) PendingCount(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, queueKey).Result()
}

// AcquireLock attempts to acquire the processing lock for a job.
func (c *Client) AcquireLock(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(jobID), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases the processing lock for a job.
func (c *Client) ReleaseLock(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, lockKey(jobID)).Err()
}

// RefreshLock extends the TTL of a processing lock.
func (c *Client) RefreshLock(ctx context.Context, jobID string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, lockKey(jobID), ttl).Err()
}

// SetProgress mirrors the latest byte count for dashboards. The durable
// checkpoint lives in the state store; this is advisory only.
func (c *Client) SetProgress(ctx context.Context, jobID string, bytesCompleted int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, progressKey(jobID), strconv.FormatInt(bytesCompleted, 10), ttl).Err()
}

// GetProgress reads the mirrored byte count. Returns 0 when absent.
func (c *Client) GetProgress(ctx context.Context, jobID string) (int64, error) {
	val, err := c.rdb.Get(ctx, progressKey(jobID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get failed: %w", err)
	}
	return strconv.ParseInt(val, 10, 64)
}

// ClearProgress removes the progress mirror for a job.
func (c *Client) ClearProgress(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, progressKey(jobID)).Err()
}
