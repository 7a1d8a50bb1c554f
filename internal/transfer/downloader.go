// Package transfer implements the resumable, checkpointed byte-transfer
// engine. A transfer survives process crashes: progress is checkpointed to
// the state store every few chunks and the partial output carries a .part
// suffix until an atomic rename finalizes it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/infra/storage"
	"github.com/vdtri/extractor/internal/infra/storage/file"
	"github.com/vdtri/extractor/internal/metrics"
)

// StreamClient opens a byte stream, with a Range header when offset > 0.
type StreamClient interface {
	OpenStream(ctx context.Context, url string, offset int64) (*http.Response, error)
}

// Runner executes a named operation with retry and breaker gating.
type Runner interface {
	Do(ctx context.Context, name string, op func(ctx context.Context) error) error
}

// Config holds transfer engine settings.
type Config struct {
	ChunkSize       int64 `yaml:"chunk_size"`       // bytes per read, default 1 MiB
	CheckpointEvery int   `yaml:"checkpoint_every"` // chunks between checkpoints, default 10
}

// Downloader moves bytes for one job at a time per call. The partial output
// file of a job is exclusively owned by the running transfer; callers must
// not run two transfers with the same job id concurrently.
type Downloader struct {
	cfg    Config
	client StreamClient
	store  storage.Store
	exec   Runner
	now    func() time.Time
	log    *slog.Logger
}

// New creates a transfer engine.
func New(cfg Config, client StreamClient, store storage.Store, exec Runner, log *slog.Logger) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{
		cfg:    cfg,
		client: client,
		store:  store,
		exec:   exec,
		now:    time.Now,
		log:    log.With("component", "transfer"),
	}
}

// Transfer downloads the resource into targetPath, resuming from the last
// checkpoint when one exists, and returns the final path. A failure leaves a
// resumable JobState and a valid partial file behind.
func (d *Downloader) Transfer(ctx context.Context, jobID string, res domain.ResourceDescriptor, targetPath string) (string, error) {
	if res.URL == "" {
		return "", &domain.TransferError{JobID: jobID, ResourceID: res.ResourceID,
			Err: errors.New("resource URL not available")}
	}

	job, err := d.loadOrCreateJob(ctx, jobID, res, targetPath)
	if err != nil {
		return "", &domain.TransferError{JobID: jobID, ResourceID: res.ResourceID, Err: err}
	}

	partPath := targetPath + file.PartSuffix
	log := d.log.With("job_id", jobID, "resource_id", res.ResourceID)

	err = d.exec.Do(ctx, "transfer_"+res.ResourceID, func(ctx context.Context) error {
		return d.runAttempt(ctx, log, jobID, res, targetPath, partPath)
	})
	if err != nil {
		d.recordFailure(ctx, log, job)
		return "", &domain.TransferError{JobID: jobID, ResourceID: res.ResourceID, Err: err}
	}

	finalPath, err := d.finalize(ctx, jobID, partPath, targetPath)
	if err != nil {
		d.recordFailure(ctx, log, job)
		return "", &domain.TransferError{JobID: jobID, ResourceID: res.ResourceID, Err: err}
	}

	log.Info("transfer completed", "path", finalPath)
	return finalPath, nil
}

func (d *Downloader) loadOrCreateJob(ctx context.Context, jobID string, res domain.ResourceDescriptor, targetPath string) (*domain.JobState, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		return job, nil
	}

	now := d.now().UTC()
	job = &domain.JobState{
		JobID:         jobID,
		ResourceID:    res.ResourceID,
		VariantID:     res.VariantID,
		TargetPath:    targetPath,
		ContentLength: res.ContentLength,
		ETag:          res.ETag,
		LastModified:  res.LastModified,
		Status:        domain.JobStatusPending,
		LastSuccessAt: now,
		CreatedAt:     now,
	}
	if err := d.store.PutJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// runAttempt performs one full byte move. The resume point is recomputed per
// attempt so a retry continues from whatever the previous attempt managed to
// checkpoint.
func (d *Downloader) runAttempt(ctx context.Context, log *slog.Logger, jobID string, res domain.ResourceDescriptor, targetPath, partPath string) error {
	rp, err := d.store.ResumeInfo(ctx, jobID, targetPath)
	if err != nil {
		return err
	}
	offset := rp.Offset

	if offset > 0 {
		log.Info("resuming transfer", "offset", offset)
		metrics.TransferResumes.Inc()
	}

	resp, err := d.client.OpenStream(ctx, res.URL, offset)
	if err != nil {
		return err
	}

	if offset > 0 {
		switch resp.StatusCode {
		case http.StatusPartialContent:
			// expected
		case http.StatusOK:
			// The server ignored the range. Restarting silently would hide
			// broken resume support, so fail the attempt instead.
			resp.Body.Close()
			return fmt.Errorf("resumed request at offset %d returned full response", offset)
		default:
			code := resp.StatusCode
			resp.Body.Close()
			return &domain.StatusError{Code: code, Op: "range_request"}
		}
	} else if resp.StatusCode != http.StatusOK {
		code := resp.StatusCode
		resp.Body.Close()
		return &domain.StatusError{Code: code, Op: "transfer_request"}
	}

	// Validator mismatch means the resource changed underneath the job:
	// discard the offset and restart from zero within this same attempt.
	if offset > 0 && validatorChanged(rp, resp) {
		resp.Body.Close()
		log.Warn("validator mismatch, restarting from zero",
			"expected_etag", rp.ETag, "got_etag", resp.Header.Get("ETag"))

		offset = 0
		resp, err = d.client.OpenStream(ctx, res.URL, 0)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			code := resp.StatusCode
			resp.Body.Close()
			return &domain.StatusError{Code: code, Op: "transfer_request"}
		}
	}
	defer resp.Body.Close()

	return d.writeStream(ctx, log, jobID, resp, partPath, offset)
}

// writeStream drains the response body into the partial file, checkpointing
// every CheckpointEvery chunks. A shutdown signal finishes the in-flight
// chunk before giving up.
func (d *Downloader) writeStream(ctx context.Context, log *slog.Logger, jobID string, resp *http.Response, partPath string, offset int64) error {
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open partial output: %w", err)
	}
	defer out.Close()

	etag := resp.Header.Get("ETag")
	lastModified := resp.Header.Get("Last-Modified")

	bytesWritten := offset
	chunkCount := 0
	buf := make([]byte, d.cfg.ChunkSize)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			bytesWritten += int64(n)
			chunkCount++
			metrics.BytesTransferred.WithLabelValues(jobID).Add(float64(n))

			if chunkCount%d.cfg.CheckpointEvery == 0 {
				if err := d.checkpoint(ctx, jobID, bytesWritten, etag, lastModified); err != nil {
					return err
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read chunk: %w", readErr)
		}

		// Chunk boundary is the drain point for graceful shutdown.
		if err := ctx.Err(); err != nil {
			d.checkpointBestEffort(log, jobID, bytesWritten, etag, lastModified)
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync partial output: %w", err)
	}

	// Final checkpoint so the record matches the bytes on disk exactly.
	return d.checkpoint(ctx, jobID, bytesWritten, etag, lastModified)
}

func (d *Downloader) checkpoint(ctx context.Context, jobID string, bytesCompleted int64, etag, lastModified string) error {
	if err := d.store.UpdateProgress(ctx, jobID, bytesCompleted, etag, lastModified); err != nil {
		return fmt.Errorf("checkpoint progress: %w", err)
	}
	metrics.Checkpoints.WithLabelValues(jobID).Inc()
	return nil
}

// checkpointBestEffort saves progress during shutdown, where the parent
// context is already cancelled.
func (d *Downloader) checkpointBestEffort(log *slog.Logger, jobID string, bytesCompleted int64, etag, lastModified string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.checkpoint(ctx, jobID, bytesCompleted, etag, lastModified); err != nil {
		log.Warn("failed to checkpoint during shutdown", "error", err)
	}
}

// finalize renames the partial file over targetPath and retires the job
// record, writing the completion snapshot first.
func (d *Downloader) finalize(ctx context.Context, jobID, partPath, targetPath string) (string, error) {
	info, err := os.Stat(partPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("partial output missing: %s", partPath)
	}
	if err != nil {
		return "", err
	}

	if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("remove stale target: %w", err)
	}
	if err := os.Rename(partPath, targetPath); err != nil {
		return "", fmt.Errorf("finalize output: %w", err)
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job != nil {
		job.Status = domain.JobStatusCompleted
		job.BytesCompleted = info.Size()
		job.LastSuccessAt = d.now().UTC()
		if err := d.store.PutJob(ctx, job); err != nil {
			return "", err
		}
	}

	if err := d.store.DeleteJob(ctx, jobID); err != nil {
		return "", err
	}
	return targetPath, nil
}

// recordFailure bumps the retry counter but keeps the job resumable: the
// next Transfer call with the same id continues from the last checkpoint.
func (d *Downloader) recordFailure(ctx context.Context, log *slog.Logger, job *domain.JobState) {
	current, err := d.store.GetJob(ctx, job.JobID)
	if err != nil || current == nil {
		return
	}
	current.RetryCount++
	if err := d.store.PutJob(ctx, current); err != nil {
		log.Warn("failed to persist retry count", "error", err)
	}
}

func validatorChanged(rp storage.ResumePoint, resp *http.Response) bool {
	if etag := resp.Header.Get("ETag"); rp.ETag != "" && etag != "" {
		return rp.ETag != etag
	}
	if lm := resp.Header.Get("Last-Modified"); rp.LastModified != "" && lm != "" {
		return rp.LastModified != lm
	}
	return false
}
