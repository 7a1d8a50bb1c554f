// Package file implements the durable state store as one JSON document per
// record. Writes go to a temp file first and are renamed into place, so a
// crash never leaves a torn record behind.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/infra/storage"
)

// PartSuffix marks the partial output file of an in-flight transfer.
const PartSuffix = ".part"

// Config holds file store settings.
type Config struct {
	Dir         string        `yaml:"dir"`
	ArtifactTTL time.Duration `yaml:"artifact_ttl"`
}

// Store keeps job and artifact records under <dir>/jobs and <dir>/artifacts.
type Store struct {
	jobDir      string
	artifactDir string
	artifactTTL time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// New creates the state directories if needed.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = ".extractor_state"
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Store{
		jobDir:      filepath.Join(cfg.Dir, "jobs"),
		artifactDir: filepath.Join(cfg.Dir, "artifacts"),
		artifactTTL: cfg.ArtifactTTL,
		now:         time.Now,
		log:         log.With("component", "filestore"),
	}

	for _, dir := range []string{s.jobDir, s.artifactDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// PutJob writes a full job snapshot.
func (s *Store) PutJob(ctx context.Context, job *domain.JobState) error {
	return writeRecord(s.jobPath(job.JobID), job)
}

// GetJob reads a job by id. Absent records return (nil, nil).
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.JobState, error) {
	var job domain.JobState
	ok, err := readRecord(s.jobPath(jobID), &job)
	if err != nil || !ok {
		return nil, err
	}
	return &job, nil
}

// DeleteJob removes a job record. Idempotent.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	err := os.Remove(s.jobPath(jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// UpdateProgress loads the job, applies the checkpoint and rewrites it. An
// unknown job id is logged and ignored so a late checkpoint cannot fail a
// finished transfer.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, bytesCompleted int64, etag, lastModified string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		s.log.Warn("progress update for unknown job", "job_id", jobID)
		return nil
	}

	job.BytesCompleted = bytesCompleted
	job.LastSuccessAt = s.now().UTC()
	job.Status = domain.JobStatusInProgress
	if etag != "" {
		job.ETag = etag
	}
	if lastModified != "" {
		job.LastModified = lastModified
	}

	return s.PutJob(ctx, job)
}

// ListIncompleteJobs returns all jobs with status pending or in_progress.
func (s *Store) ListIncompleteJobs(ctx context.Context) ([]*domain.JobState, error) {
	entries, err := os.ReadDir(s.jobDir)
	if err != nil {
		return nil, fmt.Errorf("read job dir: %w", err)
	}

	var incomplete []*domain.JobState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		jobID := strings.TrimSuffix(entry.Name(), ".json")
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			s.log.Warn("skipping unreadable job record", "job_id", jobID, "error", err)
			continue
		}
		if job != nil && job.Status.Incomplete() {
			incomplete = append(incomplete, job)
		}
	}
	return incomplete, nil
}

// ResumeInfo returns the byte offset to resume from plus the validators last
// seen. The offset is the max of the persisted count and the actual partial
// file size, so an under-reported checkpoint or partially flushed file never
// rewinds progress.
func (s *Store) ResumeInfo(ctx context.Context, jobID, targetPath string) (storage.ResumePoint, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return storage.ResumePoint{}, err
	}
	if job == nil {
		return storage.ResumePoint{}, nil
	}

	rp := storage.ResumePoint{ETag: job.ETag, LastModified: job.LastModified}

	if info, err := os.Stat(targetPath + PartSuffix); err == nil {
		rp.Offset = info.Size()
		if job.BytesCompleted > rp.Offset {
			rp.Offset = job.BytesCompleted
		}
	}
	return rp, nil
}

// PutArtifact writes a full artifact snapshot.
func (s *Store) PutArtifact(ctx context.Context, rec *domain.ArtifactRecord) error {
	return writeRecord(s.artifactPath(rec.VersionID), rec)
}

// GetArtifact reads an artifact by version id. Expired records read as
// absent; the file stays on disk until cleanup.
func (s *Store) GetArtifact(ctx context.Context, versionID string) (*domain.ArtifactRecord, error) {
	var rec domain.ArtifactRecord
	ok, err := readRecord(s.artifactPath(versionID), &rec)
	if err != nil || !ok {
		return nil, err
	}

	if rec.Age(s.now()) > s.artifactTTL {
		s.log.Debug("artifact expired", "version_id", versionID)
		return nil, nil
	}
	return &rec, nil
}

// CleanupArtifacts removes artifact files older than maxAge seconds.
func (s *Store) CleanupArtifacts(ctx context.Context, maxAge int64) error {
	entries, err := os.ReadDir(s.artifactDir)
	if err != nil {
		return fmt.Errorf("read artifact dir: %w", err)
	}

	cutoff := s.now().Add(-time.Duration(maxAge) * time.Second)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.artifactDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.log.Warn("failed to remove stale artifact", "path", path, "error", err)
				continue
			}
			s.log.Debug("removed stale artifact", "path", path)
		}
	}
	return nil
}

func (s *Store) jobPath(jobID string) string {
	return filepath.Join(s.jobDir, jobID+".json")
}

func (s *Store) artifactPath(versionID string) string {
	return filepath.Join(s.artifactDir, versionID+".json")
}

// writeRecord marshals v and renames a temp file into place.
func writeRecord(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	return nil
}

// readRecord reports whether the record exists and unmarshals it when it does.
func readRecord(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode record %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
