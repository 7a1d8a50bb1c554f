// Package postgres implements the state store on PostgreSQL for deployments
// that already run a database. Record semantics match the file store: full
// snapshot writes, absent reads as nil, TTL-filtered artifact lookups.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/infra/storage"
	"github.com/vdtri/extractor/internal/infra/storage/file"
)

// Store implements storage.Store on a PostgreSQL database.
type Store struct {
	db          *DB
	artifactTTL time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewStore creates a PostgreSQL-backed store.
func NewStore(db *DB, artifactTTL time.Duration, log *slog.Logger) *Store {
	if artifactTTL <= 0 {
		artifactTTL = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:          db,
		artifactTTL: artifactTTL,
		now:         time.Now,
		log:         log.With("component", "pgstore"),
	}
}

type jobRow struct {
	JobID          string         `db:"job_id"`
	ResourceID     string         `db:"resource_id"`
	VariantID      sql.NullString `db:"variant_id"`
	TargetPath     string         `db:"target_path"`
	BytesCompleted int64          `db:"bytes_completed"`
	ContentLength  sql.NullInt64  `db:"content_length"`
	ETag           sql.NullString `db:"etag"`
	LastModified   sql.NullString `db:"last_modified"`
	Status         string         `db:"status"`
	RetryCount     int            `db:"retry_count"`
	LastSuccessAt  time.Time      `db:"last_success_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r jobRow) toDomain() *domain.JobState {
	job := &domain.JobState{
		JobID:          r.JobID,
		ResourceID:     r.ResourceID,
		VariantID:      r.VariantID.String,
		TargetPath:     r.TargetPath,
		BytesCompleted: r.BytesCompleted,
		ETag:           r.ETag.String,
		LastModified:   r.LastModified.String,
		Status:         domain.JobStatus(r.Status),
		RetryCount:     r.RetryCount,
		LastSuccessAt:  r.LastSuccessAt,
		CreatedAt:      r.CreatedAt,
	}
	if r.ContentLength.Valid {
		v := r.ContentLength.Int64
		job.ContentLength = &v
	}
	return job
}

// PutJob upserts a full job snapshot.
func (s *Store) PutJob(ctx context.Context, job *domain.JobState) error {
	var contentLength sql.NullInt64
	if job.ContentLength != nil {
		contentLength = sql.NullInt64{Int64: *job.ContentLength, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, resource_id, variant_id, target_path, bytes_completed,
			content_length, etag, last_modified, status, retry_count, last_success_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO UPDATE SET
			resource_id = EXCLUDED.resource_id,
			variant_id = EXCLUDED.variant_id,
			target_path = EXCLUDED.target_path,
			bytes_completed = EXCLUDED.bytes_completed,
			content_length = EXCLUDED.content_length,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			last_success_at = EXCLUDED.last_success_at`,
		job.JobID, job.ResourceID, nullString(job.VariantID), job.TargetPath,
		job.BytesCompleted, contentLength, nullString(job.ETag), nullString(job.LastModified),
		string(job.Status), job.RetryCount, job.LastSuccessAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob reads a job by id. Returns (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.JobState, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// DeleteJob removes a job record. Idempotent.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// UpdateProgress records a checkpoint. Unknown id is a logged no-op.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, bytesCompleted int64, etag, lastModified string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			bytes_completed = $2,
			etag = COALESCE(NULLIF($3, ''), etag),
			last_modified = COALESCE(NULLIF($4, ''), last_modified),
			status = $5,
			last_success_at = $6
		WHERE job_id = $1`,
		jobID, bytesCompleted, etag, lastModified,
		string(domain.JobStatusInProgress), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("progress update for unknown job", "job_id", jobID)
	}
	return nil
}

// ListIncompleteJobs returns jobs with status pending or in_progress.
func (s *Store) ListIncompleteJobs(ctx context.Context) ([]*domain.JobState, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM jobs WHERE status IN ($1, $2) ORDER BY created_at`,
		string(domain.JobStatusPending), string(domain.JobStatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete jobs: %w", err)
	}

	jobs := make([]*domain.JobState, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toDomain())
	}
	return jobs, nil
}

// ResumeInfo computes the resume offset as the max of persisted progress and
// the on-disk partial output size.
func (s *Store) ResumeInfo(ctx context.Context, jobID, targetPath string) (storage.ResumePoint, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return storage.ResumePoint{}, err
	}
	if job == nil {
		return storage.ResumePoint{}, nil
	}

	rp := storage.ResumePoint{ETag: job.ETag, LastModified: job.LastModified}
	if info, err := os.Stat(targetPath + file.PartSuffix); err == nil {
		rp.Offset = info.Size()
		if job.BytesCompleted > rp.Offset {
			rp.Offset = job.BytesCompleted
		}
	}
	return rp, nil
}

type artifactRow struct {
	VersionID        string         `db:"version_id"`
	SourceURL        string         `db:"source_url"`
	SigningTimestamp string         `db:"signing_timestamp"`
	Fields           []byte         `db:"fields"`
	MethodVersion    sql.NullString `db:"method_version"`
	CreatedAt        time.Time      `db:"created_at"`
	LastValidatedAt  time.Time      `db:"last_validated_at"`
	FailureCount     int            `db:"failure_count"`
}

// PutArtifact upserts a full artifact snapshot.
func (s *Store) PutArtifact(ctx context.Context, rec *domain.ArtifactRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal artifact fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (version_id, source_url, signing_timestamp, fields,
			method_version, created_at, last_validated_at, failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (version_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			last_validated_at = EXCLUDED.last_validated_at,
			failure_count = EXCLUDED.failure_count`,
		rec.VersionID, rec.SourceURL, rec.SigningTimestamp, fields,
		nullString(rec.MethodVersion), rec.CreatedAt, rec.LastValidatedAt, rec.FailureCount)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

// GetArtifact reads an artifact by version id, applying the TTL.
func (s *Store) GetArtifact(ctx context.Context, versionID string) (*domain.ArtifactRecord, error) {
	var row artifactRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM artifacts WHERE version_id = $1`, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	rec := &domain.ArtifactRecord{
		VersionID:        row.VersionID,
		SourceURL:        row.SourceURL,
		SigningTimestamp: row.SigningTimestamp,
		MethodVersion:    row.MethodVersion.String,
		CreatedAt:        row.CreatedAt,
		LastValidatedAt:  row.LastValidatedAt,
		FailureCount:     row.FailureCount,
	}
	if len(row.Fields) > 0 {
		if err := json.Unmarshal(row.Fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode artifact fields: %w", err)
		}
	}

	if rec.Age(s.now()) > s.artifactTTL {
		s.log.Debug("artifact expired", "version_id", versionID)
		return nil, nil
	}
	return rec, nil
}

// CleanupArtifacts removes artifact rows older than maxAge seconds.
func (s *Store) CleanupArtifacts(ctx context.Context, maxAge int64) error {
	cutoff := s.now().Add(-time.Duration(maxAge) * time.Second)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE created_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup artifacts: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
