package storage

import (
	"context"

	"github.com/vdtri/extractor/internal/core/domain"
)

// JobRepository persists transfer job records. Unknown ids read as nil, not
// errors; deletes are idempotent.
type JobRepository interface {
	// PutJob writes a full job snapshot.
	PutJob(ctx context.Context, job *domain.JobState) error

	// GetJob reads a job by id. Returns (nil, nil) when absent.
	GetJob(ctx context.Context, jobID string) (*domain.JobState, error)

	// DeleteJob removes a job record. No-op when absent.
	DeleteJob(ctx context.Context, jobID string) error

	// UpdateProgress records checkpoint progress and the latest validators,
	// marking the job in_progress. Unknown id is a logged no-op.
	UpdateProgress(ctx context.Context, jobID string, bytesCompleted int64, etag, lastModified string) error

	// ListIncompleteJobs returns jobs with status pending or in_progress.
	ListIncompleteJobs(ctx context.Context) ([]*domain.JobState, error)

	// ResumeInfo computes the resume offset for a job: the max of persisted
	// progress and the on-disk size of the partial output for targetPath.
	ResumeInfo(ctx context.Context, jobID, targetPath string) (ResumePoint, error)
}

// ArtifactRepository persists extracted artifact records keyed by version id.
type ArtifactRepository interface {
	// PutArtifact writes a full artifact snapshot.
	PutArtifact(ctx context.Context, rec *domain.ArtifactRecord) error

	// GetArtifact reads an artifact by version id. Records older than the
	// store's TTL read as absent even if still present on disk.
	GetArtifact(ctx context.Context, versionID string) (*domain.ArtifactRecord, error)

	// CleanupArtifacts removes artifact records older than maxAge.
	CleanupArtifacts(ctx context.Context, maxAge int64) error
}

// Store is the durable state surface consumed by the transfer engine and the
// artifact cache.
type Store interface {
	JobRepository
	ArtifactRepository
}

// ResumePoint carries everything needed to resume a transfer.
type ResumePoint struct {
	Offset       int64
	ETag         string
	LastModified string
}
