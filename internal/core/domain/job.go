package domain

import "time"

// JobState is the durable record of one transfer job. It is created on the
// first attempt, rewritten at every checkpoint and deleted once the target
// file has been finalized.
type JobState struct {
	JobID          string    `json:"job_id"`
	ResourceID     string    `json:"resource_id"`
	VariantID      string    `json:"variant_id,omitempty"`
	TargetPath     string    `json:"target_path"`
	BytesCompleted int64     `json:"bytes_completed"`
	ContentLength  *int64    `json:"content_length,omitempty"`
	ETag           string    `json:"etag,omitempty"`
	LastModified   string    `json:"last_modified,omitempty"`
	Status         JobStatus `json:"status"`
	RetryCount     int       `json:"retry_count"`
	LastSuccessAt  time.Time `json:"last_success_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Incomplete reports whether the job still needs work after a restart.
func (s JobStatus) Incomplete() bool {
	return s == JobStatusPending || s == JobStatusInProgress
}
