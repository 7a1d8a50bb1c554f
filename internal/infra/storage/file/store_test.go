package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdtri/extractor/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir(), ArtifactTTL: time.Hour}, nil)
	require.NoError(t, err)
	return s
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &domain.JobState{
		JobID:      "job-1",
		ResourceID: "res-1",
		TargetPath: "/tmp/out.bin",
		Status:     domain.JobStatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.PutJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "res-1", got.ResourceID)
	assert.Equal(t, domain.JobStatusPending, got.Status)
}

func TestGetJobAbsentIsNotError(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteJobIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &domain.JobState{JobID: "j", Status: domain.JobStatusPending}))
	require.NoError(t, s.DeleteJob(ctx, "j"))
	require.NoError(t, s.DeleteJob(ctx, "j"))
}

func TestUpdateProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &domain.JobState{
		JobID:  "j",
		Status: domain.JobStatusPending,
	}))

	require.NoError(t, s.UpdateProgress(ctx, "j", 4096, `"etag-a"`, "Mon, 01 Jan 2024 00:00:00 GMT"))

	got, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.BytesCompleted)
	assert.Equal(t, `"etag-a"`, got.ETag)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
	assert.False(t, got.LastSuccessAt.IsZero())
}

func TestUpdateProgressUnknownJobIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateProgress(context.Background(), "ghost", 100, "", ""))
}

func TestListIncompleteJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, j := range []*domain.JobState{
		{JobID: "pending", Status: domain.JobStatusPending},
		{JobID: "running", Status: domain.JobStatusInProgress},
		{JobID: "done", Status: domain.JobStatusCompleted},
		{JobID: "failed", Status: domain.JobStatusFailed},
	} {
		require.NoError(t, s.PutJob(ctx, j))
	}

	got, err := s.ListIncompleteJobs(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, j := range got {
		ids[j.JobID] = true
	}
	assert.Equal(t, map[string]bool{"pending": true, "running": true}, ids)
}

func TestResumeInfoPrefersLargerOfStateAndFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "video.mp4")

	require.NoError(t, s.PutJob(ctx, &domain.JobState{
		JobID:          "j",
		BytesCompleted: 3000,
		ETag:           `"v1"`,
		Status:         domain.JobStatusInProgress,
	}))

	// Partial file larger than the persisted checkpoint.
	require.NoError(t, os.WriteFile(target+PartSuffix, make([]byte, 4096), 0o644))

	rp, err := s.ResumeInfo(ctx, "j", target)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), rp.Offset)
	assert.Equal(t, `"v1"`, rp.ETag)

	// Checkpoint ahead of a partially flushed file.
	require.NoError(t, s.UpdateProgress(ctx, "j", 8192, "", ""))
	rp, err = s.ResumeInfo(ctx, "j", target)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), rp.Offset)
}

func TestResumeInfoNoPartFileStartsFromZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJob(ctx, &domain.JobState{
		JobID:          "j",
		BytesCompleted: 3000,
		Status:         domain.JobStatusInProgress,
	}))

	rp, err := s.ResumeInfo(ctx, "j", filepath.Join(t.TempDir(), "missing.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), rp.Offset)
}

func TestArtifactTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &domain.ArtifactRecord{
		VersionID:        "abc123",
		SourceURL:        "https://example.com/player.js",
		SigningTimestamp: "19876",
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, s.PutArtifact(ctx, rec))

	got, err := s.GetArtifact(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "19876", got.SigningTimestamp)

	// Push the clock past the TTL; the record reads as absent.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	got, err = s.GetArtifact(ctx, "abc123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir, ArtifactTTL: time.Hour}, nil)
	require.NoError(t, err)

	require.NoError(t, s.PutJob(context.Background(), &domain.JobState{JobID: "j"}))

	entries, err := os.ReadDir(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "j.json", entries[0].Name())
}
