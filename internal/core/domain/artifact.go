package domain

import "time"

// ArtifactRecord is a versioned bundle of fields extracted from a remote
// script resource. VersionID is a content hash of the script body, so two
// URLs serving identical bytes share one record.
type ArtifactRecord struct {
	VersionID        string            `json:"version_id"`
	SourceURL        string            `json:"source_url"`
	SigningTimestamp string            `json:"signing_timestamp"`
	Fields           map[string]string `json:"fields,omitempty"`
	MethodVersion    string            `json:"method_version"`
	CreatedAt        time.Time         `json:"created_at"`
	LastValidatedAt  time.Time         `json:"last_validated_at"`
	FailureCount     int               `json:"failure_count"`
}

// Age returns how long ago the record was created.
func (a *ArtifactRecord) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}
