package domain

// ResourceDescriptor identifies a remote byte resource to transfer. The
// orchestrator supplies it; the transfer layer treats it as opaque beyond the
// URL and the expected validators.
type ResourceDescriptor struct {
	ResourceID    string `json:"resource_id"`
	VariantID     string `json:"variant_id,omitempty"`
	URL           string `json:"url"`
	ContentLength *int64 `json:"content_length,omitempty"`
	ETag          string `json:"etag,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
}
