package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vdtri/extractor/internal/core/domain"
	"github.com/vdtri/extractor/internal/metrics"
)

// Config holds HTTP client settings.
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// Client wraps a tuned http.Client for document fetches and range-capable
// byte transfers. One instance is shared across components; the underlying
// transport pools connections.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// New creates a client with connection pooling suited for repeated calls
// against a small set of hosts.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: cfg.UserAgent,
	}
}

// FetchDocument fetches a full response body. Non-200 statuses become
// StatusError so the failure classifier can act on the code.
func (c *Client) FetchDocument(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	metrics.RequestLatency.WithLabelValues("fetch_document").Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.StatusError{Code: resp.StatusCode, Op: "fetch_document"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// OpenStream issues a GET for a byte resource, with a Range header when
// offset > 0. The caller owns the response body and the status decision; a
// resumed request must see 206 to keep its offset.
func (c *Client) OpenStream(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", url, err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
