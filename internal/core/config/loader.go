package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vdtri/extractor/internal/infra/resilience"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = 30 * time.Second
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = "state"
	}
	if cfg.Transfer.MaxConcurrent <= 0 {
		cfg.Transfer.MaxConcurrent = 4
	}

	fillBreaker(&cfg.Artifact.Breaker)
	fillBreaker(&cfg.Transfer.Breaker)
	fillRetry(&cfg.Artifact.Retry)
	fillRetry(&cfg.Transfer.Retry)
}

func fillBreaker(b *resilience.BreakerConfig) {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = resilience.DefaultBreakerConfig.FailureThreshold
	}
	if b.RecoveryTimeout == 0 {
		b.RecoveryTimeout = resilience.DefaultBreakerConfig.RecoveryTimeout
	}
	if b.RecoveryThreshold == 0 {
		b.RecoveryThreshold = resilience.DefaultBreakerConfig.RecoveryThreshold
	}
}

func fillRetry(r *resilience.RetryConfig) {
	if r.MaxRetries == 0 {
		r.MaxRetries = resilience.DefaultRetryConfig.MaxRetries
	}
	if r.BackoffBase == 0 {
		r.BackoffBase = resilience.DefaultRetryConfig.BackoffBase
	}
	if r.JitterMax == 0 {
		r.JitterMax = resilience.DefaultRetryConfig.JitterMax
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = resilience.DefaultRetryConfig.MaxDelay
	}
}
