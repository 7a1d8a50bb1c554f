package config

import (
	"github.com/vdtri/extractor/internal/artifact"
	"github.com/vdtri/extractor/internal/infra/httpclient"
	"github.com/vdtri/extractor/internal/infra/redis"
	"github.com/vdtri/extractor/internal/infra/resilience"
	"github.com/vdtri/extractor/internal/infra/storage/file"
	"github.com/vdtri/extractor/internal/infra/storage/postgres"
	"github.com/vdtri/extractor/internal/transfer"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig      `yaml:"server"`
	Logging  LoggingConfig     `yaml:"logging"`
	HTTP     httpclient.Config `yaml:"http"`
	State    file.Config       `yaml:"state"`
	Database postgres.Config   `yaml:"database"`
	Redis    redis.Config      `yaml:"redis"`
	Artifact ArtifactConfig    `yaml:"artifact"`
	Transfer TransferConfig    `yaml:"transfer"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ArtifactConfig groups the artifact cache with its resilience settings. The
// cache talks to a different upstream surface than the transfer engine, so it
// gets its own breaker.
type ArtifactConfig struct {
	Cache   artifact.Config          `yaml:"cache"`
	Breaker resilience.BreakerConfig `yaml:"breaker"`
	Retry   resilience.RetryConfig   `yaml:"retry"`
}

// TransferConfig groups the transfer engine with its resilience settings.
type TransferConfig struct {
	Engine        transfer.Config          `yaml:"engine"`
	Breaker       resilience.BreakerConfig `yaml:"breaker"`
	Retry         resilience.RetryConfig   `yaml:"retry"`
	MaxConcurrent int64                    `yaml:"max_concurrent"` // parallel transfers
}
