// Package config loads the demonstration CLI's settings from the
// environment, per SPEC_FULL.md's ambient-stack config section.
//
// Grounded on the teacher's internal/config package: a flat envconfig
// struct with defaults and a required field, plus a SlogLevel helper,
// retargeted from the seedbox downloader's client credentials to the
// engine's own run parameters.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the demonstration harness's environment-derived settings.
type Config struct {
	ManifestPath string `envconfig:"MANIFEST_PATH" required:"true"`
	DownloadRoot string `envconfig:"DOWNLOAD_ROOT" required:"true"`
	StatePath    string `envconfig:"STATE_PATH" default:"bulkfetch_state.json"`

	MaxConcurrency  int           `envconfig:"MAX_CONCURRENCY" default:"50"`
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"20"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BackoffBase     time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffCap      time.Duration `envconfig:"BACKOFF_CAP" default:"30s"`
	ResumeThreshold int64         `envconfig:"RESUME_THRESHOLD_BYTES" default:"2097152"`
	VerifyWorkers   int           `envconfig:"VERIFY_WORKERS" default:"0"`
	PruneRemoved    bool          `envconfig:"PRUNE_REMOVED" default:"false"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"false"`
		BindAddress string `split_words:"true" default:"0.0.0.0:9091"`
	}
}

// Load reads environment variables and populates a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to Info for an
// unrecognized value.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
