// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package config defines MatchVault's configuration model and its layered
// loading (defaults, optional YAML file, environment variables) via koanf.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the MatchVault daemon and libraries.
type Config struct {
	Stats    StatsConfig    `koanf:"stats"`
	Database DatabaseConfig `koanf:"database"`
	Sync     SyncConfig     `koanf:"sync"`
	Accounts AccountsConfig `koanf:"accounts"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// StatsConfig configures access to the remote game-telemetry stat server.
type StatsConfig struct {
	URL     string        `koanf:"url" validate:"required,url"`
	APIKey  string        `koanf:"api_key" validate:"required,min=8"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`

	// Circuit breaker tuning.
	BreakerMinRequests uint32        `koanf:"breaker_min_requests"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// DatabaseConfig configures the shared registry and per-account stores.
type DatabaseConfig struct {
	// RegistryPath is the shared registry DuckDB file.
	RegistryPath string `koanf:"registry_path" validate:"required"`

	// AccountDir holds one DuckDB file per tracked account.
	AccountDir string `koanf:"account_dir" validate:"required"`

	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"` // 0 = runtime.NumCPU()
}

// SyncConfig holds the default sync-engine knobs. Per-run values may
// override these through models.SyncOptions.
type SyncConfig struct {
	Interval        time.Duration `koanf:"interval" validate:"min=1m"`
	Mode            string        `koanf:"mode" validate:"oneof=incremental full"`
	MaxMatches      int           `koanf:"max_matches" validate:"min=1"`
	Parallelism     int           `koanf:"parallelism" validate:"min=1,max=64"`
	RateLimit       float64       `koanf:"rate_limit" validate:"gt=0"` // calls/second
	CommitBatchSize int           `koanf:"commit_batch_size" validate:"min=1"`
	RetryAttempts   int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	RetryDelay      time.Duration `koanf:"retry_delay" validate:"min=100ms"`
	DeferScoring    bool          `koanf:"defer_scoring"`
	SessionGap      time.Duration `koanf:"session_gap" validate:"min=1m"`
}

// AccountsConfig lists the tracked accounts.
type AccountsConfig struct {
	// Tracked is the set of account ids whose history MatchVault maintains.
	Tracked []string `koanf:"tracked" validate:"required,min=1,dive,required"`
}

// LoggingConfig mirrors logging.Config for koanf loading.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// validate is the shared validator instance. go-playground/validator caches
// struct metadata, so a single instance is both safe and faster.
var validate = validator.New()

// Validate checks tag constraints plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	if c.Database.RegistryPath == c.Database.AccountDir {
		return fmt.Errorf("database.registry_path and database.account_dir must differ")
	}

	seen := make(map[string]bool, len(c.Accounts.Tracked))
	for _, id := range c.Accounts.Tracked {
		if seen[id] {
			return fmt.Errorf("accounts.tracked lists %q more than once", id)
		}
		seen[id] = true
	}

	// A commit batch larger than the full-sync cap would never flush early;
	// allowed, but a batch of zero would never flush at all.
	if c.Sync.CommitBatchSize > c.Sync.MaxMatches {
		return fmt.Errorf("sync.commit_batch_size (%d) exceeds sync.max_matches (%d)",
			c.Sync.CommitBatchSize, c.Sync.MaxMatches)
	}

	return nil
}

// IsTracked reports whether the given account id is in the tracked set.
func (c *Config) IsTracked(accountID string) bool {
	for _, id := range c.Accounts.Tracked {
		if id == accountID {
			return true
		}
	}
	return false
}
