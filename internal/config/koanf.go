// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/matchvault/config.yaml",
	"/etc/matchvault/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults load
// first and are overridden by the config file, then environment variables.
func defaultConfig() *Config {
	return &Config{
		Stats: StatsConfig{
			URL:                "",
			APIKey:             "",
			Timeout:            30 * time.Second,
			BreakerMinRequests: 10,
			BreakerTimeout:     2 * time.Minute,
		},
		Database: DatabaseConfig{
			RegistryPath: "/data/registry.duckdb",
			AccountDir:   "/data/accounts",
			MaxMemory:    "2GB",
			Threads:      0, // 0 = use runtime.NumCPU()
		},
		Sync: SyncConfig{
			Interval:        15 * time.Minute,
			Mode:            "incremental",
			MaxMatches:      1000,
			Parallelism:     4,
			RateLimit:       5, // calls/second
			CommitBatchSize: 50,
			RetryAttempts:   3,
			RetryDelay:      2 * time.Second,
			DeferScoring:    false,
			SessionGap:      30 * time.Minute,
		},
		Accounts: AccountsConfig{
			Tracked: nil,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9105",
		},
	}
}

// Load loads configuration using koanf with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// MATCHVAULT_STATS_API_KEY -> stats.api_key
	envProvider := env.Provider("MATCHVAULT_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches CONFIG_PATH and the default paths, returning the
// first existing file or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps MATCHVAULT_* environment variables to koanf paths.
//
// Examples:
//   - MATCHVAULT_STATS_URL          -> stats.url
//   - MATCHVAULT_STATS_API_KEY      -> stats.api_key
//   - MATCHVAULT_SYNC_RATE_LIMIT    -> sync.rate_limit
//   - MATCHVAULT_ACCOUNTS_TRACKED   -> accounts.tracked (comma-separated)
//   - MATCHVAULT_DATABASE_REGISTRY_PATH -> database.registry_path
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "MATCHVAULT_"))

	// The first underscore separates the section from the field; field names
	// keep their remaining underscores (sync_rate_limit -> sync.rate_limit).
	parts := strings.SplitN(key, "_", 2)
	if len(parts) != 2 {
		return key
	}
	return parts[0] + "." + parts[1]
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// supplied via environment variables.
var sliceConfigPaths = []string{
	"accounts.tracked",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings but the config expects
// slices; YAML-sourced slices pass through unchanged.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}
