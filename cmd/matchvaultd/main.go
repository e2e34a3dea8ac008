// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package main is the entry point for the MatchVault daemon.
//
// MatchVault maintains a local, queryable history of every multiplayer
// match a group of tracked accounts has played. One shared registry
// database holds each real match exactly once; per-account databases
// hold the enrichment each account computes for its own games. The
// daemon wires those stores to the remote stat server and keeps them
// current.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered loading via Koanf v2 (defaults, optional
//     YAML file, environment variables)
//  2. Registry: the shared DuckDB match database
//  3. Account stores: one DuckDB file per tracked account
//  4. Stat client: HTTP client with retry, rate limiting, and a
//     circuit breaker
//  5. Migration: a one-shot pass folding any remaining legacy
//     single-account history into the registry
//  6. Supervisor tree: the periodic sync loop and the optional
//     Prometheus metrics listener under suture supervision
//
// # Configuration
//
// Configuration is loaded with layered sources (highest priority wins):
//   - Environment variables (MATCHVAULT_ prefix)
//   - Config file (matchvault.yaml)
//   - Built-in defaults
//
// Required settings:
//   - STATS_URL, STATS_API_KEY: the stat server endpoint and key
//   - DATABASE_REGISTRY_PATH: path of the shared registry database
//   - DATABASE_ACCOUNT_DIR: directory holding per-account databases
//   - ACCOUNTS_TRACKED: comma-separated tracked account ids
//
// # Signal Handling
//
// The daemon shuts down gracefully on SIGINT and SIGTERM: the sync
// loop finishes its current write batch, the metrics listener drains,
// and every database is checkpointed before close.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/migrate"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/registry"
	"github.com/kestrelworks/matchvault/internal/supervisor"
	"github.com/kestrelworks/matchvault/internal/sync"
	"github.com/kestrelworks/matchvault/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("stats_url", cfg.Stats.URL).
		Str("registry_path", cfg.Database.RegistryPath).
		Int("tracked_accounts", len(cfg.Accounts.Tracked)).
		Msg("Starting MatchVault")

	reg, err := registry.Open(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open registry")
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing registry")
		}
	}()

	stores := make([]*accountstore.Store, 0, len(cfg.Accounts.Tracked))
	defer func() {
		for _, s := range stores {
			if err := s.Close(); err != nil {
				logging.Error().Err(err).Str("account_id", s.AccountID()).Msg("Error closing account store")
			}
		}
	}()
	for _, accountID := range cfg.Accounts.Tracked {
		store, err := accountstore.Open(&cfg.Database, accountID)
		if err != nil {
			logging.Fatal().Err(err).Str("account_id", accountID).Msg("Failed to open account store")
		}
		stores = append(stores, store)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := telemetry.NewBreakerClient(telemetry.NewClient(&cfg.Stats), &cfg.Stats)
	if err := client.Ping(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to reach stat server (will retry)")
	} else {
		logging.Info().Msg("Connected to stat server")
	}

	manager := sync.NewManager(client, reg, cfg)

	// Fold any remaining legacy single-account history into the shared
	// registry before the first sync pass. The pass is re-runnable, so
	// a crash here just repeats some skips on the next start.
	migrator := migrate.New(reg)
	for _, store := range stores {
		count, err := store.LegacyMatchCount(ctx)
		if err != nil {
			logging.Fatal().Err(err).Str("account_id", store.AccountID()).Msg("Failed to inspect legacy tables")
		}
		if count == 0 {
			continue
		}
		result, err := migrator.MigrateAccount(ctx, store)
		if err != nil {
			logging.Fatal().Err(err).Str("account_id", store.AccountID()).Msg("Legacy migration failed")
		}
		if result.MatchesFailed > 0 {
			logging.Warn().
				Str("account_id", store.AccountID()).
				Int("failed", result.MatchesFailed).
				Msg("Legacy migration completed with failures")
		}
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	mode := models.SyncMode(cfg.Sync.Mode)
	tree.AddSyncService(supervisor.NewSyncService(manager, stores, cfg.Sync.Interval, mode))

	if cfg.Metrics.Enabled {
		tree.AddServingService(supervisor.NewMetricsService(cfg.Metrics.Listen, 10*time.Second))
		logging.Info().Str("listen", cfg.Metrics.Listen).Msg("Metrics listener enabled")
	}

	errCh := tree.ServeBackground(ctx)

	// Blocks until a shutdown signal cancels the context or the tree
	// dies on its own. Either way the deferred closes checkpoint the
	// databases afterwards.
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree stopped unexpectedly")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("unstopped", len(report)).Msg("Services did not stop within timeout")
	}

	logging.Info().Msg("MatchVault stopped")
}
