// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package accountstore implements the per-account enrichment store:
// one DuckDB file per tracked account holding that account's private
// derived data (performance scores, sessions, friend flags), its sync
// cursor, and any legacy pre-registry tables awaiting migration.
package accountstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/logging"
)

// Store wraps one tracked account's DuckDB file.
type Store struct {
	conn      *sql.DB
	accountID string
	path      string
	readOnly  bool
}

// Open opens (creating if needed) the store for one tracked account.
// The file lives at <account_dir>/<account_id>.duckdb.
func Open(cfg *config.DatabaseConfig, accountID string) (*Store, error) {
	path := filepath.Join(cfg.AccountDir, accountID+".duckdb")
	return OpenPath(path, accountID, cfg)
}

// OpenPath opens an account store at an explicit path. Tests and the
// backfill engine (which may read stores from a staging directory) use
// this directly.
func OpenPath(path, accountID string, cfg *config.DatabaseConfig) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	dbDir := filepath.Dir(path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create account store directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open account store for %s: %w", accountID, err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn, accountID: accountID, path: path}

	if err := s.createTables(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize account store for %s: %w", accountID, err)
	}

	logging.Debug().Str("account_id", accountID).Str("path", path).Msg("Account store opened")
	return s, nil
}

// OpenReadOnly opens an existing account store without taking the write
// lock. The match source view uses this when its registry-side ATTACH
// fails but the store file exists, so the merge can still run in the
// application layer. The file must already hold the store schema.
func OpenReadOnly(cfg *config.DatabaseConfig, accountID string) (*Store, error) {
	path := filepath.Join(cfg.AccountDir, accountID+".duckdb")

	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	connStr := fmt.Sprintf("%s?access_mode=read_only&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open account store read-only for %s: %w", accountID, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.PingContext(context.Background()); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to open account store read-only for %s: %w", accountID, err)
	}

	return &Store{conn: conn, accountID: accountID, path: path, readOnly: true}, nil
}

// AccountID returns the tracked account this store belongs to.
func (s *Store) AccountID() string {
	return s.accountID
}

// Path returns the store's database file path. The match source view
// attaches this path read-only for its join queries.
func (s *Store) Path() string {
	return s.path
}

// Conn exposes the underlying connection for tests.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Ping checks if the store connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("account store connection is nil")
	}
	return s.conn.PingContext(ctx)
}

// Close checkpoints and closes the store.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if !s.readOnly {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
			logging.Warn().Err(err).Str("account_id", s.accountID).Msg("Failed to checkpoint account store before close")
		}
	}

	return s.conn.Close()
}

func (s *Store) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS enrichment (
			match_id TEXT PRIMARY KEY,
			performance_score DOUBLE,
			session_id TEXT,
			with_tracked_friends BOOLEAN NOT NULL DEFAULT FALSE,
			played_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		// Legacy pre-registry tables. Populated only on stores that
		// predate the shared registry; the backfill engine drains them.
		`CREATE TABLE IF NOT EXISTS legacy_matches (
			match_id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			playlist_id TEXT NOT NULL DEFAULT '',
			playlist_name TEXT NOT NULL DEFAULT '',
			map_id TEXT NOT NULL DEFAULT '',
			map_name TEXT NOT NULL DEFAULT '',
			variant_id TEXT NOT NULL DEFAULT '',
			variant_name TEXT NOT NULL DEFAULT '',
			is_ranked BOOLEAN NOT NULL DEFAULT FALSE,
			is_special BOOLEAN NOT NULL DEFAULT FALSE,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			team_scores TEXT NOT NULL DEFAULT '[]',
			performance_score DOUBLE,
			session_id TEXT,
			with_tracked_friends BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS legacy_participants (
			match_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			team_id INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			rank INTEGER NOT NULL DEFAULT 0,
			score INTEGER NOT NULL DEFAULT 0,
			kills INTEGER NOT NULL DEFAULT 0,
			deaths INTEGER NOT NULL DEFAULT 0,
			assists INTEGER NOT NULL DEFAULT 0,
			shots_fired INTEGER NOT NULL DEFAULT 0,
			shots_hit INTEGER NOT NULL DEFAULT 0,
			damage_dealt DOUBLE NOT NULL DEFAULT 0,
			damage_taken DOUBLE NOT NULL DEFAULT 0,
			PRIMARY KEY (match_id, account_id)
		)`,

		`CREATE TABLE IF NOT EXISTS legacy_events (
			id UUID PRIMARY KEY,
			match_id TEXT NOT NULL,
			category TEXT NOT NULL,
			offset_ms INTEGER NOT NULL DEFAULT 0,
			actor_id TEXT,
			actor_name TEXT,
			target_id TEXT,
			target_name TEXT,
			type_hint TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS legacy_medals (
			match_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			medal_id TEXT NOT NULL,
			tally INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (match_id, account_id, medal_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_enrichment_played_at ON enrichment(played_at)`,
		`CREATE INDEX IF NOT EXISTS idx_legacy_participants_match ON legacy_participants(match_id)`,
		`CREATE INDEX IF NOT EXISTS idx_legacy_events_match ON legacy_events(match_id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}
	return nil
}

func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close() // Explicitly ignore error - cleanup is best-effort
	}
}
