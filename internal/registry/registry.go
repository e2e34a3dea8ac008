// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package registry implements the shared match registry: one embedded
// DuckDB file holding the canonical record of every match any tracked
// account has played, deduplicated across accounts.
package registry

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

// Registry wraps the shared-store DuckDB connection and provides all
// match, roster, event, medal, alias, and contributor access methods.
type Registry struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the shared registry database and
// initializes its schema.
func Open(cfg *config.DatabaseConfig) (*Registry, error) {
	return openAt(cfg.RegistryPath, cfg)
}

func openAt(path string, cfg *config.DatabaseConfig) (*Registry, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	// Ensure the parent directory exists. 0750 per gosec G301.
	dbDir := filepath.Dir(path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	// Disable auto-install/auto-load to prevent hangs in restricted
	// network environments.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// DuckDB is an embedded database; a single connection avoids write
	// contention while still allowing concurrent reads through it.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	r := &Registry{conn: conn, path: path}

	if err := r.initialize(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	logging.Info().Str("path", path).Msg("Registry database opened")
	return r, nil
}

// Conn exposes the underlying connection for the match source view's
// ATTACH queries and for tests.
func (r *Registry) Conn() *sql.DB {
	return r.conn
}

// Path returns the registry database file path.
func (r *Registry) Path() string {
	return r.path
}

// Ping checks if the database connection is alive.
func (r *Registry) Ping(ctx context.Context) error {
	if r.conn == nil {
		return fmt.Errorf("registry connection is nil")
	}
	return r.conn.PingContext(ctx)
}

// Close checkpoints and closes the registry. The checkpoint flushes the
// WAL so the next open does not need to replay it.
func (r *Registry) Close() error {
	if r.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint registry before close")
	}

	return r.conn.Close()
}

// BeginTx starts a write transaction. The sync engine's writer batches
// many match commits into one transaction through this.
func (r *Registry) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.conn.BeginTx(ctx, nil)
}

func (r *Registry) initialize() error {
	if err := r.createTables(); err != nil {
		return err
	}
	if err := r.runVersionedMigrations(); err != nil {
		return err
	}
	return r.createIndexes()
}

// closeQuietly closes a resource and explicitly ignores any error.
// Use in error paths where Close() errors are not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close() // Explicitly ignore error - cleanup is best-effort
	}
}
