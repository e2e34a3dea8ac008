// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package registry

import (
	"context"
	"fmt"
	"time"
)

// Migration represents a versioned registry schema migration.
type Migration struct {
	Version     int
	Name        string
	Description string
	SQL         string
	AppliedAt   time.Time
}

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// getMigrations returns all versioned migrations in order.
//
// All current columns are defined in the initial CREATE TABLE statements
// in schema.go. New migrations are appended here starting from version 1
// and MUST be append-only once databases with data exist.
func (r *Registry) getMigrations() []Migration {
	return []Migration{}
}

func (r *Registry) createMigrationsTable(ctx context.Context) error {
	_, err := r.conn.ExecContext(ctx, schemaMigrationsTable)
	return err
}

func (r *Registry) getAppliedMigrations(ctx context.Context) (map[int]Migration, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT version, name, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]Migration)
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.Description, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[m.Version] = m
	}
	return applied, rows.Err()
}

// runVersionedMigrations executes only migrations that have not been
// applied yet, recording each in schema_migrations.
func (r *Registry) runVersionedMigrations() error {
	ctx, cancel := schemaContext()
	defer cancel()

	if err := r.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := r.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range r.getMigrations() {
		if _, ok := applied[m.Version]; ok {
			continue
		}

		if _, err := r.conn.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}

		if _, err := r.conn.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, description) VALUES (?, ?, ?)`,
			m.Version, m.Name, m.Description); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version, or zero
// for a fresh database.
func (r *Registry) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := r.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}
