// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

/*
schema.go - Registry Schema Management

Tables:
  - matches: one canonical row per real match, with monotonic
    per-category loaded flags and the derived contributor counter
  - participants: full roster statlines, written once per match
  - match_events: append-only raw timeline, written in one batch
  - medal_tallies: per-player medal counts
  - aliases: account id to latest observed display name
  - match_contributors: which tracked accounts contributed a match;
    source of truth for matches.participant_accounts
  - schema_migrations: versioned migration tracking

All tables are created up front with CREATE TABLE IF NOT EXISTS; the
migration infrastructure in migrations.go handles post-release changes.
*/

//nolint:staticcheck // File documentation, not package doc
package registry

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func (r *Registry) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range tableCreationQueries() {
		if _, err := r.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}
	return nil
}

func tableCreationQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS matches (
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

			participants_loaded BOOLEAN NOT NULL DEFAULT FALSE,
			events_loaded BOOLEAN NOT NULL DEFAULT FALSE,
			medals_loaded BOOLEAN NOT NULL DEFAULT FALSE,
			backfill_steps INTEGER NOT NULL DEFAULT 0,

			first_account_id TEXT NOT NULL,
			first_synced_at TIMESTAMP,
			participant_accounts INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS participants (
			match_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
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

		`CREATE TABLE IF NOT EXISTS match_events (
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

		`CREATE TABLE IF NOT EXISTS medal_tallies (
			match_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			medal_id TEXT NOT NULL,
			tally INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (match_id, account_id, medal_id)
		)`,

		`CREATE TABLE IF NOT EXISTS aliases (
			account_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			observed_at TIMESTAMP NOT NULL,
			source TEXT NOT NULL DEFAULT 'sync'
		)`,

		`CREATE TABLE IF NOT EXISTS match_contributors (
			match_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			synced_at TIMESTAMP NOT NULL,
			PRIMARY KEY (match_id, account_id)
		)`,
	}
}

func (r *Registry) createIndexes() error {
	ctx, cancel := schemaContext()
	defer cancel()

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_matches_started_at ON matches(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_playlist ON matches(playlist_id)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_account ON participants(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_match ON match_events(match_id)`,
		`CREATE INDEX IF NOT EXISTS idx_medals_account ON medal_tallies(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contributors_account ON match_contributors(account_id)`,
	}

	for _, query := range indexes {
		if _, err := r.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create index: %s: %w", query, err)
		}
	}
	return nil
}
