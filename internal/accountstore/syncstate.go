// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package accountstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Keys in the sync_state table.
const (
	stateLastSyncedMatchID = "last_synced_match_id"
	stateLastSyncRunAt     = "last_sync_run_at"
)

// GetState reads one sync_state value. Returns "" when the key has
// never been written.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes one sync_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	query := `INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`
	if _, err := s.conn.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write sync state %q: %w", key, err)
	}
	return nil
}

// LastSyncedMatchID returns the newest match id the last completed sync
// run committed, or "" for a never-synced account. The cursor is only
// advanced after every batch of a run has committed, so an interrupted
// run re-pages from the previous cursor and relies on idempotent writes.
func (s *Store) LastSyncedMatchID(ctx context.Context) (string, error) {
	return s.GetState(ctx, stateLastSyncedMatchID)
}

// SetLastSyncedMatchID advances the sync cursor.
func (s *Store) SetLastSyncedMatchID(ctx context.Context, matchID string) error {
	return s.SetState(ctx, stateLastSyncedMatchID, matchID)
}

// LastSyncRunAt returns when the last completed sync run finished, or
// the zero time for a never-synced account.
func (s *Store) LastSyncRunAt(ctx context.Context) (time.Time, error) {
	value, err := s.GetState(ctx, stateLastSyncRunAt)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync run time %q: %w", value, err)
	}
	return t, nil
}

// SetLastSyncRunAt records the completion time of a sync run.
func (s *Store) SetLastSyncRunAt(ctx context.Context, t time.Time) error {
	return s.SetState(ctx, stateLastSyncRunAt, t.UTC().Format(time.RFC3339Nano))
}
