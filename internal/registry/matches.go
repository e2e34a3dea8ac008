// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelworks/matchvault/internal/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the write methods
// can run standalone or inside the sync writer's batch transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// InsertMatch writes the canonical match row if no row exists for the
// match id. Returns true when the row was inserted, false when another
// account's sync already created it.
func (r *Registry) InsertMatch(ctx context.Context, m *models.Match) (bool, error) {
	return insertMatch(ctx, r.conn, m)
}

// InsertMatchTx is InsertMatch inside an existing transaction.
func InsertMatchTx(ctx context.Context, tx *sql.Tx, m *models.Match) (bool, error) {
	return insertMatch(ctx, tx, m)
}

func insertMatch(ctx context.Context, q dbtx, m *models.Match) (bool, error) {
	firstSyncedAt := m.FirstSyncedAt
	if firstSyncedAt == nil {
		now := time.Now().UTC()
		firstSyncedAt = &now
	}

	query := `INSERT INTO matches (
		match_id, started_at, ended_at,
		playlist_id, playlist_name, map_id, map_name, variant_id, variant_name,
		is_ranked, is_special, duration_seconds, team_scores,
		participants_loaded, events_loaded, medals_loaded, backfill_steps,
		first_account_id, first_synced_at, participant_accounts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

	result, err := q.ExecContext(ctx, query,
		m.MatchID, m.StartedAt, m.EndedAt,
		m.PlaylistID, m.PlaylistName, m.MapID, m.MapName, m.VariantID, m.VariantName,
		m.IsRanked, m.IsSpecial, m.DurationSeconds, m.TeamScores,
		m.ParticipantsLoaded, m.EventsLoaded, m.MedalsLoaded, m.BackfillSteps,
		m.FirstAccountID, firstSyncedAt, m.ParticipantAccounts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert match %s: %w", m.MatchID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for match %s: %w", m.MatchID, err)
	}
	return affected > 0, nil
}

// GetMatch returns the canonical row for a match id, or nil when the
// registry has never seen the match.
func (r *Registry) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	return getMatch(ctx, r.conn, matchID)
}

// GetMatchTx is GetMatch inside an existing transaction.
func GetMatchTx(ctx context.Context, tx *sql.Tx, matchID string) (*models.Match, error) {
	return getMatch(ctx, tx, matchID)
}

func getMatch(ctx context.Context, q dbtx, matchID string) (*models.Match, error) {
	query := `SELECT
		match_id, started_at, ended_at,
		playlist_id, playlist_name, map_id, map_name, variant_id, variant_name,
		is_ranked, is_special, duration_seconds, team_scores,
		participants_loaded, events_loaded, medals_loaded, backfill_steps,
		first_account_id, first_synced_at, participant_accounts
	FROM matches WHERE match_id = ?`

	var m models.Match
	err := q.QueryRowContext(ctx, query, matchID).Scan(
		&m.MatchID, &m.StartedAt, &m.EndedAt,
		&m.PlaylistID, &m.PlaylistName, &m.MapID, &m.MapName, &m.VariantID, &m.VariantName,
		&m.IsRanked, &m.IsSpecial, &m.DurationSeconds, &m.TeamScores,
		&m.ParticipantsLoaded, &m.EventsLoaded, &m.MedalsLoaded, &m.BackfillSteps,
		&m.FirstAccountID, &m.FirstSyncedAt, &m.ParticipantAccounts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query match %s: %w", matchID, err)
	}
	return &m, nil
}

// MarkLoaded raises the per-category loaded flags and backfill step
// bits for a match. Flags only ever go from false to true; passing
// false for a category leaves it untouched.
func (r *Registry) MarkLoaded(ctx context.Context, matchID string, participants, events, medals bool) error {
	return markLoaded(ctx, r.conn, matchID, participants, events, medals)
}

// MarkLoadedTx is MarkLoaded inside an existing transaction.
func MarkLoadedTx(ctx context.Context, tx *sql.Tx, matchID string, participants, events, medals bool) error {
	return markLoaded(ctx, tx, matchID, participants, events, medals)
}

func markLoaded(ctx context.Context, q dbtx, matchID string, participants, events, medals bool) error {
	steps := 0
	if participants {
		steps |= models.BackfillStepParticipants
	}
	if events {
		steps |= models.BackfillStepEvents
	}
	if medals {
		steps |= models.BackfillStepMedals
	}

	query := `UPDATE matches SET
		participants_loaded = participants_loaded OR ?,
		events_loaded = events_loaded OR ?,
		medals_loaded = medals_loaded OR ?,
		backfill_steps = backfill_steps | ?
	WHERE match_id = ?`

	if _, err := q.ExecContext(ctx, query, participants, events, medals, steps, matchID); err != nil {
		return fmt.Errorf("failed to mark loaded flags for match %s: %w", matchID, err)
	}
	return nil
}

// AddContributor records that a tracked account has synced a match and
// recomputes the derived participant_accounts counter from the
// contributor rows. Re-adding the same pair is a no-op, which keeps the
// counter stable across repeated syncs of the same account.
func (r *Registry) AddContributor(ctx context.Context, matchID, accountID string, syncedAt time.Time) error {
	return addContributor(ctx, r.conn, matchID, accountID, syncedAt)
}

// AddContributorTx is AddContributor inside an existing transaction.
func AddContributorTx(ctx context.Context, tx *sql.Tx, matchID, accountID string, syncedAt time.Time) error {
	return addContributor(ctx, tx, matchID, accountID, syncedAt)
}

func addContributor(ctx context.Context, q dbtx, matchID, accountID string, syncedAt time.Time) error {
	insert := `INSERT INTO match_contributors (match_id, account_id, synced_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	if _, err := q.ExecContext(ctx, insert, matchID, accountID, syncedAt); err != nil {
		return fmt.Errorf("failed to add contributor %s to match %s: %w", accountID, matchID, err)
	}

	// Counter is always re-derived, never incremented in place.
	recompute := `UPDATE matches SET participant_accounts = (
		SELECT COUNT(DISTINCT account_id) FROM match_contributors WHERE match_id = ?
	) WHERE match_id = ?`
	if _, err := q.ExecContext(ctx, recompute, matchID, matchID); err != nil {
		return fmt.Errorf("failed to recompute contributor count for match %s: %w", matchID, err)
	}
	return nil
}

// Contributors returns the contributor rows for a match, earliest first.
func (r *Registry) Contributors(ctx context.Context, matchID string) ([]models.Contributor, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT match_id, account_id, synced_at FROM match_contributors
		 WHERE match_id = ? ORDER BY synced_at, account_id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributors for match %s: %w", matchID, err)
	}
	defer rows.Close()

	var out []models.Contributor
	for rows.Next() {
		var c models.Contributor
		if err := rows.Scan(&c.MatchID, &c.AccountID, &c.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contributor row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasContributor reports whether the account has already contributed
// the match. The backfill engine uses this for its skip check.
func (r *Registry) HasContributor(ctx context.Context, matchID, accountID string) (bool, error) {
	var count int
	err := r.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM match_contributors WHERE match_id = ? AND account_id = ?`,
		matchID, accountID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check contributor %s for match %s: %w", accountID, matchID, err)
	}
	return count > 0, nil
}

// MatchCount returns the total number of canonical match rows.
func (r *Registry) MatchCount(ctx context.Context) (int64, error) {
	var count int64
	if err := r.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count matches: %w", err)
	}
	return count, nil
}
