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

	"github.com/kestrelworks/matchvault/internal/models"
)

// UpsertEnrichment writes or refreshes the account's enrichment row for
// one match. A nil PerformanceScore never clears a score written by an
// earlier sync or by the deferred scoring pass.
func (s *Store) UpsertEnrichment(ctx context.Context, e *models.AccountEnrichment) error {
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `INSERT INTO enrichment (
		match_id, performance_score, session_id, with_tracked_friends, played_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (match_id) DO UPDATE SET
		performance_score = COALESCE(excluded.performance_score, enrichment.performance_score),
		session_id = COALESCE(excluded.session_id, enrichment.session_id),
		with_tracked_friends = excluded.with_tracked_friends,
		played_at = excluded.played_at,
		updated_at = excluded.updated_at`

	if _, err := s.conn.ExecContext(ctx, query,
		e.MatchID, e.PerformanceScore, e.SessionID, e.WithTrackedFriends, e.PlayedAt, updatedAt); err != nil {
		return fmt.Errorf("failed to upsert enrichment for match %s: %w", e.MatchID, err)
	}
	return nil
}

// GetEnrichment returns the enrichment row for one match, or nil when
// the account has not synced it.
func (s *Store) GetEnrichment(ctx context.Context, matchID string) (*models.AccountEnrichment, error) {
	var e models.AccountEnrichment
	err := s.conn.QueryRowContext(ctx,
		`SELECT match_id, performance_score, session_id, with_tracked_friends, played_at, updated_at
		 FROM enrichment WHERE match_id = ?`, matchID).Scan(
		&e.MatchID, &e.PerformanceScore, &e.SessionID, &e.WithTrackedFriends, &e.PlayedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query enrichment for match %s: %w", matchID, err)
	}
	return &e, nil
}

// Enrichments returns all enrichment rows ordered by match start time.
func (s *Store) Enrichments(ctx context.Context) ([]models.AccountEnrichment, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT match_id, performance_score, session_id, with_tracked_friends, played_at, updated_at
		 FROM enrichment ORDER BY played_at, match_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrichments: %w", err)
	}
	defer rows.Close()

	var out []models.AccountEnrichment
	for rows.Next() {
		var e models.AccountEnrichment
		if err := rows.Scan(&e.MatchID, &e.PerformanceScore, &e.SessionID,
			&e.WithTrackedFriends, &e.PlayedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UnscoredMatchIDs returns the matches whose performance score is still
// pending, oldest first. The deferred scoring pass drains this list.
func (s *Store) UnscoredMatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT match_id FROM enrichment WHERE performance_score IS NULL ORDER BY played_at, match_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unscored matches: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan unscored match id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetPerformanceScore writes the computed percentile score for one match.
func (s *Store) SetPerformanceScore(ctx context.Context, matchID string, score float64) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE enrichment SET performance_score = ?, updated_at = ? WHERE match_id = ?`,
		score, time.Now().UTC(), matchID)
	if err != nil {
		return fmt.Errorf("failed to set performance score for match %s: %w", matchID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for match %s: %w", matchID, err)
	}
	if affected == 0 {
		return fmt.Errorf("no enrichment row for match %s", matchID)
	}
	return nil
}

// SetPerformanceScores writes a batch of computed percentile scores in
// one transaction. Match ids without an enrichment row are ignored; the
// returned count is the number of rows actually updated.
func (s *Store) SetPerformanceScores(ctx context.Context, scores map[string]float64) (int, error) {
	if len(scores) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin score batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE enrichment SET performance_score = ?, updated_at = ? WHERE match_id = ?`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare score batch: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	updated := 0
	for matchID, score := range scores {
		result, err := stmt.ExecContext(ctx, score, now, matchID)
		if err != nil {
			return 0, fmt.Errorf("failed to set performance score for match %s: %w", matchID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected for match %s: %w", matchID, err)
		}
		updated += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit score batch: %w", err)
	}
	return updated, nil
}

// AssignSession writes the session grouping id for one match.
func (s *Store) AssignSession(ctx context.Context, matchID, sessionID string) error {
	if _, err := s.conn.ExecContext(ctx,
		`UPDATE enrichment SET session_id = ?, updated_at = ? WHERE match_id = ?`,
		sessionID, time.Now().UTC(), matchID); err != nil {
		return fmt.Errorf("failed to assign session for match %s: %w", matchID, err)
	}
	return nil
}

// EnrichmentCount returns the number of enrichment rows.
func (s *Store) EnrichmentCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count enrichments: %w", err)
	}
	return count, nil
}
