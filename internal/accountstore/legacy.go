// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package accountstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kestrelworks/matchvault/internal/models"
)

// LegacyMatch is one row of a pre-registry account store: the match
// descriptor plus the enrichment values the old schema kept inline.
type LegacyMatch struct {
	Match              models.Match
	PerformanceScore   *float64
	SessionID          *string
	WithTrackedFriends bool
}

// LegacyMatches returns all legacy rows ordered by start time, oldest
// first. The backfill engine walks this list.
func (s *Store) LegacyMatches(ctx context.Context) ([]LegacyMatch, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT
		match_id, started_at, ended_at,
		playlist_id, playlist_name, map_id, map_name, variant_id, variant_name,
		is_ranked, is_special, duration_seconds, team_scores,
		performance_score, session_id, with_tracked_friends
	FROM legacy_matches ORDER BY started_at, match_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy matches: %w", err)
	}
	defer rows.Close()

	var out []LegacyMatch
	for rows.Next() {
		var lm LegacyMatch
		m := &lm.Match
		if err := rows.Scan(
			&m.MatchID, &m.StartedAt, &m.EndedAt,
			&m.PlaylistID, &m.PlaylistName, &m.MapID, &m.MapName, &m.VariantID, &m.VariantName,
			&m.IsRanked, &m.IsSpecial, &m.DurationSeconds, &m.TeamScores,
			&lm.PerformanceScore, &lm.SessionID, &lm.WithTrackedFriends,
		); err != nil {
			return nil, fmt.Errorf("failed to scan legacy match row: %w", err)
		}
		out = append(out, lm)
	}
	return out, rows.Err()
}

// LegacyMatchCount returns the number of legacy rows still present.
func (s *Store) LegacyMatchCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM legacy_matches`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count legacy matches: %w", err)
	}
	return count, nil
}

// LegacyParticipant is one roster entry from a pre-registry store.
// The old schema kept display names inline; the registry keeps them in
// the aliases table instead, so the name rides alongside the statline.
type LegacyParticipant struct {
	Participant models.Participant
	DisplayName string
}

// LegacyRoster returns the stored roster for one legacy match.
func (s *Store) LegacyRoster(ctx context.Context, matchID string) ([]LegacyParticipant, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT
		match_id, account_id, display_name, team_id, outcome, rank, score,
		kills, deaths, assists, shots_fired, shots_hit, damage_dealt, damage_taken
	FROM legacy_participants WHERE match_id = ? ORDER BY rank, account_id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy roster for match %s: %w", matchID, err)
	}
	defer rows.Close()

	var out []LegacyParticipant
	for rows.Next() {
		var lp LegacyParticipant
		p := &lp.Participant
		if err := rows.Scan(
			&p.MatchID, &p.AccountID, &lp.DisplayName, &p.TeamID, &p.Outcome, &p.Rank, &p.Score,
			&p.Kills, &p.Deaths, &p.Assists, &p.ShotsFired, &p.ShotsHit, &p.DamageDealt, &p.DamageTaken,
		); err != nil {
			return nil, fmt.Errorf("failed to scan legacy roster row: %w", err)
		}
		out = append(out, lp)
	}
	return out, rows.Err()
}

// LegacyEvents returns the stored timeline for one legacy match.
func (s *Store) LegacyEvents(ctx context.Context, matchID string) ([]models.MatchEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT
		id, match_id, category, offset_ms,
		actor_id, actor_name, target_id, target_name, type_hint, payload
	FROM legacy_events WHERE match_id = ? ORDER BY offset_ms, id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy events for match %s: %w", matchID, err)
	}
	defer rows.Close()

	var out []models.MatchEvent
	for rows.Next() {
		var e models.MatchEvent
		if err := rows.Scan(
			&e.ID, &e.MatchID, &e.Category, &e.OffsetMS,
			&e.ActorID, &e.ActorName, &e.TargetID, &e.TargetName, &e.TypeHint, &e.Payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan legacy event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LegacyMedals returns the stored medal tallies for one legacy match,
// all roster members included.
func (s *Store) LegacyMedals(ctx context.Context, matchID string) ([]models.MedalTally, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT match_id, account_id, medal_id, tally FROM legacy_medals
		 WHERE match_id = ? ORDER BY account_id, medal_id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy medals for match %s: %w", matchID, err)
	}
	defer rows.Close()

	var out []models.MedalTally
	for rows.Next() {
		var t models.MedalTally
		if err := rows.Scan(&t.MatchID, &t.AccountID, &t.MedalID, &t.Tally); err != nil {
			return nil, fmt.Errorf("failed to scan legacy medal row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SeedLegacyMatch writes a legacy row with its roster, events, and
// medals. Used by tests and by the standalone import tooling that
// converts old single-account databases into this schema.
func (s *Store) SeedLegacyMatch(ctx context.Context, lm LegacyMatch, roster []LegacyParticipant, events []models.MatchEvent, medals []models.MedalTally) error {
	m := &lm.Match
	if _, err := s.conn.ExecContext(ctx, `INSERT INTO legacy_matches (
		match_id, started_at, ended_at,
		playlist_id, playlist_name, map_id, map_name, variant_id, variant_name,
		is_ranked, is_special, duration_seconds, team_scores,
		performance_score, session_id, with_tracked_friends
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`,
		m.MatchID, m.StartedAt, m.EndedAt,
		m.PlaylistID, m.PlaylistName, m.MapID, m.MapName, m.VariantID, m.VariantName,
		m.IsRanked, m.IsSpecial, m.DurationSeconds, m.TeamScores,
		lm.PerformanceScore, lm.SessionID, lm.WithTrackedFriends,
	); err != nil {
		return fmt.Errorf("failed to seed legacy match %s: %w", m.MatchID, err)
	}

	for i := range roster {
		lp := &roster[i]
		p := &lp.Participant
		if _, err := s.conn.ExecContext(ctx, `INSERT INTO legacy_participants (
			match_id, account_id, display_name, team_id, outcome, rank, score,
			kills, deaths, assists, shots_fired, shots_hit, damage_dealt, damage_taken
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
			p.MatchID, p.AccountID, lp.DisplayName, p.TeamID, p.Outcome, p.Rank, p.Score,
			p.Kills, p.Deaths, p.Assists, p.ShotsFired, p.ShotsHit, p.DamageDealt, p.DamageTaken,
		); err != nil {
			return fmt.Errorf("failed to seed legacy roster row for match %s: %w", p.MatchID, err)
		}
	}

	for i := range events {
		e := &events[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if _, err := s.conn.ExecContext(ctx, `INSERT INTO legacy_events (
			id, match_id, category, offset_ms,
			actor_id, actor_name, target_id, target_name, type_hint, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			e.ID, e.MatchID, e.Category, e.OffsetMS,
			e.ActorID, e.ActorName, e.TargetID, e.TargetName, e.TypeHint, e.Payload,
		); err != nil {
			return fmt.Errorf("failed to seed legacy event for match %s: %w", e.MatchID, err)
		}
	}

	for i := range medals {
		t := &medals[i]
		if _, err := s.conn.ExecContext(ctx,
			`INSERT INTO legacy_medals (match_id, account_id, medal_id, tally)
			 VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			t.MatchID, t.AccountID, t.MedalID, t.Tally,
		); err != nil {
			return fmt.Errorf("failed to seed legacy medal for match %s: %w", t.MatchID, err)
		}
	}

	return nil
}

// DeleteLegacyMatch removes a fully-migrated legacy row and its
// dependent rows. The backfill engine calls this only after the
// registry transaction for the match has committed.
func (s *Store) DeleteLegacyMatch(ctx context.Context, matchID string) error {
	statements := []string{
		`DELETE FROM legacy_medals WHERE match_id = ?`,
		`DELETE FROM legacy_events WHERE match_id = ?`,
		`DELETE FROM legacy_participants WHERE match_id = ?`,
		`DELETE FROM legacy_matches WHERE match_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt, matchID); err != nil {
			return fmt.Errorf("failed to delete legacy rows for match %s: %w", matchID, err)
		}
	}
	return nil
}
