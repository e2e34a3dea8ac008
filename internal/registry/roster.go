// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/matchvault/internal/models"
)

// InsertParticipants writes the full roster for a match. Rows that
// already exist for a (match, account) pair are left untouched.
func (r *Registry) InsertParticipants(ctx context.Context, participants []models.Participant) error {
	return insertParticipants(ctx, r.conn, participants)
}

// InsertParticipantsTx is InsertParticipants inside an existing transaction.
func InsertParticipantsTx(ctx context.Context, tx *sql.Tx, participants []models.Participant) error {
	return insertParticipants(ctx, tx, participants)
}

func insertParticipants(ctx context.Context, q dbtx, participants []models.Participant) error {
	query := `INSERT INTO participants (
		match_id, account_id, team_id, outcome, rank, score,
		kills, deaths, assists, shots_fired, shots_hit, damage_dealt, damage_taken
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

	for i := range participants {
		p := &participants[i]
		if _, err := q.ExecContext(ctx, query,
			p.MatchID, p.AccountID, p.TeamID, p.Outcome, p.Rank, p.Score,
			p.Kills, p.Deaths, p.Assists, p.ShotsFired, p.ShotsHit, p.DamageDealt, p.DamageTaken,
		); err != nil {
			return fmt.Errorf("failed to insert participant %s in match %s: %w", p.AccountID, p.MatchID, err)
		}
	}
	return nil
}

// Participants returns the full roster of a match.
func (r *Registry) Participants(ctx context.Context, matchID string) ([]models.Participant, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT
		match_id, account_id, team_id, outcome, rank, score,
		kills, deaths, assists, shots_fired, shots_hit, damage_dealt, damage_taken
	FROM participants WHERE match_id = ? ORDER BY rank, account_id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants for match %s: %w", matchID, err)
	}
	defer rows.Close()
	return scanParticipants(rows)
}

// Participant returns one roster member's statline, or nil when the
// account did not play in the match (or the roster is not loaded yet).
func (r *Registry) Participant(ctx context.Context, matchID, accountID string) (*models.Participant, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT
		match_id, account_id, team_id, outcome, rank, score,
		kills, deaths, assists, shots_fired, shots_hit, damage_dealt, damage_taken
	FROM participants WHERE match_id = ? AND account_id = ?`, matchID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participant %s in match %s: %w", accountID, matchID, err)
	}
	defer rows.Close()

	participants, err := scanParticipants(rows)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, nil
	}
	return &participants[0], nil
}

func scanParticipants(rows *sql.Rows) ([]models.Participant, error) {
	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(
			&p.MatchID, &p.AccountID, &p.TeamID, &p.Outcome, &p.Rank, &p.Score,
			&p.Kills, &p.Deaths, &p.Assists, &p.ShotsFired, &p.ShotsHit, &p.DamageDealt, &p.DamageTaken,
		); err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertEvents writes a match's raw timeline in one batch. Event rows
// are append-only; the caller only invokes this for the transition of
// events_loaded from false to true.
func (r *Registry) InsertEvents(ctx context.Context, events []models.MatchEvent) error {
	return insertEvents(ctx, r.conn, events)
}

// InsertEventsTx is InsertEvents inside an existing transaction.
func InsertEventsTx(ctx context.Context, tx *sql.Tx, events []models.MatchEvent) error {
	return insertEvents(ctx, tx, events)
}

func insertEvents(ctx context.Context, q dbtx, events []models.MatchEvent) error {
	query := `INSERT INTO match_events (
		id, match_id, category, offset_ms,
		actor_id, actor_name, target_id, target_name, type_hint, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for i := range events {
		e := &events[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if _, err := q.ExecContext(ctx, query,
			e.ID, e.MatchID, e.Category, e.OffsetMS,
			e.ActorID, e.ActorName, e.TargetID, e.TargetName, e.TypeHint, e.Payload,
		); err != nil {
			return fmt.Errorf("failed to insert event for match %s: %w", e.MatchID, err)
		}
	}
	return nil
}

// Events returns a match's timeline in offset order.
func (r *Registry) Events(ctx context.Context, matchID string) ([]models.MatchEvent, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT
		id, match_id, category, offset_ms,
		actor_id, actor_name, target_id, target_name, type_hint, payload
	FROM match_events WHERE match_id = ? ORDER BY offset_ms, id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for match %s: %w", matchID, err)
	}
	defer rows.Close()

	var out []models.MatchEvent
	for rows.Next() {
		var e models.MatchEvent
		if err := rows.Scan(
			&e.ID, &e.MatchID, &e.Category, &e.OffsetMS,
			&e.ActorID, &e.ActorName, &e.TargetID, &e.TargetName, &e.TypeHint, &e.Payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertMedalTallies writes per-player medal counts for a match.
func (r *Registry) InsertMedalTallies(ctx context.Context, tallies []models.MedalTally) error {
	return insertMedalTallies(ctx, r.conn, tallies)
}

// InsertMedalTalliesTx is InsertMedalTallies inside an existing transaction.
func InsertMedalTalliesTx(ctx context.Context, tx *sql.Tx, tallies []models.MedalTally) error {
	return insertMedalTallies(ctx, tx, tallies)
}

func insertMedalTallies(ctx context.Context, q dbtx, tallies []models.MedalTally) error {
	query := `INSERT INTO medal_tallies (match_id, account_id, medal_id, tally)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`

	for i := range tallies {
		t := &tallies[i]
		if _, err := q.ExecContext(ctx, query, t.MatchID, t.AccountID, t.MedalID, t.Tally); err != nil {
			return fmt.Errorf("failed to insert medal tally %s for %s in match %s: %w",
				t.MedalID, t.AccountID, t.MatchID, err)
		}
	}
	return nil
}

// MedalTallies returns the medal counts for one roster member in a match.
func (r *Registry) MedalTallies(ctx context.Context, matchID, accountID string) ([]models.MedalTally, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT match_id, account_id, medal_id, tally FROM medal_tallies
		 WHERE match_id = ? AND account_id = ? ORDER BY medal_id`, matchID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query medal tallies for %s in match %s: %w", accountID, matchID, err)
	}
	defer rows.Close()

	var out []models.MedalTally
	for rows.Next() {
		var t models.MedalTally
		if err := rows.Scan(&t.MatchID, &t.AccountID, &t.MedalID, &t.Tally); err != nil {
			return nil, fmt.Errorf("failed to scan medal tally row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AccountStatRow pairs one account's statline with the match start
// time, ordered history for the performance percentile computation.
type AccountStatRow struct {
	MatchID   string
	StartedAt time.Time
	Stat      models.Participant
}

// AccountStatHistory returns the account's statlines across all
// registry matches, oldest first. The deferred scoring pass walks this
// to recompute percentile scores in match order.
func (r *Registry) AccountStatHistory(ctx context.Context, accountID string) ([]AccountStatRow, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT
		p.match_id, m.started_at,
		p.account_id, p.team_id, p.outcome, p.rank, p.score,
		p.kills, p.deaths, p.assists, p.shots_fired, p.shots_hit, p.damage_dealt, p.damage_taken
	FROM participants p
	JOIN matches m ON m.match_id = p.match_id
	WHERE p.account_id = ?
	ORDER BY m.started_at, p.match_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stat history for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []AccountStatRow
	for rows.Next() {
		var row AccountStatRow
		if err := rows.Scan(
			&row.MatchID, &row.StartedAt,
			&row.Stat.AccountID, &row.Stat.TeamID, &row.Stat.Outcome, &row.Stat.Rank, &row.Stat.Score,
			&row.Stat.Kills, &row.Stat.Deaths, &row.Stat.Assists,
			&row.Stat.ShotsFired, &row.Stat.ShotsHit, &row.Stat.DamageDealt, &row.Stat.DamageTaken,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stat history row: %w", err)
		}
		row.Stat.MatchID = row.MatchID
		out = append(out, row)
	}
	return out, rows.Err()
}
