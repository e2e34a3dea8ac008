// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

/*
source.go - Match Source View

The match source view presents each tracked account with its complete
logical match list: the shared registry row, the account's own roster
statline, and its private enrichment, merged into one record per match.

Three read paths, in order of preference:
 1. Open store merge: when the account's store is open in this process,
    registry rows are joined in SQL and enrichment is overlaid from the
    open store connection. DuckDB holds an exclusive file lock per open
    database, so the registry connection cannot ATTACH a store that is
    open read-write in the same process.
 2. ATTACH path: when the store is not open, its file is attached
    read-only into the registry connection and the whole record is
    produced by a single three-way join.
 3. Legacy fallback: matches still waiting in a store's legacy tables
    (not yet folded into the registry) are synthesized into records so
    a half-migrated account still sees its full history.
*/

//nolint:staticcheck // File documentation, not package doc
package matchsource

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/registry"
)

// Source merges the shared registry with per-account stores.
type Source struct {
	registry *registry.Registry
	cfg      *config.DatabaseConfig

	mu     sync.RWMutex
	stores map[string]*accountstore.Store
}

// New creates a match source view over the registry. Account stores
// open in this process should be registered with RegisterStore; other
// stores are attached read-only from their files on demand.
func New(reg *registry.Registry, cfg *config.DatabaseConfig) *Source {
	return &Source{
		registry: reg,
		cfg:      cfg,
		stores:   make(map[string]*accountstore.Store),
	}
}

// RegisterStore makes an open account store available to the merge path.
func (s *Source) RegisterStore(store *accountstore.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[store.AccountID()] = store
}

// UnregisterStore removes a closed store, returning reads for that
// account to the ATTACH path.
func (s *Source) UnregisterStore(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, accountID)
}

func (s *Source) store(accountID string) *accountstore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stores[accountID]
}

// LoadMatches returns the account's match records, newest first.
func (s *Source) LoadMatches(ctx context.Context, accountID string, filter Filter) ([]models.MatchRecord, error) {
	var records []models.MatchRecord
	var err error

	if store := s.store(accountID); store != nil {
		records, err = s.loadMerged(ctx, accountID, store, filter)
	} else {
		records, err = s.loadAttached(ctx, accountID, filter)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].Match.MatchID > records[j].Match.MatchID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	limit, offset := filter.paginationDefaults()
	if offset >= len(records) {
		return nil, nil
	}
	records = records[offset:]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// LoadMatch returns one match record for the account, or nil when the
// account has no trace of the match in either the registry or its
// legacy tables.
func (s *Source) LoadMatch(ctx context.Context, accountID, matchID string) (*models.MatchRecord, error) {
	m, err := s.registry.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	store := s.store(accountID)

	if m == nil {
		if store == nil {
			return nil, nil
		}
		return s.legacyRecord(ctx, store, accountID, matchID)
	}

	p, err := s.registry.Participant(ctx, matchID, accountID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		// Registry knows the match but the roster does not include
		// this account (partial load). Surface the match core alone.
		p = &models.Participant{MatchID: matchID, AccountID: accountID}
	}

	rec := &models.MatchRecord{Match: *m, Participant: *p}

	if store != nil {
		e, err := store.GetEnrichment(ctx, matchID)
		if err != nil {
			return nil, err
		}
		if e != nil {
			overlayEnrichment(rec, e)
		}
	}
	return rec, nil
}

// loadMerged reads registry rows in SQL and overlays enrichment from
// the open store, then appends legacy-only matches.
func (s *Source) loadMerged(ctx context.Context, accountID string, store *accountstore.Store, filter Filter) ([]models.MatchRecord, error) {
	records, seen, err := s.registryRecords(ctx, accountID, filter)
	if err != nil {
		return nil, err
	}

	enrichments, err := store.Enrichments(ctx)
	if err != nil {
		return nil, err
	}
	byMatch := make(map[string]*models.AccountEnrichment, len(enrichments))
	for i := range enrichments {
		byMatch[enrichments[i].MatchID] = &enrichments[i]
	}
	for i := range records {
		if e, ok := byMatch[records[i].Match.MatchID]; ok {
			overlayEnrichment(&records[i], e)
		}
	}

	legacy, err := s.legacyRecords(ctx, store, accountID, seen, filter)
	if err != nil {
		return nil, err
	}
	records = append(records, legacy...)

	// Session filtering needs the overlay, so it runs last.
	if filter.SessionID != "" {
		filtered := records[:0]
		for i := range records {
			if records[i].SessionID != nil && *records[i].SessionID == filter.SessionID {
				filtered = append(filtered, records[i])
			}
		}
		records = filtered
	}

	return records, nil
}

// registryRecords runs the registry-side join for one account.
func (s *Source) registryRecords(ctx context.Context, accountID string, filter Filter) ([]models.MatchRecord, map[string]bool, error) {
	clauses, args := filter.buildWhereClause()
	where := "WHERE p.account_id = ?"
	queryArgs := []interface{}{accountID}
	if len(clauses) > 0 {
		where += " AND " + strings.Join(clauses, " AND ")
		queryArgs = append(queryArgs, args...)
	}

	query := fmt.Sprintf(`SELECT
		m.match_id, m.started_at, m.ended_at,
		m.playlist_id, m.playlist_name, m.map_id, m.map_name, m.variant_id, m.variant_name,
		m.is_ranked, m.is_special, m.duration_seconds, m.team_scores,
		m.participants_loaded, m.events_loaded, m.medals_loaded, m.backfill_steps,
		m.first_account_id, m.first_synced_at, m.participant_accounts,
		p.team_id, p.outcome, p.rank, p.score,
		p.kills, p.deaths, p.assists, p.shots_fired, p.shots_hit, p.damage_dealt, p.damage_taken
	FROM matches m
	JOIN participants p ON p.match_id = m.match_id
	%s
	ORDER BY m.started_at DESC`, where)

	rows, err := s.registry.Conn().QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query match records for %s: %w", accountID, err)
	}
	defer rows.Close()

	var records []models.MatchRecord
	seen := make(map[string]bool)
	for rows.Next() {
		var rec models.MatchRecord
		m := &rec.Match
		p := &rec.Participant
		if err := rows.Scan(
			&m.MatchID, &m.StartedAt, &m.EndedAt,
			&m.PlaylistID, &m.PlaylistName, &m.MapID, &m.MapName, &m.VariantID, &m.VariantName,
			&m.IsRanked, &m.IsSpecial, &m.DurationSeconds, &m.TeamScores,
			&m.ParticipantsLoaded, &m.EventsLoaded, &m.MedalsLoaded, &m.BackfillSteps,
			&m.FirstAccountID, &m.FirstSyncedAt, &m.ParticipantAccounts,
			&p.TeamID, &p.Outcome, &p.Rank, &p.Score,
			&p.Kills, &p.Deaths, &p.Assists, &p.ShotsFired, &p.ShotsHit, &p.DamageDealt, &p.DamageTaken,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan match record: %w", err)
		}
		p.MatchID = m.MatchID
		p.AccountID = accountID
		seen[m.MatchID] = true
		records = append(records, rec)
	}
	return records, seen, rows.Err()
}

// loadAttached produces records through a single three-way join with
// the account store file attached read-only.
func (s *Source) loadAttached(ctx context.Context, accountID string, filter Filter) ([]models.MatchRecord, error) {
	storePath := filepath.Join(s.cfg.AccountDir, accountID+".duckdb")
	alias := attachAlias(accountID)
	conn := s.registry.Conn()

	if _, err := conn.ExecContext(ctx,
		fmt.Sprintf("ATTACH '%s' AS %s (READ_ONLY)", strings.ReplaceAll(storePath, "'", "''"), alias)); err != nil {
		if _, statErr := os.Stat(storePath); os.IsNotExist(statErr) {
			// No store file yet for a freshly-tracked account: the
			// registry side alone is the complete answer.
			logging.Debug().Str("account_id", accountID).Msg("No account store file, serving registry rows only")
			records, _, regErr := s.registryRecords(ctx, accountID, filter)
			return records, regErr
		}
		// The file exists but cannot be attached. Fall back to a
		// read-only open and the same application-layer merge the
		// registered-store path runs.
		logging.Warn().Err(err).Str("account_id", accountID).Msg("Account store attach failed, falling back to read-only merge")
		store, openErr := accountstore.OpenReadOnly(s.cfg, accountID)
		if openErr != nil {
			return nil, fmt.Errorf("failed to read account store for %s: %w", accountID, openErr)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				logging.Warn().Err(closeErr).Str("account_id", accountID).Msg("Failed to close read-only account store")
			}
		}()
		return s.loadMerged(ctx, accountID, store, filter)
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, "DETACH "+alias); err != nil {
			logging.Warn().Err(err).Str("account_id", accountID).Msg("Failed to detach account store")
		}
	}()

	clauses, args := filter.buildWhereClause()
	where := "WHERE p.account_id = ?"
	queryArgs := []interface{}{accountID}
	if len(clauses) > 0 {
		where += " AND " + strings.Join(clauses, " AND ")
		queryArgs = append(queryArgs, args...)
	}
	if filter.SessionID != "" {
		where += " AND e.session_id = ?"
		queryArgs = append(queryArgs, filter.SessionID)
	}

	query := fmt.Sprintf(`SELECT
		m.match_id, m.started_at, m.ended_at,
		m.playlist_id, m.playlist_name, m.map_id, m.map_name, m.variant_id, m.variant_name,
		m.is_ranked, m.is_special, m.duration_seconds, m.team_scores,
		m.participants_loaded, m.events_loaded, m.medals_loaded, m.backfill_steps,
		m.first_account_id, m.first_synced_at, m.participant_accounts,
		p.team_id, p.outcome, p.rank, p.score,
		p.kills, p.deaths, p.assists, p.shots_fired, p.shots_hit, p.damage_dealt, p.damage_taken,
		e.performance_score, e.session_id, e.with_tracked_friends
	FROM matches m
	JOIN participants p ON p.match_id = m.match_id
	LEFT JOIN %s.enrichment e ON e.match_id = m.match_id
	%s
	ORDER BY m.started_at DESC`, alias, where)

	rows, err := conn.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attached match records for %s: %w", accountID, err)
	}
	defer rows.Close()

	var records []models.MatchRecord
	for rows.Next() {
		var rec models.MatchRecord
		m := &rec.Match
		p := &rec.Participant
		var score sql.NullFloat64
		var session sql.NullString
		var friends sql.NullBool
		if err := rows.Scan(
			&m.MatchID, &m.StartedAt, &m.EndedAt,
			&m.PlaylistID, &m.PlaylistName, &m.MapID, &m.MapName, &m.VariantID, &m.VariantName,
			&m.IsRanked, &m.IsSpecial, &m.DurationSeconds, &m.TeamScores,
			&m.ParticipantsLoaded, &m.EventsLoaded, &m.MedalsLoaded, &m.BackfillSteps,
			&m.FirstAccountID, &m.FirstSyncedAt, &m.ParticipantAccounts,
			&p.TeamID, &p.Outcome, &p.Rank, &p.Score,
			&p.Kills, &p.Deaths, &p.Assists, &p.ShotsFired, &p.ShotsHit, &p.DamageDealt, &p.DamageTaken,
			&score, &session, &friends,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attached match record: %w", err)
		}
		p.MatchID = m.MatchID
		p.AccountID = accountID
		if score.Valid {
			rec.PerformanceScore = &score.Float64
		}
		if session.Valid {
			rec.SessionID = &session.String
		}
		if friends.Valid {
			rec.WithTrackedFriends = &friends.Bool
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read attached match records for %s: %w", accountID, err)
	}

	// A half-migrated store still holds legacy-only matches. They have
	// no registry row, so the join above cannot see them; read them
	// through the attached alias the same way the registered-store path
	// reads them through the open store.
	legacy, err := s.attachedLegacyRecords(ctx, alias, accountID, filter)
	if err != nil {
		return nil, err
	}
	return append(records, legacy...), nil
}

// attachedLegacyRecords synthesizes records for legacy-only matches
// through the attached store alias. Matches the registry already holds
// for this account are excluded; migration keeps legacy rows behind as
// a fallback and those must not appear twice.
func (s *Source) attachedLegacyRecords(ctx context.Context, alias, accountID string, filter Filter) ([]models.MatchRecord, error) {
	query := fmt.Sprintf(`SELECT
		lm.match_id, lm.started_at, lm.ended_at,
		lm.playlist_id, lm.playlist_name, lm.map_id, lm.map_name, lm.variant_id, lm.variant_name,
		lm.is_ranked, lm.is_special, lm.duration_seconds, lm.team_scores,
		lm.performance_score, lm.session_id, lm.with_tracked_friends,
		lp.team_id, lp.outcome, lp.rank, lp.score,
		lp.kills, lp.deaths, lp.assists, lp.shots_fired, lp.shots_hit, lp.damage_dealt, lp.damage_taken
	FROM %s.legacy_matches lm
	LEFT JOIN %s.legacy_participants lp ON lp.match_id = lm.match_id AND lp.account_id = ?
	WHERE NOT EXISTS (
		SELECT 1 FROM participants p WHERE p.match_id = lm.match_id AND p.account_id = ?
	)
	ORDER BY lm.started_at DESC`, alias, alias)

	rows, err := s.registry.Conn().QueryContext(ctx, query, accountID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attached legacy records for %s: %w", accountID, err)
	}
	defer rows.Close()

	var records []models.MatchRecord
	for rows.Next() {
		var rec models.MatchRecord
		m := &rec.Match
		var score sql.NullFloat64
		var session sql.NullString
		var friends bool
		var teamID, rank, pscore, kills, deaths, assists, shotsFired, shotsHit sql.NullInt64
		var outcome sql.NullString
		var damageDealt, damageTaken sql.NullFloat64
		if err := rows.Scan(
			&m.MatchID, &m.StartedAt, &m.EndedAt,
			&m.PlaylistID, &m.PlaylistName, &m.MapID, &m.MapName, &m.VariantID, &m.VariantName,
			&m.IsRanked, &m.IsSpecial, &m.DurationSeconds, &m.TeamScores,
			&score, &session, &friends,
			&teamID, &outcome, &rank, &pscore,
			&kills, &deaths, &assists, &shotsFired, &shotsHit, &damageDealt, &damageTaken,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attached legacy record: %w", err)
		}
		rec.Participant = models.Participant{
			MatchID:     m.MatchID,
			AccountID:   accountID,
			TeamID:      int(teamID.Int64),
			Outcome:     outcome.String,
			Rank:        int(rank.Int64),
			Score:       int(pscore.Int64),
			Kills:       int(kills.Int64),
			Deaths:      int(deaths.Int64),
			Assists:     int(assists.Int64),
			ShotsFired:  int(shotsFired.Int64),
			ShotsHit:    int(shotsHit.Int64),
			DamageDealt: damageDealt.Float64,
			DamageTaken: damageTaken.Float64,
		}
		if score.Valid {
			rec.PerformanceScore = &score.Float64
		}
		if session.Valid {
			rec.SessionID = &session.String
		}
		rec.WithTrackedFriends = &friends
		if !filter.matchRecord(&rec) {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// legacyRecords synthesizes records for matches that only exist in the
// store's legacy tables.
func (s *Source) legacyRecords(ctx context.Context, store *accountstore.Store, accountID string, seen map[string]bool, filter Filter) ([]models.MatchRecord, error) {
	legacy, err := store.LegacyMatches(ctx)
	if err != nil {
		return nil, err
	}
	if len(legacy) == 0 {
		return nil, nil
	}

	var records []models.MatchRecord
	for i := range legacy {
		lm := &legacy[i]
		if seen[lm.Match.MatchID] {
			continue
		}

		rec, err := buildLegacyRecord(ctx, store, lm, accountID)
		if err != nil {
			return nil, err
		}
		if rec == nil || !filter.matchRecord(rec) {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// legacyRecord builds a single legacy-only record, or nil when the
// legacy tables do not contain the match either.
func (s *Source) legacyRecord(ctx context.Context, store *accountstore.Store, accountID, matchID string) (*models.MatchRecord, error) {
	legacy, err := store.LegacyMatches(ctx)
	if err != nil {
		return nil, err
	}
	for i := range legacy {
		if legacy[i].Match.MatchID == matchID {
			return buildLegacyRecord(ctx, store, &legacy[i], accountID)
		}
	}
	return nil, nil
}

func buildLegacyRecord(ctx context.Context, store *accountstore.Store, lm *accountstore.LegacyMatch, accountID string) (*models.MatchRecord, error) {
	roster, err := store.LegacyRoster(ctx, lm.Match.MatchID)
	if err != nil {
		return nil, err
	}

	rec := models.MatchRecord{Match: lm.Match}
	rec.Participant = models.Participant{MatchID: lm.Match.MatchID, AccountID: accountID}
	for i := range roster {
		if roster[i].Participant.AccountID == accountID {
			rec.Participant = roster[i].Participant
			break
		}
	}

	rec.PerformanceScore = lm.PerformanceScore
	rec.SessionID = lm.SessionID
	friends := lm.WithTrackedFriends
	rec.WithTrackedFriends = &friends
	return &rec, nil
}

func overlayEnrichment(rec *models.MatchRecord, e *models.AccountEnrichment) {
	rec.PerformanceScore = e.PerformanceScore
	rec.SessionID = e.SessionID
	friends := e.WithTrackedFriends
	rec.WithTrackedFriends = &friends
}

// attachAlias builds a safe SQL identifier for the ATTACH statement.
func attachAlias(accountID string) string {
	var b strings.Builder
	b.WriteString("acct_")
	for _, r := range accountID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
