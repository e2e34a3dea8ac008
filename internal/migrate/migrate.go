// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package migrate folds pre-registry account stores into the shared
// registry. Each legacy match becomes (or joins) a shared registry row;
// the account's old enrichment values carry over into the enrichment
// table. Legacy rows are kept after migration: they back the legacy
// read path of the match source until the operator purges them.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/metrics"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/registry"
)

// Migrator moves one account store's legacy history into the registry.
type Migrator struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Migrator {
	return &Migrator{registry: reg}
}

// MigrateAccount walks the store's legacy matches oldest first and
// contributes each to the registry. The walk is re-runnable: a match
// this account already contributed is skipped, and registry writes are
// the same idempotent inserts the sync engine uses.
//
// Per-match failures are recorded and the walk continues; the returned
// error is reserved for failures that make continuing pointless.
func (mg *Migrator) MigrateAccount(ctx context.Context, store *accountstore.Store) (*models.MigrationResult, error) {
	start := time.Now()
	accountID := store.AccountID()
	result := &models.MigrationResult{AccountID: accountID}

	legacy, err := store.LegacyMatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy matches for %s: %w", accountID, err)
	}

	logging.Info().Str("account_id", accountID).Int("legacy_matches", len(legacy)).Msg("Migration starting")

	for i := range legacy {
		if ctx.Err() != nil {
			result.Duration = time.Since(start)
			return result, ctx.Err()
		}

		lm := &legacy[i]
		skipped, err := mg.migrateMatch(ctx, store, lm)
		if err != nil {
			result.MatchesFailed++
			result.Errors = append(result.Errors, models.MatchError{MatchID: lm.Match.MatchID, Err: err})
			logging.Warn().Err(err).Str("match_id", lm.Match.MatchID).Msg("Legacy match migration failed")
			continue
		}
		if skipped {
			result.MatchesSkippedAlreadyShared++
			metrics.MigrationMatchesSkipped.Inc()
		} else {
			result.MatchesMigrated++
			metrics.MigrationMatchesMigrated.Inc()
		}
	}

	result.Duration = time.Since(start)
	logging.Info().
		Str("account_id", accountID).
		Int("migrated", result.MatchesMigrated).
		Int("skipped", result.MatchesSkippedAlreadyShared).
		Int("failed", result.MatchesFailed).
		Dur("duration", result.Duration).
		Msg("Migration completed")
	return result, nil
}

// migrateMatch contributes one legacy match. Returns skipped=true when
// this account already appears in the match's contributor list.
func (mg *Migrator) migrateMatch(ctx context.Context, store *accountstore.Store, lm *accountstore.LegacyMatch) (bool, error) {
	matchID := lm.Match.MatchID
	accountID := store.AccountID()

	contributed, err := mg.registry.HasContributor(ctx, matchID, accountID)
	if err != nil {
		return false, err
	}
	if contributed {
		// Re-run after a previous migration. Enrichment may still be
		// missing if the earlier run died between registry commit and
		// enrichment write.
		return true, mg.carryEnrichment(ctx, store, lm)
	}

	roster, err := store.LegacyRoster(ctx, matchID)
	if err != nil {
		return false, err
	}
	events, err := store.LegacyEvents(ctx, matchID)
	if err != nil {
		return false, err
	}
	medals, err := store.LegacyMedals(ctx, matchID)
	if err != nil {
		return false, err
	}

	tx, err := mg.registry.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	m := lm.Match
	m.FirstAccountID = accountID
	now := time.Now().UTC()
	m.FirstSyncedAt = &now
	m.BackfillSteps = models.BackfillStepCore

	created, err := registry.InsertMatchTx(ctx, tx, &m)
	if err != nil {
		return false, err
	}

	// Loaded flags reflect only what the legacy store actually held.
	// A legacy store with no event log leaves events_loaded false so a
	// later sync can still fetch the timeline.
	markParticipants := len(roster) > 0
	markEvents := len(events) > 0
	markMedals := len(medals) > 0

	if !created {
		existing, err := registry.GetMatchTx(ctx, tx, matchID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			if existing.ParticipantsLoaded {
				roster = nil
				markParticipants = false
			}
			if existing.EventsLoaded {
				events = nil
				markEvents = false
			}
			if existing.MedalsLoaded {
				medals = nil
				markMedals = false
			}
		}
	}

	if markParticipants {
		participants := make([]models.Participant, 0, len(roster))
		for _, p := range roster {
			participants = append(participants, p.Participant)
		}
		if err := registry.InsertParticipantsTx(ctx, tx, participants); err != nil {
			return false, err
		}
	}
	if markEvents {
		if err := registry.InsertEventsTx(ctx, tx, events); err != nil {
			return false, err
		}
	}
	if markMedals {
		if err := registry.InsertMedalTalliesTx(ctx, tx, medals); err != nil {
			return false, err
		}
	}

	if markParticipants || markEvents || markMedals {
		if err := registry.MarkLoadedTx(ctx, tx, matchID, markParticipants, markEvents, markMedals); err != nil {
			return false, err
		}
	}

	// Legacy display names seed the alias table. Observation time is
	// the match start, so any live sync's fresher name wins.
	for _, p := range roster {
		if p.DisplayName == "" {
			continue
		}
		alias := models.Alias{
			AccountID:   p.Participant.AccountID,
			DisplayName: p.DisplayName,
			ObservedAt:  lm.Match.StartedAt,
			Source:      "backfill",
		}
		if err := registry.UpsertAliasTx(ctx, tx, &alias); err != nil {
			return false, err
		}
	}

	if err := registry.AddContributorTx(ctx, tx, matchID, accountID, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	return false, mg.carryEnrichment(ctx, store, lm)
}

// carryEnrichment moves the legacy store's inline enrichment values
// into the enrichment table. The upsert preserves any score or session
// a live sync has already written.
func (mg *Migrator) carryEnrichment(ctx context.Context, store *accountstore.Store, lm *accountstore.LegacyMatch) error {
	e := &models.AccountEnrichment{
		MatchID:            lm.Match.MatchID,
		PerformanceScore:   lm.PerformanceScore,
		SessionID:          lm.SessionID,
		WithTrackedFriends: lm.WithTrackedFriends,
		PlayedAt:           lm.Match.StartedAt,
	}
	if err := store.UpsertEnrichment(ctx, e); err != nil {
		return fmt.Errorf("failed to carry enrichment for %s: %w", lm.Match.MatchID, err)
	}
	return nil
}
