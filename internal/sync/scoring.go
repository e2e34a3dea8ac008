// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/metrics"
	"github.com/kestrelworks/matchvault/internal/registry"
)

// rawPerformance collapses one statline into a single comparable
// number. The formula weighs kills double, credits assists, penalizes
// deaths, and folds in damage so a high-damage low-kill match still
// registers.
func rawPerformance(p *registry.AccountStatRow) float64 {
	s := &p.Stat
	return 2*float64(s.Kills) + float64(s.Assists) - float64(s.Deaths) + s.DamageDealt/500
}

// prefixPercentiles computes each match's performance score as the
// percentile of its raw performance within the account's history up to
// and including that match. Scores range over (0, 100]; the account's
// personal best at the time it was played scores 100.
//
// One ordered pass over the history, keeping the raw values seen so
// far as a sorted prefix so each match costs a binary search.
//
// Inline and deferred scoring both call this, so a re-run after a
// deferred sync produces identical scores for the same history.
func prefixPercentiles(history []registry.AccountStatRow) map[string]float64 {
	scores := make(map[string]float64, len(history))
	sorted := make([]float64, 0, len(history))

	for i := range history {
		raw := rawPerformance(&history[i])

		pos := sort.SearchFloat64s(sorted, raw)
		sorted = append(sorted, 0)
		copy(sorted[pos+1:], sorted[pos:])
		sorted[pos] = raw

		// Ties count at-or-below, so the rank is the upper bound of the
		// run of equal values.
		atOrBelow := sort.Search(len(sorted), func(j int) bool { return sorted[j] > raw })
		scores[history[i].MatchID] = 100 * float64(atOrBelow) / float64(len(sorted))
	}
	return scores
}

// ScoreBackfill computes performance scores for every unscored
// enrichment row from the account's full registry history. It returns
// the number of rows scored. Matches with no registry statline yet
// (another category still missing) stay unscored until a later run.
func (m *Manager) ScoreBackfill(ctx context.Context, store *accountstore.Store) (int, error) {
	start := time.Now()
	accountID := store.AccountID()

	unscored, err := store.UnscoredMatchIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unscored matches: %w", err)
	}
	if len(unscored) == 0 {
		return 0, nil
	}

	history, err := m.registry.AccountStatHistory(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to load stat history: %w", err)
	}
	scores := prefixPercentiles(history)

	pending := make(map[string]float64, len(unscored))
	for _, matchID := range unscored {
		if score, ok := scores[matchID]; ok {
			pending[matchID] = score
		}
	}

	scored, err := store.SetPerformanceScores(ctx, pending)
	if err != nil {
		return 0, fmt.Errorf("failed to write score batch: %w", err)
	}

	metrics.ScoreBackfillDuration.Observe(time.Since(start).Seconds())
	logging.Debug().Str("account_id", accountID).Int("scored", scored).Int("unscored", len(unscored)-scored).Msg("Score backfill complete")
	return scored, nil
}

// assignSessions groups the account's matches into play sessions: a
// new session starts whenever the gap between consecutive match start
// times exceeds sessionGap. Session ids derive from the first match of
// the session, so a full recompute over the same history is a no-op.
func (m *Manager) assignSessions(ctx context.Context, store *accountstore.Store, sessionGap time.Duration) error {
	enrichments, err := store.Enrichments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enrichment rows: %w", err)
	}
	if len(enrichments) == 0 {
		return nil
	}

	sessionID := "sess-" + enrichments[0].MatchID
	prevStart := enrichments[0].PlayedAt
	assigned := 0

	for i := range enrichments {
		e := &enrichments[i]
		if i > 0 && e.PlayedAt.Sub(prevStart) > sessionGap {
			sessionID = "sess-" + e.MatchID
		}
		prevStart = e.PlayedAt

		if e.SessionID == nil || *e.SessionID != sessionID {
			if err := store.AssignSession(ctx, e.MatchID, sessionID); err != nil {
				return fmt.Errorf("failed to assign session for match %s: %w", e.MatchID, err)
			}
			assigned++
		}
	}

	if assigned > 0 {
		logging.Debug().Str("account_id", store.AccountID()).Int("assigned", assigned).Msg("Session assignment updated")
	}
	return nil
}
