// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package models

import (
	"fmt"
	"time"
)

// SyncMode selects how far back a sync run pages through an account's
// recent-match list.
type SyncMode string

const (
	// SyncIncremental stops paging once the previously-synced match id is
	// reached. This is the normal periodic mode.
	SyncIncremental SyncMode = "incremental"

	// SyncFull pages up to the configured maximum regardless of prior
	// progress. Used for first-time syncs and repairs.
	SyncFull SyncMode = "full"
)

// SyncOptions carries the per-run tuning knobs for SyncAccount.
type SyncOptions struct {
	// MaxMatches caps how many match ids a full sync will page through.
	MaxMatches int

	// Parallelism bounds concurrent in-flight matches.
	Parallelism int

	// RateLimit bounds outbound stat-server calls per second.
	RateLimit float64

	// CommitBatchSize groups registry writes into transactions of this many
	// matches, plus a final flush.
	CommitBatchSize int

	// DeferScoring leaves enrichment performance scores unset during sync;
	// a single ScoreBackfill pass computes them afterwards. Inline scoring
	// remains correct for small incremental runs.
	DeferScoring bool

	// SessionGap is the maximum idle time between two matches for them to
	// share a play session.
	SessionGap time.Duration

	// RetryAttempts and RetryDelay bound the per-call retry of transient
	// stat-server errors. Delay doubles per attempt.
	RetryAttempts int
	RetryDelay    time.Duration
}

// MatchError records a single match's failure during a sync or migration
// run. Per-match errors never abort the batch.
type MatchError struct {
	MatchID string `json:"match_id"`
	Err     error  `json:"-"`
}

func (e MatchError) Error() string {
	return fmt.Sprintf("match %s: %v", e.MatchID, e.Err)
}

func (e MatchError) Unwrap() error { return e.Err }

// SyncResult summarizes one SyncAccount run. A run always completes with a
// summary, even under partial failure.
type SyncResult struct {
	AccountID       string        `json:"account_id"`
	MatchesInserted int           `json:"matches_inserted"` // new-match path writes
	MatchesEnriched int           `json:"matches_enriched"` // enrichment rows written (both paths)
	MatchesSkipped  int           `json:"matches_skipped"`  // already enriched and fully loaded
	MatchesFailed   int           `json:"matches_failed"`
	ScoresDeferred  int           `json:"scores_deferred"`
	Errors          []MatchError  `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// MigrationResult summarizes one MigrateAccount run.
type MigrationResult struct {
	AccountID                   string        `json:"account_id"`
	MatchesMigrated             int           `json:"matches_migrated"`
	MatchesSkippedAlreadyShared int           `json:"matches_skipped_already_shared"`
	MatchesFailed               int           `json:"matches_failed"`
	Errors                      []MatchError  `json:"errors,omitempty"`
	Duration                    time.Duration `json:"duration"`
}
