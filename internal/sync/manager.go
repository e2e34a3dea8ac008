// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package sync implements the synchronization engine: it pulls each
// tracked account's recent matches from the stat server, routes every
// match onto the known or new path against the shared registry, and
// writes the account's private enrichment.
package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/metrics"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/registry"
	"github.com/kestrelworks/matchvault/internal/telemetry"
)

// listPageSize is how many match stubs one listing call requests.
const listPageSize = 100

// Manager coordinates sync runs across tracked accounts. One Manager
// serves all accounts; runs for different accounts may proceed
// concurrently because all registry writes are idempotent.
type Manager struct {
	client   telemetry.StatClient
	registry *registry.Registry
	cfg      *config.Config
	limiter  *rate.Limiter
}

// NewManager creates a sync manager. The rate limiter is shared across
// all accounts so the stat server sees one global request budget.
func NewManager(client telemetry.StatClient, reg *registry.Registry, cfg *config.Config) *Manager {
	limit := cfg.Sync.RateLimit
	if limit <= 0 {
		limit = 5
	}
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}
	return &Manager{
		client:   client,
		registry: reg,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
	}
}

// resolveOptions fills zero-valued options from the configuration.
func (m *Manager) resolveOptions(opts models.SyncOptions) models.SyncOptions {
	sc := m.cfg.Sync
	if opts.MaxMatches <= 0 {
		opts.MaxMatches = sc.MaxMatches
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = sc.Parallelism
	}
	if opts.CommitBatchSize <= 0 {
		opts.CommitBatchSize = sc.CommitBatchSize
	}
	if opts.CommitBatchSize > opts.MaxMatches {
		opts.CommitBatchSize = opts.MaxMatches
	}
	if opts.SessionGap <= 0 {
		opts.SessionGap = sc.SessionGap
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = sc.RetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = sc.RetryDelay
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = sc.RateLimit
	}
	if !opts.DeferScoring {
		opts.DeferScoring = sc.DeferScoring
	}
	return opts
}

// limiterFor returns the shared limiter, or a run-local one when the
// options override the configured rate. Manual repair runs use the
// override to crawl a large backlog without starving the periodic
// syncs' budget.
func (m *Manager) limiterFor(opts models.SyncOptions) *rate.Limiter {
	if opts.RateLimit <= 0 || opts.RateLimit == m.cfg.Sync.RateLimit {
		return m.limiter
	}
	burst := int(opts.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
}

// SyncAccount runs one synchronization pass for one tracked account.
//
// The run pages the account's recent-match list newest first, stops at
// the stored cursor (incremental mode), then processes the new matches
// oldest first through a bounded worker pool. All registry writes go
// through a single writer goroutine committing in batches; the cursor
// only advances after every batch has committed, so an interrupted run
// resumes by re-paging and relying on idempotent writes.
//
// Authentication failures abort the run. Any other per-match failure is
// recorded in the result and the run continues.
func (m *Manager) SyncAccount(ctx context.Context, store *accountstore.Store, mode models.SyncMode, opts models.SyncOptions) (*models.SyncResult, error) {
	opts = m.resolveOptions(opts)
	limiter := m.limiterFor(opts)
	accountID := store.AccountID()
	start := time.Now()

	result := &models.SyncResult{AccountID: accountID}

	cursor := ""
	if mode != models.SyncFull {
		var err error
		cursor, err = store.LastSyncedMatchID(ctx)
		if err != nil {
			return nil, err
		}
	}

	stubs, err := m.listNewMatches(ctx, accountID, cursor, opts, limiter)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches for %s: %w", accountID, err)
	}

	logging.Info().
		Str("account_id", accountID).
		Str("mode", string(mode)).
		Int("new_matches", len(stubs)).
		Msg("Sync run starting")

	if len(stubs) > 0 {
		// Listing is newest first; processing runs oldest first so the
		// cursor and session grouping see matches in play order.
		reverseStubs(stubs)

		if err := m.runPipeline(ctx, store, stubs, opts, limiter, result); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
	}

	// Scoring and session grouping run over the whole store, which
	// makes them idempotent across interrupted runs.
	if opts.DeferScoring {
		unscored, err := store.UnscoredMatchIDs(ctx)
		if err != nil {
			return nil, err
		}
		result.ScoresDeferred = len(unscored)
	} else {
		if _, err := m.ScoreBackfill(ctx, store); err != nil {
			return nil, err
		}
	}
	if err := m.assignSessions(ctx, store, opts.SessionGap); err != nil {
		return nil, err
	}

	// Cursor advances only after a fully-committed run. A run with
	// failures keeps the old cursor so the failed matches are re-paged
	// next time.
	if len(stubs) > 0 && result.MatchesFailed == 0 {
		newest := stubs[len(stubs)-1]
		if err := store.SetLastSyncedMatchID(ctx, newest.MatchID); err != nil {
			return nil, err
		}
	}
	if err := store.SetLastSyncRunAt(ctx, time.Now()); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	metrics.RecordSyncRun(result.Duration, result.MatchesInserted, result.MatchesEnriched, result.MatchesFailed)

	logging.Info().
		Str("account_id", accountID).
		Int("inserted", result.MatchesInserted).
		Int("enriched", result.MatchesEnriched).
		Int("skipped", result.MatchesSkipped).
		Int("failed", result.MatchesFailed).
		Dur("duration", result.Duration).
		Msg("Sync run completed")

	return result, nil
}

// listNewMatches pages the account's match list newest first until the
// cursor match, the configured maximum, or the end of history.
func (m *Manager) listNewMatches(ctx context.Context, accountID, cursor string, opts models.SyncOptions, limiter *rate.Limiter) ([]matchStub, error) {
	var stubs []matchStub
	start := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		count := listPageSize
		if remaining := opts.MaxMatches - len(stubs); remaining < count {
			count = remaining
		}
		if count <= 0 {
			break
		}

		var page *listResult
		err := m.retryWithBackoff(ctx, opts, func() error {
			list, callErr := m.client.ListMatchIDs(ctx, accountID, start, count)
			if callErr != nil {
				return callErr
			}
			page = &listResult{total: list.Total}
			for _, s := range list.Matches {
				page.stubs = append(page.stubs, matchStub{MatchID: s.MatchID, StartedAt: s.StartedAt})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, stub := range page.stubs {
			if cursor != "" && stub.MatchID == cursor {
				return stubs, nil
			}
			stubs = append(stubs, stub)
			if len(stubs) >= opts.MaxMatches {
				return stubs, nil
			}
		}

		start += len(page.stubs)
		if len(page.stubs) == 0 || start >= page.total {
			return stubs, nil
		}
	}
	return stubs, nil
}

type matchStub struct {
	MatchID   string
	StartedAt time.Time
}

type listResult struct {
	total int
	stubs []matchStub
}

func reverseStubs(stubs []matchStub) {
	for i, j := 0, len(stubs)-1; i < j; i, j = i+1, j-1 {
		stubs[i], stubs[j] = stubs[j], stubs[i]
	}
}
