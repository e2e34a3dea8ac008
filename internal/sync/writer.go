// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/metrics"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/registry"
)

// writeTask is everything the workers collected for one match. The
// writer goroutine is the only code that touches the registry during a
// sync run, so registry transactions never contend within one process.
type writeTask struct {
	accountID string
	matchID   string
	playedAt  time.Time

	// known is true when the registry already held a fully loaded row
	// before this run touched the match.
	known bool

	match        *models.Match // nil unless this run created the row
	participants []models.Participant
	events       []models.MatchEvent
	medals       []models.MedalTally
	aliases      []models.Alias

	markParticipants bool
	markEvents       bool
	markMedals       bool

	enrichment *models.AccountEnrichment
}

type writerResult struct {
	inserted int
	enriched int
	known    int
	err      error
}

// runWriter drains the task channel, committing registry writes in
// transactions of up to opts.CommitBatchSize tasks. Enrichment rows go
// to the account store only after the registry batch commits, so a
// crash mid-run can leave a registry row without enrichment but never
// the reverse.
func (m *Manager) runWriter(ctx context.Context, store *accountstore.Store, tasks <-chan *writeTask, opts models.SyncOptions, done chan<- writerResult) {
	var res writerResult
	batch := make([]*writeTask, 0, opts.CommitBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		inserted, enriched, err := m.commitBatch(ctx, store, batch)
		res.inserted += inserted
		res.enriched += enriched
		if err != nil && res.err == nil {
			res.err = err
		}
		batch = batch[:0]
	}

	for task := range tasks {
		if task.known {
			res.known++
		}
		batch = append(batch, task)
		if len(batch) >= opts.CommitBatchSize {
			flush()
			if res.err != nil {
				break
			}
		}
	}
	// Drain remaining tasks if we bailed early so the workers never
	// block on a full channel.
	for range tasks {
	}
	flush()

	done <- res
}

// commitBatch writes one transaction's worth of tasks to the registry,
// then upserts the enrichment rows into the account store. The enriched
// count reflects only rows actually upserted, so a batch that fails
// partway never overstates the run summary.
func (m *Manager) commitBatch(ctx context.Context, store *accountstore.Store, batch []*writeTask) (inserted, enriched int, err error) {
	start := time.Now()

	tx, err := m.registry.BeginTx(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin registry transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, task := range batch {
		created, err := m.writeMatch(ctx, tx, task)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to write match %s: %w", task.matchID, err)
		}
		if created {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit registry transaction: %w", err)
	}
	metrics.SyncCommitBatchDuration.Observe(time.Since(start).Seconds())

	for _, task := range batch {
		if task.enrichment == nil {
			continue
		}
		if err := store.UpsertEnrichment(ctx, task.enrichment); err != nil {
			return inserted, enriched, fmt.Errorf("failed to enrich match %s: %w", task.matchID, err)
		}
		enriched++
	}

	logging.Debug().Int("batch_size", len(batch)).Int("inserted", inserted).Dur("duration", time.Since(start)).Msg("Committed sync batch")
	return inserted, enriched, nil
}

// writeMatch applies one task inside the batch transaction. When the
// core insert loses a race to another process, the row's loaded flags
// are re-read inside the transaction and already-loaded categories are
// skipped; events in particular have no conflict key and must never be
// inserted twice.
func (m *Manager) writeMatch(ctx context.Context, tx *sql.Tx, task *writeTask) (bool, error) {
	created := false

	if task.match != nil {
		var err error
		created, err = registry.InsertMatchTx(ctx, tx, task.match)
		if err != nil {
			return false, err
		}
	}

	// Re-read the loaded flags inside the transaction unless this task
	// just created the row. Another account's sync may have filled a
	// category since the worker classified the match; events have no
	// conflict key and must never be inserted twice.
	if !created && (task.markParticipants || task.markEvents || task.markMedals) {
		existing, err := registry.GetMatchTx(ctx, tx, task.matchID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			if existing.ParticipantsLoaded {
				task.participants = nil
				task.markParticipants = false
			}
			if existing.EventsLoaded {
				task.events = nil
				task.markEvents = false
			}
			if existing.MedalsLoaded {
				task.medals = nil
				task.markMedals = false
			}
		}
	}

	if len(task.participants) > 0 {
		if err := registry.InsertParticipantsTx(ctx, tx, task.participants); err != nil {
			return false, err
		}
	}
	if len(task.events) > 0 {
		if err := registry.InsertEventsTx(ctx, tx, task.events); err != nil {
			return false, err
		}
	}
	if len(task.medals) > 0 {
		if err := registry.InsertMedalTalliesTx(ctx, tx, task.medals); err != nil {
			return false, err
		}
	}

	if task.markParticipants || task.markEvents || task.markMedals {
		if err := registry.MarkLoadedTx(ctx, tx, task.matchID, task.markParticipants, task.markEvents, task.markMedals); err != nil {
			return false, err
		}
	}

	for i := range task.aliases {
		if err := registry.UpsertAliasTx(ctx, tx, &task.aliases[i]); err != nil {
			return false, err
		}
	}

	if err := registry.AddContributorTx(ctx, tx, task.matchID, task.accountID, time.Now().UTC()); err != nil {
		return false, err
	}

	return created, nil
}
