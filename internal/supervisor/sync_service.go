// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package supervisor

import (
	"context"
	"time"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/sync"
)

// SyncService runs the periodic sync loop for all tracked accounts as a
// supervised service. One full pass over the accounts runs at startup
// and then on every interval tick. Accounts are synced sequentially so
// one daemon respects one global stat-server request budget.
type SyncService struct {
	manager  *sync.Manager
	stores   []*accountstore.Store
	interval time.Duration
	mode     models.SyncMode
}

// NewSyncService creates the periodic sync service. The stores must
// stay open for the service's lifetime; the caller owns closing them.
func NewSyncService(manager *sync.Manager, stores []*accountstore.Store, interval time.Duration, mode models.SyncMode) *SyncService {
	return &SyncService{
		manager:  manager,
		stores:   stores,
		interval: interval,
		mode:     mode,
	}
}

// Serve implements suture.Service. A failed account sync is logged and
// the pass continues with the next account; only context cancellation
// ends the loop.
func (s *SyncService) Serve(ctx context.Context) error {
	s.runPass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runPass(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *SyncService) runPass(ctx context.Context) {
	var deferred []*accountstore.Store

	for _, store := range s.stores {
		if ctx.Err() != nil {
			return
		}
		result, err := s.manager.SyncAccount(ctx, store, s.mode, models.SyncOptions{})
		if err != nil {
			logging.Error().Err(err).Str("account_id", store.AccountID()).Msg("Account sync failed")
			continue
		}
		if result.MatchesFailed > 0 {
			logging.Warn().
				Str("account_id", store.AccountID()).
				Int("failed", result.MatchesFailed).
				Msg("Account sync completed with failures")
		}
		if result.ScoresDeferred > 0 {
			deferred = append(deferred, store)
		}
	}

	// With deferred scoring configured, every account synced during the
	// pass gets one scoring sweep at the end, once all contributors'
	// statlines for the pass have landed in the registry.
	for _, store := range deferred {
		if ctx.Err() != nil {
			return
		}
		scored, err := s.manager.ScoreBackfill(ctx, store)
		if err != nil {
			logging.Error().Err(err).Str("account_id", store.AccountID()).Msg("Deferred scoring failed")
			continue
		}
		logging.Debug().Str("account_id", store.AccountID()).Int("scored", scored).Msg("Deferred scoring complete")
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *SyncService) String() string {
	return "sync-loop"
}
