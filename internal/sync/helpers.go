// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package sync

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/telemetry"
)

// retryWithBackoff executes a function with exponential backoff on failure.
// The context is used for cancellation during backoff waits.
// Auth and not-found errors are definitive server answers and are returned
// immediately without retrying.
func (m *Manager) retryWithBackoff(ctx context.Context, opts models.SyncOptions, fn func() error) error {
	var err error
	delay := opts.RetryDelay

	for attempt := 0; attempt < opts.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !telemetry.IsTransient(err) {
			return err
		}

		if attempt < opts.RetryAttempts-1 {
			logging.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", opts.RetryAttempts).Dur("delay", delay).Msg("Retry attempt")
			// Use cancellable wait instead of time.Sleep
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}

	return fmt.Errorf("max retry attempts reached: %w", err)
}

// encodeTeamScores renders the per-team score list as a compact JSON
// array for storage alongside the match row.
func encodeTeamScores(scores []int) string {
	if len(scores) == 0 {
		return "[]"
	}
	data, err := json.Marshal(scores)
	if err != nil {
		return "[]"
	}
	return string(data)
}
