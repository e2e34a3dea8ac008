// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/models/stat"
	"github.com/kestrelworks/matchvault/internal/registry"
	"github.com/kestrelworks/matchvault/internal/sync"
)

var testServiceSemaphore = make(chan struct{}, 1)

// passStatClient serves one canned match for the sync-loop tests.
type passStatClient struct {
	detail *stat.MatchDetail
}

func newPassStatClient() *passStatClient {
	team := 0
	return &passStatClient{
		detail: &stat.MatchDetail{
			MatchID:         "m-1",
			StartedAt:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			PlaylistID:      "pl-ranked",
			IsRanked:        true,
			DurationSeconds: 600,
			Roster: []stat.Player{
				{AccountID: "acct-1", DisplayName: "SpartanOne", TeamID: &team, Outcome: "win", Rank: 1, Kills: 15, Deaths: 4, Assists: 2, DamageDealt: 1800},
			},
		},
	}
}

func (c *passStatClient) Ping(ctx context.Context) error { return nil }

func (c *passStatClient) ListMatchIDs(ctx context.Context, accountID string, start, count int) (*stat.MatchList, error) {
	list := &stat.MatchList{AccountID: accountID, Start: start, Count: count, Total: 1}
	if start == 0 && count > 0 {
		list.Matches = []stat.MatchStub{{MatchID: c.detail.MatchID, StartedAt: c.detail.StartedAt}}
	}
	return list, nil
}

func (c *passStatClient) GetMatchDetail(ctx context.Context, matchID string) (*stat.MatchDetail, error) {
	return c.detail, nil
}

func (c *passStatClient) GetSkill(ctx context.Context, matchID string, accountIDs []string) (*stat.SkillResult, error) {
	return &stat.SkillResult{MatchID: matchID, Skills: map[string]stat.SkillLine{}}, nil
}

func (c *passStatClient) GetEvents(ctx context.Context, matchID string) (*stat.EventList, error) {
	return &stat.EventList{MatchID: matchID}, nil
}

func TestRunPassBackfillsDeferredScores(t *testing.T) {
	testServiceSemaphore <- struct{}{}
	t.Cleanup(func() { <-testServiceSemaphore })

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			RegistryPath: ":memory:",
			AccountDir:   t.TempDir(),
			MaxMemory:    "1GB",
		},
		Sync: config.SyncConfig{
			MaxMatches:      100,
			Parallelism:     1,
			RateLimit:       1000,
			CommitBatchSize: 10,
			RetryAttempts:   1,
			RetryDelay:      time.Millisecond,
			SessionGap:      30 * time.Minute,
			DeferScoring:    true,
		},
		Accounts: config.AccountsConfig{Tracked: []string{"acct-1"}},
	}

	reg, err := registry.Open(&cfg.Database)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() {
		if err := reg.Close(); err != nil {
			t.Errorf("failed to close registry: %v", err)
		}
	})

	store, err := accountstore.Open(&cfg.Database, "acct-1")
	if err != nil {
		t.Fatalf("failed to open account store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close account store: %v", err)
		}
	})

	manager := sync.NewManager(newPassStatClient(), reg, cfg)
	svc := NewSyncService(manager, []*accountstore.Store{store}, time.Hour, models.SyncIncremental)

	// One pass syncs the account with deferred scoring, then runs the
	// scoring sweep at the end.
	svc.runPass(context.Background())

	rows, err := store.Enrichments(context.Background())
	if err != nil {
		t.Fatalf("enrichments failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("enrichment rows = %d, want 1", len(rows))
	}
	if rows[0].PerformanceScore == nil || *rows[0].PerformanceScore != 100 {
		t.Errorf("score = %v, want 100 after deferred sweep", rows[0].PerformanceScore)
	}
}
