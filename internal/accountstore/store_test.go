// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package accountstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/models"
)

var testStoreSemaphore = make(chan struct{}, 1)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	testStoreSemaphore <- struct{}{}
	t.Cleanup(func() {
		<-testStoreSemaphore
	})

	cfg := &config.DatabaseConfig{
		AccountDir: t.TempDir(),
		MaxMemory:  "1GB",
	}

	s, err := Open(cfg, "acct-1")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close test store: %v", err)
		}
	})

	return s
}

func TestOpenCreatesFileUnderAccountDir(t *testing.T) {
	testStoreSemaphore <- struct{}{}
	t.Cleanup(func() { <-testStoreSemaphore })

	dir := t.TempDir()
	cfg := &config.DatabaseConfig{AccountDir: dir, MaxMemory: "1GB"}

	s, err := Open(cfg, "acct-42")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	}()

	want := filepath.Join(dir, "acct-42.duckdb")
	if s.Path() != want {
		t.Errorf("path = %q, want %q", s.Path(), want)
	}
	if s.AccountID() != "acct-42" {
		t.Errorf("account id = %q, want acct-42", s.AccountID())
	}
}

func TestEnrichmentUpsertPreservesScore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	playedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	score := 71.5
	if err := s.UpsertEnrichment(ctx, &models.AccountEnrichment{
		MatchID:          "m-1",
		PerformanceScore: &score,
		PlayedAt:         playedAt,
	}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	// A later sync replays the row without a score; the stored score
	// must survive.
	if err := s.UpsertEnrichment(ctx, &models.AccountEnrichment{
		MatchID:            "m-1",
		WithTrackedFriends: true,
		PlayedAt:           playedAt,
	}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	e, err := s.GetEnrichment(ctx, "m-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if e == nil {
		t.Fatal("enrichment missing")
	}
	if e.PerformanceScore == nil || *e.PerformanceScore != 71.5 {
		t.Errorf("score = %v, want 71.5 preserved", e.PerformanceScore)
	}
	if !e.WithTrackedFriends {
		t.Error("with_tracked_friends should be updated to true")
	}
}

func TestGetEnrichmentAbsent(t *testing.T) {
	s := setupTestStore(t)

	e, err := s.GetEnrichment(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if e != nil {
		t.Errorf("expected nil, got %+v", e)
	}
}

func TestUnscoredAndSetScore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	score := 50.0
	rows := []models.AccountEnrichment{
		{MatchID: "m-2", PlayedAt: base.Add(time.Hour)},
		{MatchID: "m-1", PlayedAt: base},
		{MatchID: "m-3", PlayedAt: base.Add(2 * time.Hour), PerformanceScore: &score},
	}
	for i := range rows {
		if err := s.UpsertEnrichment(ctx, &rows[i]); err != nil {
			t.Fatalf("upsert %s failed: %v", rows[i].MatchID, err)
		}
	}

	unscored, err := s.UnscoredMatchIDs(ctx)
	if err != nil {
		t.Fatalf("unscored failed: %v", err)
	}
	if len(unscored) != 2 || unscored[0] != "m-1" || unscored[1] != "m-2" {
		t.Errorf("unscored = %v, want [m-1 m-2] oldest first", unscored)
	}

	if err := s.SetPerformanceScore(ctx, "m-1", 33.3); err != nil {
		t.Fatalf("set score failed: %v", err)
	}
	if err := s.SetPerformanceScore(ctx, "missing", 1); err == nil {
		t.Error("setting score on missing row should fail")
	}

	unscored, err = s.UnscoredMatchIDs(ctx)
	if err != nil {
		t.Fatalf("unscored failed: %v", err)
	}
	if len(unscored) != 1 || unscored[0] != "m-2" {
		t.Errorf("unscored after scoring = %v, want [m-2]", unscored)
	}
}

func TestSetPerformanceScoresBatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		if err := s.UpsertEnrichment(ctx, &models.AccountEnrichment{
			MatchID: id, PlayedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}

	// One transaction covers the whole batch; ids without a row are
	// ignored rather than failing the rest.
	updated, err := s.SetPerformanceScores(ctx, map[string]float64{
		"m-1":     100,
		"m-3":     50,
		"missing": 1,
	})
	if err != nil {
		t.Fatalf("batch set failed: %v", err)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}

	unscored, err := s.UnscoredMatchIDs(ctx)
	if err != nil {
		t.Fatalf("unscored failed: %v", err)
	}
	if len(unscored) != 1 || unscored[0] != "m-2" {
		t.Errorf("unscored = %v, want [m-2]", unscored)
	}

	e, err := s.GetEnrichment(ctx, "m-3")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if e.PerformanceScore == nil || *e.PerformanceScore != 50 {
		t.Errorf("m-3 score = %v, want 50", e.PerformanceScore)
	}

	updated, err = s.SetPerformanceScores(ctx, nil)
	if err != nil {
		t.Fatalf("empty batch failed: %v", err)
	}
	if updated != 0 {
		t.Errorf("empty batch updated = %d, want 0", updated)
	}
}

func TestSessionAssignment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	playedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.UpsertEnrichment(ctx, &models.AccountEnrichment{MatchID: "m-1", PlayedAt: playedAt}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := s.AssignSession(ctx, "m-1", "sess-abc"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	e, err := s.GetEnrichment(ctx, "m-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if e.SessionID == nil || *e.SessionID != "sess-abc" {
		t.Errorf("session = %v, want sess-abc", e.SessionID)
	}
}

func TestSyncStateCursor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cursor, err := s.LastSyncedMatchID(ctx)
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("fresh store cursor = %q, want empty", cursor)
	}

	if err := s.SetLastSyncedMatchID(ctx, "m-99"); err != nil {
		t.Fatalf("cursor write failed: %v", err)
	}
	if err := s.SetLastSyncedMatchID(ctx, "m-100"); err != nil {
		t.Fatalf("cursor overwrite failed: %v", err)
	}

	cursor, err = s.LastSyncedMatchID(ctx)
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != "m-100" {
		t.Errorf("cursor = %q, want m-100", cursor)
	}

	runAt := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)
	if err := s.SetLastSyncRunAt(ctx, runAt); err != nil {
		t.Fatalf("run time write failed: %v", err)
	}
	got, err := s.LastSyncRunAt(ctx)
	if err != nil {
		t.Fatalf("run time read failed: %v", err)
	}
	if !got.Equal(runAt) {
		t.Errorf("run time = %v, want %v", got, runAt)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	startedAt := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

	score := 64.2
	session := "sess-old"
	lm := LegacyMatch{
		Match: models.Match{
			MatchID:         "legacy-1",
			StartedAt:       startedAt,
			PlaylistID:      "pl-social",
			PlaylistName:    "Social Slayer",
			DurationSeconds: 600,
			TeamScores:      "[50,31]",
		},
		PerformanceScore: &score,
		SessionID:        &session,
	}
	roster := []LegacyParticipant{
		{Participant: models.Participant{MatchID: "legacy-1", AccountID: "acct-1", Kills: 12}, DisplayName: "PlayerOne"},
		{Participant: models.Participant{MatchID: "legacy-1", AccountID: "acct-7", Kills: 4}, DisplayName: "Stranger"},
	}
	events := []models.MatchEvent{
		{MatchID: "legacy-1", Category: "kill", OffsetMS: 4500, Payload: "{}"},
	}
	medals := []models.MedalTally{
		{MatchID: "legacy-1", AccountID: "acct-1", MedalID: "overkill", Tally: 1},
	}

	if err := s.SeedLegacyMatch(ctx, lm, roster, events, medals); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	matches, err := s.LegacyMatches(ctx)
	if err != nil {
		t.Fatalf("legacy matches failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("legacy matches = %d, want 1", len(matches))
	}
	if matches[0].PerformanceScore == nil || *matches[0].PerformanceScore != 64.2 {
		t.Errorf("legacy score = %v, want 64.2", matches[0].PerformanceScore)
	}

	gotRoster, err := s.LegacyRoster(ctx, "legacy-1")
	if err != nil {
		t.Fatalf("legacy roster failed: %v", err)
	}
	if len(gotRoster) != 2 {
		t.Errorf("legacy roster = %d, want 2", len(gotRoster))
	}

	gotEvents, err := s.LegacyEvents(ctx, "legacy-1")
	if err != nil {
		t.Fatalf("legacy events failed: %v", err)
	}
	if len(gotEvents) != 1 {
		t.Errorf("legacy events = %d, want 1", len(gotEvents))
	}

	gotMedals, err := s.LegacyMedals(ctx, "legacy-1")
	if err != nil {
		t.Fatalf("legacy medals failed: %v", err)
	}
	if len(gotMedals) != 1 {
		t.Errorf("legacy medals = %d, want 1", len(gotMedals))
	}

	if err := s.DeleteLegacyMatch(ctx, "legacy-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	count, err := s.LegacyMatchCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("legacy count after delete = %d, want 0", count)
	}
}
