// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/models/stat"
	"github.com/kestrelworks/matchvault/internal/registry"
	"github.com/kestrelworks/matchvault/internal/telemetry"
)

var testSyncSemaphore = make(chan struct{}, 1)

// fakeStatClient serves canned matches and counts calls per endpoint so
// tests can assert how many fetches each sync path spends.
type fakeStatClient struct {
	mu      stdsync.Mutex
	matches map[string]*stat.MatchDetail // newest-first order kept in listing
	listing map[string][]string          // accountID -> match ids, newest first
	events  map[string][]stat.Event
	skills  map[string]map[string]stat.SkillLine // matchID -> accountID -> line

	calls map[string]int
	fail  map[string]error // endpoint -> error to return

	// onCall, when set, runs at the start of every endpoint call
	// outside the client mutex. Tests use it to coordinate concurrent
	// calls and to interrupt runs at a chosen point.
	onCall func(endpoint string)
}

func newFakeStatClient() *fakeStatClient {
	return &fakeStatClient{
		matches: make(map[string]*stat.MatchDetail),
		listing: make(map[string][]string),
		events:  make(map[string][]stat.Event),
		skills:  make(map[string]map[string]stat.SkillLine),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
	}
}

func (f *fakeStatClient) record(endpoint string) error {
	if f.onCall != nil {
		f.onCall(endpoint)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint]++
	return f.fail[endpoint]
}

func (f *fakeStatClient) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeStatClient) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func (f *fakeStatClient) Ping(ctx context.Context) error {
	return f.record("ping")
}

func (f *fakeStatClient) ListMatchIDs(ctx context.Context, accountID string, start, count int) (*stat.MatchList, error) {
	if err := f.record("list_match_ids"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := f.listing[accountID]
	list := &stat.MatchList{AccountID: accountID, Start: start, Count: count, Total: len(ids)}
	for i := start; i < len(ids) && len(list.Matches) < count; i++ {
		d := f.matches[ids[i]]
		list.Matches = append(list.Matches, stat.MatchStub{MatchID: d.MatchID, StartedAt: d.StartedAt})
	}
	return list, nil
}

func (f *fakeStatClient) GetMatchDetail(ctx context.Context, matchID string) (*stat.MatchDetail, error) {
	if err := f.record("match_detail"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.matches[matchID]
	if !ok {
		return nil, &telemetry.APIError{Kind: telemetry.KindNotFound, Endpoint: "match_detail", StatusCode: 404, Message: "no such match"}
	}
	return d, nil
}

func (f *fakeStatClient) GetSkill(ctx context.Context, matchID string, accountIDs []string) (*stat.SkillResult, error) {
	if err := f.record("skill"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &stat.SkillResult{MatchID: matchID, Skills: make(map[string]stat.SkillLine)}
	for _, id := range accountIDs {
		if line, ok := f.skills[matchID][id]; ok {
			res.Skills[id] = line
		}
	}
	return res, nil
}

func (f *fakeStatClient) GetEvents(ctx context.Context, matchID string) (*stat.EventList, error) {
	if err := f.record("events"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &stat.EventList{MatchID: matchID, Events: f.events[matchID]}, nil
}

// addMatch registers a two-player match (acct-1 vs acct-2) with events
// and a skill line per roster member, newest listing position first.
func (f *fakeStatClient) addMatch(id string, startedAt time.Time, kills1, kills2 int) {
	team0, team1 := 0, 1
	actor := "acct-1"
	d := &stat.MatchDetail{
		MatchID:         id,
		StartedAt:       startedAt,
		PlaylistID:      "pl-ranked",
		PlaylistName:    "Ranked Arena",
		MapID:           "map-7",
		MapName:         "Foundry",
		VariantID:       "var-slayer",
		VariantName:     "Slayer",
		IsRanked:        true,
		DurationSeconds: 720,
		TeamScores:      []int{50, 43},
		Roster: []stat.Player{
			{AccountID: "acct-1", DisplayName: "SpartanOne", TeamID: &team0, Outcome: "win", Rank: 1, Kills: kills1, Deaths: 5, Assists: 3, ShotsFired: 100, ShotsHit: 55, DamageDealt: 2000},
			{AccountID: "acct-2", DisplayName: "SpartanTwo", TeamID: &team1, Outcome: "loss", Rank: 2, Kills: kills2, Deaths: kills1, Assists: 1, ShotsFired: 90, ShotsHit: 40, DamageDealt: 1500},
		},
	}
	d.Roster[0].Medals = []stat.Medal{{MedalID: "double-kill", Count: 2}}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches[id] = d
	f.events[id] = []stat.Event{
		{Category: "kill", OffsetMS: 15000, Actor: &actor},
		{Category: "kill", OffsetMS: 42000, Actor: &actor},
	}
	f.skills[id] = map[string]stat.SkillLine{
		"acct-1": {DisplayName: "SpartanOne", Kills: kills1, Deaths: 5, Assists: 3, DamageDealt: 2000},
		"acct-2": {DisplayName: "SpartanTwo", Kills: kills2, Deaths: kills1, Assists: 1, DamageDealt: 1500},
	}
	for _, accountID := range []string{"acct-1", "acct-2"} {
		f.listing[accountID] = append([]string{id}, f.listing[accountID]...)
	}
}

type syncFixture struct {
	client  *fakeStatClient
	manager *Manager
	reg     *registry.Registry
	cfg     *config.Config
	dir     string
}

func setupSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	testSyncSemaphore <- struct{}{}
	t.Cleanup(func() {
		<-testSyncSemaphore
	})

	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			RegistryPath: ":memory:",
			AccountDir:   dir,
			MaxMemory:    "1GB",
		},
		Sync: config.SyncConfig{
			MaxMatches:      500,
			Parallelism:     2,
			RateLimit:       1000,
			CommitBatchSize: 25,
			RetryAttempts:   2,
			RetryDelay:      time.Millisecond,
			SessionGap:      30 * time.Minute,
		},
		Accounts: config.AccountsConfig{Tracked: []string{"acct-1", "acct-2"}},
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

	client := newFakeStatClient()
	return &syncFixture{
		client:  client,
		manager: NewManager(client, reg, cfg),
		reg:     reg,
		cfg:     cfg,
		dir:     dir,
	}
}

func (f *syncFixture) openStore(t *testing.T, accountID string) *accountstore.Store {
	t.Helper()
	s, err := accountstore.Open(&f.cfg.Database, accountID)
	if err != nil {
		t.Fatalf("failed to open store for %s: %v", accountID, err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store for %s: %v", accountID, err)
		}
	})
	return s
}

func TestSyncNewMatchFetchesAllCategories(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	f.client.addMatch("m-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), 20, 15)

	store := f.openStore(t, "acct-1")
	result, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if result.MatchesInserted != 1 {
		t.Errorf("inserted = %d, want 1", result.MatchesInserted)
	}
	if result.MatchesEnriched != 1 {
		t.Errorf("enriched = %d, want 1", result.MatchesEnriched)
	}
	// New path spends exactly one detail, one events, one skill call.
	for endpoint, want := range map[string]int{"match_detail": 1, "events": 1, "skill": 1} {
		if got := f.client.callCount(endpoint); got != want {
			t.Errorf("%s calls = %d, want %d", endpoint, got, want)
		}
	}

	m, err := f.reg.GetMatch(ctx, "m-1")
	if err != nil {
		t.Fatalf("get match failed: %v", err)
	}
	if m == nil || !m.FullyLoaded() {
		t.Fatal("match should exist fully loaded after sync")
	}
	if m.FirstAccountID != "acct-1" {
		t.Errorf("first account = %q, want acct-1", m.FirstAccountID)
	}

	participants, err := f.reg.Participants(ctx, "m-1")
	if err != nil {
		t.Fatalf("participants failed: %v", err)
	}
	if len(participants) != 2 {
		t.Errorf("participants = %d, want 2", len(participants))
	}
	events, err := f.reg.Events(ctx, "m-1")
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}

func TestSyncNewMatchIssuesCallsConcurrently(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	f.client.addMatch("m-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), 20, 15)

	// Detail and events rendezvous inside the client: each waits for
	// the other to start. Only concurrent issuance lets both proceed
	// before the timeout.
	var mu stdsync.Mutex
	overlapped := false
	detailStarted := make(chan struct{})
	eventsStarted := make(chan struct{})
	f.client.onCall = func(endpoint string) {
		switch endpoint {
		case "match_detail":
			close(detailStarted)
			select {
			case <-eventsStarted:
				mu.Lock()
				overlapped = true
				mu.Unlock()
			case <-time.After(2 * time.Second):
			}
		case "events":
			close(eventsStarted)
			select {
			case <-detailStarted:
			case <-time.After(2 * time.Second):
			}
		}
	}

	store := f.openStore(t, "acct-1")
	if _, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !overlapped {
		t.Error("detail and events calls ran sequentially, want concurrent issuance")
	}
}

func TestSyncKnownMatchSpendsOneCall(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	f.client.addMatch("m-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), 20, 15)

	store1 := f.openStore(t, "acct-1")
	if _, err := f.manager.SyncAccount(ctx, store1, models.SyncIncremental, models.SyncOptions{}); err != nil {
		t.Fatalf("first account sync failed: %v", err)
	}
	f.client.resetCalls()

	store2 := f.openStore(t, "acct-2")
	result, err := f.manager.SyncAccount(ctx, store2, models.SyncIncremental, models.SyncOptions{})
	if err != nil {
		t.Fatalf("second account sync failed: %v", err)
	}

	if result.MatchesInserted != 0 {
		t.Errorf("inserted = %d, want 0 (match already shared)", result.MatchesInserted)
	}
	if result.MatchesEnriched != 1 {
		t.Errorf("enriched = %d, want 1", result.MatchesEnriched)
	}
	if got := f.client.callCount("match_detail"); got != 0 {
		t.Errorf("match_detail calls = %d, want 0 on known path", got)
	}
	if got := f.client.callCount("events"); got != 0 {
		t.Errorf("events calls = %d, want 0 on known path", got)
	}
	if got := f.client.callCount("skill"); got != 1 {
		t.Errorf("skill calls = %d, want 1 on known path", got)
	}

	// Both accounts now count as contributors on the shared row.
	m, err := f.reg.GetMatch(ctx, "m-1")
	if err != nil {
		t.Fatalf("get match failed: %v", err)
	}
	if m.ParticipantAccounts != 2 {
		t.Errorf("participant accounts = %d, want 2", m.ParticipantAccounts)
	}

	// Events were written exactly once despite two syncs.
	events, err := f.reg.Events(ctx, "m-1")
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}

func TestSyncPartialMatchFetchesMissingOnly(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	startedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.client.addMatch("m-1", startedAt, 20, 15)

	// Seed a partial row: core and roster present, events missing.
	detail, _ := f.client.GetMatchDetail(ctx, "m-1")
	if _, err := f.reg.InsertMatch(ctx, convertMatch(detail, "acct-other")); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}
	if err := f.reg.InsertParticipants(ctx, convertRoster(detail)); err != nil {
		t.Fatalf("seed participants failed: %v", err)
	}
	if err := f.reg.InsertMedalTallies(ctx, convertMedals(detail)); err != nil {
		t.Fatalf("seed medals failed: %v", err)
	}
	if err := f.reg.MarkLoaded(ctx, "m-1", true, false, true); err != nil {
		t.Fatalf("seed mark failed: %v", err)
	}
	f.client.resetCalls()

	store := f.openStore(t, "acct-1")
	result, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if got := f.client.callCount("match_detail"); got != 0 {
		t.Errorf("match_detail calls = %d, want 0 (roster and medals loaded)", got)
	}
	if got := f.client.callCount("events"); got != 1 {
		t.Errorf("events calls = %d, want 1", got)
	}
	if got := f.client.callCount("skill"); got != 1 {
		t.Errorf("skill calls = %d, want 1", got)
	}
	if result.MatchesEnriched != 1 {
		t.Errorf("enriched = %d, want 1", result.MatchesEnriched)
	}

	m, err := f.reg.GetMatch(ctx, "m-1")
	if err != nil {
		t.Fatalf("get match failed: %v", err)
	}
	if !m.FullyLoaded() {
		t.Error("match should be fully loaded after partial-path sync")
	}
}

func TestSyncCursorAdvancesOnCleanRun(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.client.addMatch("m-1", base, 20, 15)
	f.client.addMatch("m-2", base.Add(20*time.Minute), 18, 12)

	store := f.openStore(t, "acct-1")
	if _, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	cursor, err := store.LastSyncedMatchID(ctx)
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != "m-2" {
		t.Errorf("cursor = %q, want m-2 (newest synced match)", cursor)
	}

	// A second incremental run finds nothing new and spends only the
	// listing call.
	f.client.resetCalls()
	result, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{})
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if result.MatchesInserted != 0 || result.MatchesEnriched != 0 {
		t.Errorf("second run wrote inserted=%d enriched=%d, want 0/0", result.MatchesInserted, result.MatchesEnriched)
	}
	if got := f.client.callCount("skill"); got != 0 {
		t.Errorf("skill calls = %d, want 0 when cursor is current", got)
	}
}

func TestSyncCursorHeldOnFailure(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.client.addMatch("m-1", base, 20, 15)

	f.client.fail["events"] = &telemetry.APIError{Kind: telemetry.KindTransient, Endpoint: "events", StatusCode: 500, Message: "boom"}

	store := f.openStore(t, "acct-1")
	result, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{})
	if err != nil {
		t.Fatalf("sync returned run-level error: %v", err)
	}
	if result.MatchesFailed != 1 {
		t.Fatalf("failed = %d, want 1", result.MatchesFailed)
	}
	if len(result.Errors) != 1 || result.Errors[0].MatchID != "m-1" {
		t.Fatalf("errors = %+v, want one entry for m-1", result.Errors)
	}

	cursor, err := store.LastSyncedMatchID(ctx)
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("cursor = %q, want empty after failed run", cursor)
	}

	// Clearing the fault lets the next run pick the match up again.
	delete(f.client.fail, "events")
	result, err = f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{})
	if err != nil {
		t.Fatalf("retry sync failed: %v", err)
	}
	if result.MatchesEnriched != 1 {
		t.Errorf("enriched = %d, want 1 on retry", result.MatchesEnriched)
	}
	cursor, _ = store.LastSyncedMatchID(ctx)
	if cursor != "m-1" {
		t.Errorf("cursor = %q, want m-1 after clean retry", cursor)
	}
}

func TestSyncInterruptedRunResumesWithoutDuplicates(t *testing.T) {
	f := setupSyncFixture(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.client.addMatch("m-1", base, 10, 5)
	f.client.addMatch("m-2", base.Add(10*time.Minute), 12, 5)
	f.client.addMatch("m-3", base.Add(20*time.Minute), 14, 5)
	f.client.addMatch("m-4", base.Add(30*time.Minute), 16, 5)
	f.client.addMatch("m-5", base.Add(40*time.Minute), 18, 5)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cut the run off while the fifth match is in flight, after waiting
	// for the first committed batch to become visible.
	var mu stdsync.Mutex
	detailCalls := 0
	f.client.onCall = func(endpoint string) {
		if endpoint != "match_detail" {
			return
		}
		mu.Lock()
		detailCalls++
		n := detailCalls
		mu.Unlock()
		if n != 5 {
			return
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			m, err := f.reg.GetMatch(context.Background(), "m-1")
			if err == nil && m != nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}

	store := f.openStore(t, "acct-1")
	opts := models.SyncOptions{Parallelism: 1, CommitBatchSize: 2}
	result, err := f.manager.SyncAccount(runCtx, store, models.SyncIncremental, opts)
	if err == nil {
		t.Fatal("expected interrupted run to return an error")
	}

	ctx := context.Background()

	// The summary never claims more enrichment than was written.
	count, err := store.EnrichmentCount(ctx)
	if err != nil {
		t.Fatalf("enrichment count failed: %v", err)
	}
	if result == nil || result.MatchesEnriched != int(count) {
		t.Fatalf("enriched = %+v, want count matching %d written rows", result, count)
	}

	// The cursor is held, so the next run re-pages everything.
	cursor, err := store.LastSyncedMatchID(ctx)
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("cursor = %q, want empty after interrupted run", cursor)
	}

	f.client.onCall = nil
	result, err = f.manager.SyncAccount(ctx, store, models.SyncIncremental, opts)
	if err != nil {
		t.Fatalf("resumed sync failed: %v", err)
	}
	if result.MatchesFailed != 0 {
		t.Fatalf("resumed run failed = %d, want 0", result.MatchesFailed)
	}

	// No losses: every match is fully loaded and enriched. No
	// duplicates: events were written exactly once per match despite
	// the re-run replaying committed batches.
	for _, matchID := range []string{"m-1", "m-2", "m-3", "m-4", "m-5"} {
		m, err := f.reg.GetMatch(ctx, matchID)
		if err != nil {
			t.Fatalf("get match %s failed: %v", matchID, err)
		}
		if m == nil || !m.FullyLoaded() {
			t.Fatalf("match %s not fully loaded after resume", matchID)
		}
		events, err := f.reg.Events(ctx, matchID)
		if err != nil {
			t.Fatalf("events %s failed: %v", matchID, err)
		}
		if len(events) != 2 {
			t.Errorf("match %s events = %d, want 2", matchID, len(events))
		}
	}
	count, err = store.EnrichmentCount(ctx)
	if err != nil {
		t.Fatalf("enrichment count failed: %v", err)
	}
	if count != 5 {
		t.Errorf("enrichment rows = %d, want 5", count)
	}
	cursor, err = store.LastSyncedMatchID(ctx)
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != "m-5" {
		t.Errorf("cursor = %q, want m-5 after clean resume", cursor)
	}
}

func TestSyncAuthErrorAbortsRun(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	f.client.addMatch("m-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), 20, 15)
	f.client.fail["match_detail"] = &telemetry.APIError{Kind: telemetry.KindAuth, Endpoint: "match_detail", StatusCode: 401, Message: "bad key"}

	store := f.openStore(t, "acct-1")
	_, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{})
	if err == nil {
		t.Fatal("expected run-level error on auth failure")
	}
	if !telemetry.IsAuthError(err) {
		t.Errorf("error = %v, want auth classification", err)
	}
}

func TestSyncDeferredAndInlineScoresMatch(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.client.addMatch("m-1", base, 10, 8)
	f.client.addMatch("m-2", base.Add(20*time.Minute), 25, 5)
	f.client.addMatch("m-3", base.Add(40*time.Minute), 17, 12)

	// Deferred run leaves every row unscored, then backfills.
	storeDeferred := f.openStore(t, "acct-1")
	result, err := f.manager.SyncAccount(ctx, storeDeferred, models.SyncIncremental, models.SyncOptions{DeferScoring: true})
	if err != nil {
		t.Fatalf("deferred sync failed: %v", err)
	}
	if result.ScoresDeferred != 3 {
		t.Errorf("deferred = %d, want 3", result.ScoresDeferred)
	}
	scored, err := f.manager.ScoreBackfill(ctx, storeDeferred)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if scored != 3 {
		t.Errorf("backfill scored = %d, want 3", scored)
	}

	// Inline run for the second account over the same three matches.
	storeInline := f.openStore(t, "acct-2")
	if _, err := f.manager.SyncAccount(ctx, storeInline, models.SyncIncremental, models.SyncOptions{}); err != nil {
		t.Fatalf("inline sync failed: %v", err)
	}

	// Both accounts' scores come from the same prefix-percentile
	// computation over their own histories. acct-1's kills go 10, 25,
	// 17: percentiles 100, 100, 66.67.
	deferredRows, err := storeDeferred.Enrichments(ctx)
	if err != nil {
		t.Fatalf("enrichments failed: %v", err)
	}
	wantScores := map[string]float64{"m-1": 100, "m-2": 100, "m-3": 100 * 2.0 / 3.0}
	for _, row := range deferredRows {
		if row.PerformanceScore == nil {
			t.Fatalf("match %s unscored after backfill", row.MatchID)
		}
		want := wantScores[row.MatchID]
		if diff := *row.PerformanceScore - want; diff > 0.01 || diff < -0.01 {
			t.Errorf("match %s score = %f, want %f", row.MatchID, *row.PerformanceScore, want)
		}
	}

	inlineRows, err := storeInline.Enrichments(ctx)
	if err != nil {
		t.Fatalf("inline enrichments failed: %v", err)
	}
	for _, row := range inlineRows {
		if row.PerformanceScore == nil {
			t.Errorf("inline match %s unscored", row.MatchID)
		}
	}
}

func TestSyncAssignsSessions(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Two matches 20 minutes apart, then a third after a 2 hour break.
	f.client.addMatch("m-1", base, 20, 15)
	f.client.addMatch("m-2", base.Add(20*time.Minute), 18, 12)
	f.client.addMatch("m-3", base.Add(2*time.Hour+20*time.Minute), 15, 10)

	store := f.openStore(t, "acct-1")
	if _, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	rows, err := store.Enrichments(ctx)
	if err != nil {
		t.Fatalf("enrichments failed: %v", err)
	}
	sessions := make(map[string]string, len(rows))
	for _, row := range rows {
		if row.SessionID == nil {
			t.Fatalf("match %s has no session", row.MatchID)
		}
		sessions[row.MatchID] = *row.SessionID
	}

	if sessions["m-1"] != "sess-m-1" || sessions["m-2"] != "sess-m-1" {
		t.Errorf("m-1/m-2 sessions = %q/%q, want both sess-m-1", sessions["m-1"], sessions["m-2"])
	}
	if sessions["m-3"] != "sess-m-3" {
		t.Errorf("m-3 session = %q, want sess-m-3 (new session after gap)", sessions["m-3"])
	}
}

func TestSyncRecordsAliases(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	f.client.addMatch("m-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), 20, 15)

	store := f.openStore(t, "acct-1")
	if _, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	alias, err := f.reg.GetAlias(ctx, "acct-2")
	if err != nil {
		t.Fatalf("get alias failed: %v", err)
	}
	if alias == nil || alias.DisplayName != "SpartanTwo" {
		t.Errorf("acct-2 alias = %+v, want SpartanTwo from roster", alias)
	}
}

func TestSyncEnrichmentMarksTrackedFriends(t *testing.T) {
	f := setupSyncFixture(t)
	ctx := context.Background()
	f.client.addMatch("m-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), 20, 15)

	store := f.openStore(t, "acct-1")
	if _, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	e, err := store.GetEnrichment(ctx, "m-1")
	if err != nil {
		t.Fatalf("get enrichment failed: %v", err)
	}
	if e == nil {
		t.Fatal("enrichment row missing")
	}
	// acct-2 is tracked and on the roster.
	if !e.WithTrackedFriends {
		t.Error("with_tracked_friends should be true")
	}
}

func TestPrefixPercentilesOrderIndependence(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	history := []registry.AccountStatRow{
		{MatchID: "m-1", StartedAt: base, Stat: models.Participant{Kills: 10, Deaths: 5}},
		{MatchID: "m-2", StartedAt: base.Add(time.Hour), Stat: models.Participant{Kills: 4, Deaths: 9}},
		{MatchID: "m-3", StartedAt: base.Add(2 * time.Hour), Stat: models.Participant{Kills: 10, Deaths: 5}},
	}

	scores := prefixPercentiles(history)
	if scores["m-1"] != 100 {
		t.Errorf("m-1 = %f, want 100 (first match is its own best)", scores["m-1"])
	}
	if scores["m-2"] != 50 {
		t.Errorf("m-2 = %f, want 50 (worse than one of two)", scores["m-2"])
	}
	if scores["m-3"] != 100 {
		t.Errorf("m-3 = %f, want 100 (ties count at-or-below)", scores["m-3"])
	}
}

func TestResolveOptionsFillsConfigDefaults(t *testing.T) {
	cfg := &config.Config{
		Sync: config.SyncConfig{
			MaxMatches:      100,
			Parallelism:     4,
			RateLimit:       7,
			CommitBatchSize: 10,
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			SessionGap:      time.Hour,
			DeferScoring:    true,
		},
	}
	m := &Manager{cfg: cfg}

	opts := m.resolveOptions(models.SyncOptions{})
	if !opts.DeferScoring {
		t.Error("defer_scoring from config not applied to zero options")
	}
	if opts.RateLimit != 7 {
		t.Errorf("rate limit = %v, want 7 from config", opts.RateLimit)
	}
	if opts.Parallelism != 4 || opts.CommitBatchSize != 10 {
		t.Errorf("opts = %+v, want config defaults", opts)
	}
}

func TestLimiterForPerRunOverride(t *testing.T) {
	cfg := &config.Config{Sync: config.SyncConfig{RateLimit: 5}}
	m := NewManager(nil, nil, cfg)

	if m.limiterFor(models.SyncOptions{RateLimit: 5}) != m.limiter {
		t.Error("configured rate should reuse the shared limiter")
	}
	l := m.limiterFor(models.SyncOptions{RateLimit: 2})
	if l == m.limiter {
		t.Error("per-run override should build a run-local limiter")
	}
	if l.Limit() != 2 {
		t.Errorf("override limit = %v, want 2", l.Limit())
	}
}

func TestSyncHonorsConfiguredDeferScoring(t *testing.T) {
	f := setupSyncFixture(t)
	f.cfg.Sync.DeferScoring = true
	ctx := context.Background()
	f.client.addMatch("m-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), 20, 15)

	store := f.openStore(t, "acct-1")
	result, err := f.manager.SyncAccount(ctx, store, models.SyncIncremental, models.SyncOptions{})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.ScoresDeferred != 1 {
		t.Fatalf("deferred = %d, want 1 from config flag", result.ScoresDeferred)
	}

	e, err := store.GetEnrichment(ctx, "m-1")
	if err != nil {
		t.Fatalf("get enrichment failed: %v", err)
	}
	if e == nil || e.PerformanceScore != nil {
		t.Fatalf("enrichment = %+v, want unscored row", e)
	}

	scored, err := f.manager.ScoreBackfill(ctx, store)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if scored != 1 {
		t.Errorf("backfill scored = %d, want 1", scored)
	}
}

func TestRetryWithBackoffStopsOnDefinitiveError(t *testing.T) {
	m := &Manager{}
	opts := models.SyncOptions{RetryAttempts: 5, RetryDelay: time.Millisecond}

	calls := 0
	err := m.retryWithBackoff(context.Background(), opts, func() error {
		calls++
		return &telemetry.APIError{Kind: telemetry.KindNotFound, StatusCode: 404}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (not-found is definitive)", calls)
	}

	calls = 0
	err = m.retryWithBackoff(context.Background(), opts, func() error {
		calls++
		if calls < 3 {
			return &telemetry.APIError{Kind: telemetry.KindTransient, StatusCode: 500}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
