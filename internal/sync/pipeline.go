// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package sync

import (
	"context"
	stdsync "sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelworks/matchvault/internal/accountstore"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/metrics"
	"github.com/kestrelworks/matchvault/internal/models"
	"github.com/kestrelworks/matchvault/internal/models/stat"
	"github.com/kestrelworks/matchvault/internal/telemetry"
)

// runPipeline fans the stubs out to a bounded worker pool and funnels
// the resulting write tasks through the single writer goroutine.
func (m *Manager) runPipeline(ctx context.Context, store *accountstore.Store, stubs []matchStub, opts models.SyncOptions, limiter *rate.Limiter, result *models.SyncResult) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan matchStub)
	tasks := make(chan *writeTask, opts.Parallelism)
	writerDone := make(chan writerResult, 1)

	go m.runWriter(ctx, store, tasks, opts, writerDone)

	var wg stdsync.WaitGroup
	var mu stdsync.Mutex
	var abortErr error

	worker := func() {
		defer wg.Done()
		for stub := range jobs {
			task, err := m.processMatch(ctx, store, stub, opts, limiter)
			if err != nil {
				if telemetry.IsAuthError(err) || ctx.Err() != nil {
					mu.Lock()
					if abortErr == nil {
						abortErr = err
					}
					mu.Unlock()
					cancel()
					return
				}
				mu.Lock()
				result.MatchesFailed++
				result.Errors = append(result.Errors, models.MatchError{MatchID: stub.MatchID, Err: err})
				mu.Unlock()
				metrics.SyncErrors.WithLabelValues(errorType(err)).Inc()
				logging.Warn().Err(err).Str("match_id", stub.MatchID).Msg("Match sync failed")
				continue
			}
			if task == nil {
				mu.Lock()
				result.MatchesSkipped++
				mu.Unlock()
				continue
			}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return
			}
		}
	}

	wg.Add(opts.Parallelism)
	for i := 0; i < opts.Parallelism; i++ {
		go worker()
	}

feed:
	for _, stub := range stubs {
		select {
		case jobs <- stub:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(tasks)

	wres := <-writerDone

	result.MatchesInserted += wres.inserted
	result.MatchesEnriched += wres.enriched
	if wres.known > 0 {
		metrics.SyncMatchesKnown.Add(float64(wres.known))
	}

	if abortErr != nil {
		return abortErr
	}
	if wres.err != nil {
		return wres.err
	}
	return ctx.Err()
}

// processMatch classifies one match against the registry and fetches
// only what is missing.
//
// Paths:
//   - known (fully loaded): one skill call
//   - new: detail + events + skill
//   - partial: whichever of detail/events is still missing, plus skill
func (m *Manager) processMatch(ctx context.Context, store *accountstore.Store, stub matchStub, opts models.SyncOptions, limiter *rate.Limiter) (*writeTask, error) {
	accountID := store.AccountID()

	existing, err := m.registry.GetMatch(ctx, stub.MatchID)
	if err != nil {
		return nil, err
	}

	// Fast skip: fully loaded, already contributed, already enriched.
	// Only a full-mode re-run reaches this; no API call is spent.
	if existing != nil && existing.FullyLoaded() {
		contributed, err := m.registry.HasContributor(ctx, stub.MatchID, accountID)
		if err != nil {
			return nil, err
		}
		if contributed {
			enriched, err := store.GetEnrichment(ctx, stub.MatchID)
			if err != nil {
				return nil, err
			}
			if enriched != nil {
				return nil, nil
			}
		}
	}

	task := &writeTask{
		accountID: accountID,
		matchID:   stub.MatchID,
		playedAt:  stub.StartedAt,
		known:     existing != nil && existing.FullyLoaded(),
	}

	needDetail := existing == nil || !existing.ParticipantsLoaded || !existing.MedalsLoaded
	needEvents := existing == nil || !existing.EventsLoaded

	// The calls a match needs are independent reads, so they go out in
	// parallel, each taking its own limiter token. The skill call runs
	// on every path: on the known path it is the run's only call for
	// this match, elsewhere it refreshes the account's display name.
	var (
		fetchWG   stdsync.WaitGroup
		detail    *stat.MatchDetail
		events    *stat.EventList
		skill     *stat.SkillResult
		detailErr error
		eventsErr error
		skillErr  error
	)

	if needDetail {
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			if detailErr = limiter.Wait(ctx); detailErr != nil {
				return
			}
			detailErr = m.retryWithBackoff(ctx, opts, func() error {
				var callErr error
				detail, callErr = m.client.GetMatchDetail(ctx, stub.MatchID)
				return callErr
			})
		}()
	}

	if needEvents {
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			if eventsErr = limiter.Wait(ctx); eventsErr != nil {
				return
			}
			eventsErr = m.retryWithBackoff(ctx, opts, func() error {
				var callErr error
				events, callErr = m.client.GetEvents(ctx, stub.MatchID)
				return callErr
			})
		}()
	}

	fetchWG.Add(1)
	go func() {
		defer fetchWG.Done()
		if skillErr = limiter.Wait(ctx); skillErr != nil {
			return
		}
		skillErr = m.retryWithBackoff(ctx, opts, func() error {
			var callErr error
			skill, callErr = m.client.GetSkill(ctx, stub.MatchID, []string{accountID})
			if telemetry.IsNotFound(callErr) {
				// Some playlists never post skill results.
				skill = nil
				return nil
			}
			return callErr
		})
	}()

	fetchWG.Wait()

	for _, fetchErr := range []error{detailErr, eventsErr, skillErr} {
		if telemetry.IsAuthError(fetchErr) {
			return nil, fetchErr
		}
	}
	for _, fetchErr := range []error{detailErr, eventsErr, skillErr} {
		if fetchErr != nil {
			return nil, fetchErr
		}
	}

	var roster []stat.Player
	if needDetail {
		roster = detail.Roster
		if existing == nil {
			task.match = convertMatch(detail, accountID)
		}
		task.participants = convertRoster(detail)
		task.medals = convertMedals(detail)
		task.aliases = rosterAliases(detail)
		task.markParticipants = true
		task.markMedals = true
	}
	if needEvents {
		task.events = convertEvents(stub.MatchID, events, roster)
		task.markEvents = true
	}
	if skill != nil {
		if line, ok := skill.Skills[accountID]; ok && line.DisplayName != "" {
			task.aliases = append(task.aliases, models.Alias{
				AccountID:   accountID,
				DisplayName: line.DisplayName,
				ObservedAt:  stub.StartedAt,
				Source:      "sync",
			})
		}
	}

	friends, err := m.withTrackedFriends(ctx, stub.MatchID, accountID, roster)
	if err != nil {
		return nil, err
	}

	task.enrichment = &models.AccountEnrichment{
		MatchID:            stub.MatchID,
		PlayedAt:           stub.StartedAt,
		WithTrackedFriends: friends,
	}

	return task, nil
}

// withTrackedFriends reports whether any other tracked account was on
// the roster. The roster comes from the detail payload when fetched,
// otherwise from the registry's stored rows.
func (m *Manager) withTrackedFriends(ctx context.Context, matchID, accountID string, roster []stat.Player) (bool, error) {
	if roster != nil {
		for _, p := range roster {
			if p.AccountID != accountID && m.cfg.IsTracked(p.AccountID) {
				return true, nil
			}
		}
		return false, nil
	}

	stored, err := m.registry.Participants(ctx, matchID)
	if err != nil {
		return false, err
	}
	for _, p := range stored {
		if p.AccountID != accountID && m.cfg.IsTracked(p.AccountID) {
			return true, nil
		}
	}
	return false, nil
}

func convertMatch(d *stat.MatchDetail, firstAccountID string) *models.Match {
	now := time.Now().UTC()
	return &models.Match{
		MatchID:         d.MatchID,
		StartedAt:       d.StartedAt,
		EndedAt:         d.EndedAt,
		PlaylistID:      d.PlaylistID,
		PlaylistName:    d.PlaylistName,
		MapID:           d.MapID,
		MapName:         d.MapName,
		VariantID:       d.VariantID,
		VariantName:     d.VariantName,
		IsRanked:        d.IsRanked,
		IsSpecial:       d.IsSpecial,
		DurationSeconds: d.DurationSeconds,
		TeamScores:      encodeTeamScores(d.TeamScores),
		FirstAccountID:  firstAccountID,
		FirstSyncedAt:   &now,
	}
}

func convertRoster(d *stat.MatchDetail) []models.Participant {
	out := make([]models.Participant, 0, len(d.Roster))
	for _, p := range d.Roster {
		teamID := 0
		if p.TeamID != nil {
			teamID = *p.TeamID
		}
		out = append(out, models.Participant{
			MatchID:     d.MatchID,
			AccountID:   p.AccountID,
			TeamID:      teamID,
			Outcome:     p.Outcome,
			Rank:        p.Rank,
			Score:       p.Score,
			Kills:       p.Kills,
			Deaths:      p.Deaths,
			Assists:     p.Assists,
			ShotsFired:  p.ShotsFired,
			ShotsHit:    p.ShotsHit,
			DamageDealt: p.DamageDealt,
			DamageTaken: p.DamageTaken,
		})
	}
	return out
}

func convertMedals(d *stat.MatchDetail) []models.MedalTally {
	var out []models.MedalTally
	for _, p := range d.Roster {
		for _, medal := range p.Medals {
			out = append(out, models.MedalTally{
				MatchID:   d.MatchID,
				AccountID: p.AccountID,
				MedalID:   medal.MedalID,
				Tally:     medal.Count,
			})
		}
	}
	return out
}

func rosterAliases(d *stat.MatchDetail) []models.Alias {
	var out []models.Alias
	for _, p := range d.Roster {
		if p.DisplayName == "" {
			continue
		}
		out = append(out, models.Alias{
			AccountID:   p.AccountID,
			DisplayName: p.DisplayName,
			ObservedAt:  d.StartedAt,
			Source:      "sync",
		})
	}
	return out
}

// convertEvents maps wire events to registry rows, resolving actor and
// target display names from the roster when it was fetched.
func convertEvents(matchID string, list *stat.EventList, roster []stat.Player) []models.MatchEvent {
	names := make(map[string]string, len(roster))
	for _, p := range roster {
		names[p.AccountID] = p.DisplayName
	}

	out := make([]models.MatchEvent, 0, len(list.Events))
	for _, e := range list.Events {
		ev := models.MatchEvent{
			MatchID:  matchID,
			Category: e.Category,
			OffsetMS: e.OffsetMS,
			ActorID:  e.Actor,
			TargetID: e.Target,
			Payload:  e.RawPayload,
		}
		if e.TypeHint != nil {
			ev.TypeHint = *e.TypeHint
		}
		if e.Actor != nil {
			if name, ok := names[*e.Actor]; ok && name != "" {
				ev.ActorName = &name
			}
		}
		if e.Target != nil {
			if name, ok := names[*e.Target]; ok && name != "" {
				ev.TargetName = &name
			}
		}
		out = append(out, ev)
	}
	return out
}

func errorType(err error) string {
	switch {
	case telemetry.IsAuthError(err):
		return "auth"
	case telemetry.IsNotFound(err) || telemetry.IsTransient(err):
		return "remote"
	default:
		return "database"
	}
}
