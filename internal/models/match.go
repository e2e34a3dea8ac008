// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package models defines the data structures shared across MatchVault:
// registry rows (matches, participants, events, medals, aliases), per-account
// enrichment rows, and the combined records returned by the match source view.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Backfill step bits recorded in Match.BackfillSteps. Each bit marks a
// telemetry category that has been filled in by the backfill engine, so a
// re-run can tell a fully-migrated match from a partial one.
const (
	BackfillStepCore         = 1 << iota // match core row written
	BackfillStepParticipants             // roster rows written
	BackfillStepEvents                   // event log written
	BackfillStepMedals                   // medal tallies written
)

// Match is the canonical shared record for one real multiplayer match.
// Exactly one row exists per match id regardless of how many tracked
// accounts played in it.
//
// The three *Loaded flags are monotonic: once a telemetry category has been
// persisted the flag is set true and never reverts. A later account's sync
// consults the flags to decide which categories (if any) still need a fetch.
type Match struct {
	MatchID   string     `json:"match_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	PlaylistID   string `json:"playlist_id"`
	PlaylistName string `json:"playlist_name"`
	MapID        string `json:"map_id"`
	MapName      string `json:"map_name"`
	VariantID    string `json:"variant_id"`
	VariantName  string `json:"variant_name"`

	IsRanked        bool   `json:"is_ranked"`
	IsSpecial       bool   `json:"is_special"`
	DurationSeconds int    `json:"duration_seconds"`
	TeamScores      string `json:"team_scores"` // JSON array of per-team scores

	ParticipantsLoaded bool `json:"participants_loaded"`
	EventsLoaded       bool `json:"events_loaded"`
	MedalsLoaded       bool `json:"medals_loaded"`
	BackfillSteps      int  `json:"backfill_steps"`

	// First contributor: the tracked account whose sync created this row.
	FirstAccountID string     `json:"first_account_id"`
	FirstSyncedAt  *time.Time `json:"first_synced_at,omitempty"`

	// ParticipantAccounts is the distinct count of tracked accounts that have
	// contributed this match. Always recomputed from match_contributors rows,
	// never incremented in place.
	ParticipantAccounts int `json:"participant_accounts"`
}

// FullyLoaded reports whether every telemetry category has been persisted,
// which routes later accounts onto the known-match path.
func (m *Match) FullyLoaded() bool {
	return m.ParticipantsLoaded && m.EventsLoaded && m.MedalsLoaded
}

// Participant is one roster member's statline for one match. The row is
// created by whichever tracked account first fetches the match detail and is
// never duplicated for the same (match, account) pair.
type Participant struct {
	MatchID   string `json:"match_id"`
	AccountID string `json:"account_id"`

	TeamID  int    `json:"team_id"`
	Outcome string `json:"outcome"` // "win", "loss", "tie", "dnf"
	Rank    int    `json:"rank"`
	Score   int    `json:"score"`

	Kills       int     `json:"kills"`
	Deaths      int     `json:"deaths"`
	Assists     int     `json:"assists"`
	ShotsFired  int     `json:"shots_fired"`
	ShotsHit    int     `json:"shots_hit"`
	DamageDealt float64 `json:"damage_dealt"`
	DamageTaken float64 `json:"damage_taken"`
}

// Accuracy returns shots hit over shots fired, or zero when nothing was fired.
func (p *Participant) Accuracy() float64 {
	if p.ShotsFired == 0 {
		return 0
	}
	return float64(p.ShotsHit) / float64(p.ShotsFired)
}

// MatchEvent is one entry of a match's event log. Events are append-only:
// they are inserted in a single batch when events_loaded transitions to true
// and are never touched afterwards.
type MatchEvent struct {
	ID       uuid.UUID `json:"id"`
	MatchID  string    `json:"match_id"`
	Category string    `json:"category"` // "kill", "medal", "objective", ...
	OffsetMS int       `json:"offset_ms"`

	ActorID    *string `json:"actor_id,omitempty"`
	ActorName  *string `json:"actor_name,omitempty"`
	TargetID   *string `json:"target_id,omitempty"`
	TargetName *string `json:"target_name,omitempty"`

	TypeHint string `json:"type_hint"`
	Payload  string `json:"payload"` // opaque JSON from the stat server
}

// MedalTally is the count of one specific award earned by one roster member
// in one match.
type MedalTally struct {
	MatchID   string `json:"match_id"`
	AccountID string `json:"account_id"`
	MedalID   string `json:"medal_id"`
	Tally     int    `json:"tally"`
}

// Alias maps an account id to its latest observed display name. Aliases are
// upserted on fresher observations only and never deleted; "latest wins" is
// safe under concurrent upsert from multiple accounts' syncs.
type Alias struct {
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"display_name"`
	ObservedAt  time.Time `json:"observed_at"`
	Source      string    `json:"source"` // "sync", "backfill"
}

// Contributor records that a tracked account has synced a match into the
// registry. The matches.participant_accounts counter is derived from these
// rows, and the earliest row identifies the first contributor.
type Contributor struct {
	MatchID   string    `json:"match_id"`
	AccountID string    `json:"account_id"`
	SyncedAt  time.Time `json:"synced_at"`
}
