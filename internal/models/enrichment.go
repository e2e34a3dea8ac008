// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package models

import "time"

// AccountEnrichment holds one tracked account's private derived data for one
// match. Rows live in that account's own store, keyed by match id, and are
// created or updated on every sync whether the match was known or new.
//
// PerformanceScore is nil while a deferred-scoring sync has not yet run its
// backfill pass; SessionID groups matches played back-to-back into play
// sessions.
type AccountEnrichment struct {
	MatchID            string     `json:"match_id"`
	PerformanceScore   *float64   `json:"performance_score,omitempty"` // percentile, 0-100
	SessionID          *string    `json:"session_id,omitempty"`
	WithTrackedFriends bool       `json:"with_tracked_friends"`
	UpdatedAt          time.Time  `json:"updated_at"`
	PlayedAt           time.Time  `json:"played_at"` // match start, for session ordering
	PerformanceInputs  *Statline  `json:"-"`         // transient, not persisted
	EndedAt            *time.Time `json:"-"`         // transient, for session grouping
}

// Statline is the lightweight per-account summary returned by the skill
// endpoint. It is the only payload the known-match path fetches.
type Statline struct {
	AccountID   string  `json:"account_id"`
	DisplayName string  `json:"display_name"`
	Kills       int     `json:"kills"`
	Deaths      int     `json:"deaths"`
	Assists     int     `json:"assists"`
	Score       int     `json:"score"`
	ShotsFired  int     `json:"shots_fired"`
	ShotsHit    int     `json:"shots_hit"`
	DamageDealt float64 `json:"damage_dealt"`
	MMR         float64 `json:"mmr"`
}

// MatchRecord is the logical per-account match row exposed by the match
// source view: the shared match joined with the account's own participant
// row and left-joined with its private enrichment. Enrichment fields are nil
// when no enrichment row exists yet.
type MatchRecord struct {
	Match
	Participant

	PerformanceScore   *float64 `json:"performance_score,omitempty"`
	SessionID          *string  `json:"session_id,omitempty"`
	WithTrackedFriends *bool    `json:"with_tracked_friends,omitempty"`
}
