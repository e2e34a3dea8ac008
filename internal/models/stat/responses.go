// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package stat defines the wire types returned by the stat-server API.
// Field names mirror the server's JSON payloads; conversion into the
// internal storage model happens in the sync engine.
package stat

import "time"

// MatchList is the response of the per-account match listing endpoint.
// Results are ordered newest first and paged with start/count.
type MatchList struct {
	AccountID string      `json:"account_id"`
	Start     int         `json:"start"`
	Count     int         `json:"count"`
	Total     int         `json:"total"`
	Matches   []MatchStub `json:"matches"`
}

// MatchStub is one entry of a match listing. It carries only what the
// listing endpoint returns; full detail requires a separate call.
type MatchStub struct {
	MatchID   string    `json:"match_id"`
	StartedAt time.Time `json:"started_at"`
}

// MatchDetail is the full match payload: core descriptors plus the
// complete roster with per-player stat lines and medal awards.
type MatchDetail struct {
	MatchID         string     `json:"match_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	PlaylistID      string     `json:"playlist_id"`
	PlaylistName    string     `json:"playlist_name"`
	MapID           string     `json:"map_id"`
	MapName         string     `json:"map_name"`
	VariantID       string     `json:"variant_id"`
	VariantName     string     `json:"variant_name"`
	IsRanked        bool       `json:"is_ranked"`
	IsSpecial       bool       `json:"is_special"`
	DurationSeconds int        `json:"duration_seconds"`
	TeamScores      []int      `json:"team_scores,omitempty"`
	Roster          []Player   `json:"roster"`
}

// Player is one roster entry in a match detail payload.
type Player struct {
	AccountID   string  `json:"account_id"`
	DisplayName string  `json:"display_name"`
	TeamID      *int    `json:"team_id,omitempty"`
	Outcome     string  `json:"outcome"`
	Rank        int     `json:"rank"`
	Score       int     `json:"score"`
	Kills       int     `json:"kills"`
	Deaths      int     `json:"deaths"`
	Assists     int     `json:"assists"`
	ShotsFired  int     `json:"shots_fired"`
	ShotsHit    int     `json:"shots_hit"`
	DamageDealt float64 `json:"damage_dealt"`
	DamageTaken float64 `json:"damage_taken"`
	Medals      []Medal `json:"medals,omitempty"`
}

// Medal is one medal award within a roster entry.
type Medal struct {
	MedalID string `json:"medal_id"`
	Count   int    `json:"count"`
}

// SkillResult is the response of the skill endpoint: a lightweight
// per-account stat line, keyed by account ID.
type SkillResult struct {
	MatchID string               `json:"match_id"`
	Skills  map[string]SkillLine `json:"skills"`
}

// SkillLine is one account's lightweight stat line from the skill
// endpoint. It duplicates the roster stat fields so the known-match
// path can enrich without fetching the full detail payload.
type SkillLine struct {
	DisplayName string   `json:"display_name"`
	Kills       int      `json:"kills"`
	Deaths      int      `json:"deaths"`
	Assists     int      `json:"assists"`
	Score       int      `json:"score"`
	ShotsFired  int      `json:"shots_fired"`
	ShotsHit    int      `json:"shots_hit"`
	DamageDealt float64  `json:"damage_dealt"`
	MMR         *float64 `json:"mmr,omitempty"`
}

// EventList is the response of the match events endpoint.
type EventList struct {
	MatchID string  `json:"match_id"`
	Events  []Event `json:"events"`
}

// Event is one timeline entry. Payload holds the raw category-specific
// body; it is stored untouched and never interpreted during sync.
type Event struct {
	Category   string  `json:"category"`
	OffsetMS   int     `json:"offset_ms"`
	Actor      *string `json:"actor,omitempty"`
	Target     *string `json:"target,omitempty"`
	TypeHint   *string `json:"type_hint,omitempty"`
	RawPayload string  `json:"payload,omitempty"`
}

// ErrorBody is the JSON error envelope the stat server returns on
// non-2xx responses.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
