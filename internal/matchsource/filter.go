// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package matchsource

import (
	"fmt"
	"strings"
	"time"

	"github.com/kestrelworks/matchvault/internal/models"
)

// Filter contains filter parameters for match source queries. All
// fields are optional and combine with AND logic; multi-select slices
// use OR logic within the field.
//
// Thread Safety: Filter is immutable after creation and safe for
// concurrent read access.
type Filter struct {
	StartDate   *time.Time // match started on or after
	EndDate     *time.Time // match started on or before
	PlaylistIDs []string
	MapIDs      []string
	Outcomes    []string // "win", "loss", "tie", "dnf"
	RankedOnly  bool
	SessionID   string // exact session match
	Limit       int
	Offset      int
}

// appendInClause adds "col IN (?, ...)" for a non-empty value slice.
func appendInClause(column string, values []string, clauses *[]string, args *[]interface{}) {
	if len(values) == 0 {
		return
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, v)
	}
	*clauses = append(*clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
}

// buildWhereClause returns the WHERE conditions and args for the
// registry-side join query. Column names carry the aliases used by the
// source queries: m for matches, p for participants, e for enrichment.
func (f Filter) buildWhereClause() ([]string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}

	if f.StartDate != nil {
		clauses = append(clauses, "m.started_at >= ?")
		args = append(args, *f.StartDate)
	}
	if f.EndDate != nil {
		clauses = append(clauses, "m.started_at <= ?")
		args = append(args, *f.EndDate)
	}

	appendInClause("m.playlist_id", f.PlaylistIDs, &clauses, &args)
	appendInClause("m.map_id", f.MapIDs, &clauses, &args)
	appendInClause("p.outcome", f.Outcomes, &clauses, &args)

	if f.RankedOnly {
		clauses = append(clauses, "m.is_ranked")
	}

	return clauses, args
}

// paginationDefaults returns effective limit and offset. Limit zero
// means a defensive cap rather than unbounded.
func (f Filter) paginationDefaults() (int, int) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// matchRecord applies the record-level parts of the filter that the
// SQL path handles in the WHERE clause. The app-layer merge and the
// legacy fallback run every candidate through this.
func (f Filter) matchRecord(rec *models.MatchRecord) bool {
	if f.StartDate != nil && rec.StartedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && rec.StartedAt.After(*f.EndDate) {
		return false
	}
	if len(f.PlaylistIDs) > 0 && !containsString(f.PlaylistIDs, rec.Match.PlaylistID) {
		return false
	}
	if len(f.MapIDs) > 0 && !containsString(f.MapIDs, rec.Match.MapID) {
		return false
	}
	if len(f.Outcomes) > 0 && !containsString(f.Outcomes, rec.Participant.Outcome) {
		return false
	}
	if f.RankedOnly && !rec.IsRanked {
		return false
	}
	if f.SessionID != "" {
		if rec.SessionID == nil || *rec.SessionID != f.SessionID {
			return false
		}
	}
	return true
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
