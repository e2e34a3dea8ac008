// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

// Package metrics provides Prometheus instrumentation for the sync engine,
// the stat-server client, and the backfill engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync Operation Metrics
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of per-account sync runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	SyncMatchesInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_matches_inserted_total",
			Help: "Total matches written through the new-match path",
		},
	)

	SyncMatchesEnriched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_matches_enriched_total",
			Help: "Total enrichment rows written (known and new paths)",
		},
	)

	SyncMatchesKnown = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_matches_known_total",
			Help: "Total matches classified onto the known-match path",
		},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total per-match sync failures",
		},
		[]string{"error_type"}, // "remote", "database", "auth"
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of last successful sync run",
		},
	)

	SyncCommitBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_commit_batch_duration_seconds",
			Help:    "Duration of registry write-batch commits",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Stat Server Client Metrics
	StatAPICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stat_api_call_duration_seconds",
			Help:    "Duration of stat-server API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"}, // "list_match_ids", "match_detail", "skill", "events"
	)

	StatAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stat_api_errors_total",
			Help: "Total stat-server API errors by kind",
		},
		[]string{"endpoint", "kind"}, // kind: "auth", "not_found", "rate_limited", "transient"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Backfill / Migration Metrics
	MigrationMatchesMigrated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "migration_matches_migrated_total",
			Help: "Total legacy matches folded into the shared registry",
		},
	)

	MigrationMatchesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "migration_matches_skipped_total",
			Help: "Total legacy matches already contributed by another account",
		},
	)

	// Deferred Scoring Metrics
	ScoreBackfillDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "score_backfill_duration_seconds",
			Help:    "Duration of deferred score backfill passes",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)
)

// RecordSyncRun records the outcome of one SyncAccount run.
func RecordSyncRun(duration time.Duration, inserted, enriched int, failed int) {
	SyncDuration.Observe(duration.Seconds())
	SyncMatchesInserted.Add(float64(inserted))
	SyncMatchesEnriched.Add(float64(enriched))
	if failed == 0 {
		SyncLastSuccess.Set(float64(time.Now().Unix()))
	}
}

// RecordAPICall records one stat-server call's latency and, when err is
// non-nil, its error kind.
func RecordAPICall(endpoint string, duration time.Duration, kind string) {
	StatAPICallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	if kind != "" {
		StatAPIErrors.WithLabelValues(endpoint, kind).Inc()
	}
}
