// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package telemetry

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/logging"
	"github.com/kestrelworks/matchvault/internal/metrics"
	"github.com/kestrelworks/matchvault/internal/models/stat"
)

// BreakerClient wraps a StatClient with a circuit breaker so a dead or
// degraded stat server does not burn the whole sync run on timeouts.
//
// The breaker uses real time (via sony/gobreaker) for its interval and
// timeout calculations. Unit tests should mock the underlying client
// rather than the breaker.
type BreakerClient struct {
	client StatClient
	cb     *gobreaker.CircuitBreaker[interface{}]
	name   string
}

// NewBreakerClient wraps client with circuit breaker protection.
// Breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - Opens after 60% failure rate with a configurable minimum request count
// - Configurable open period before attempting recovery (default 2 minutes)
//
// Auth and not-found responses do not count as breaker failures; they
// are definitive answers from a healthy server.
func NewBreakerClient(client StatClient, cfg *config.StatsConfig) *BreakerClient {
	cbName := "stat-api"

	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6

			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit")
			}

			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},

		IsSuccessful: func(err error) bool {
			// A definitive answer from the server is not a failure,
			// even when it is an error for the caller.
			return err == nil || IsAuthError(err) || IsNotFound(err)
		},
	})

	return &BreakerClient{
		client: client,
		cb:     cb,
		name:   cbName,
	}
}

// execute wraps a stat-server call with circuit breaker protection.
func (b *BreakerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
			return nil, &APIError{Kind: KindTransient, Endpoint: "breaker", Err: err}
		}
		return nil, err
	}
	return result, nil
}

func (b *BreakerClient) Ping(ctx context.Context) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx)
	})
	return err
}

func (b *BreakerClient) ListMatchIDs(ctx context.Context, accountID string, start, count int) (*stat.MatchList, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.client.ListMatchIDs(ctx, accountID, start, count)
	})
	if err != nil {
		return nil, err
	}
	return result.(*stat.MatchList), nil
}

func (b *BreakerClient) GetMatchDetail(ctx context.Context, matchID string) (*stat.MatchDetail, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.client.GetMatchDetail(ctx, matchID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*stat.MatchDetail), nil
}

func (b *BreakerClient) GetSkill(ctx context.Context, matchID string, accountIDs []string) (*stat.SkillResult, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.client.GetSkill(ctx, matchID, accountIDs)
	})
	if err != nil {
		return nil, err
	}
	return result.(*stat.SkillResult), nil
}

func (b *BreakerClient) GetEvents(ctx context.Context, matchID string) (*stat.EventList, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.client.GetEvents(ctx, matchID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*stat.EventList), nil
}

// State returns the current breaker state for health reporting.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
