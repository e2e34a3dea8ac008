// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

/*
client.go - Stat Server API Client

This file provides the core StatClient struct and HTTP communication layer
for interacting with the remote stat server's REST API.

Client Features:
  - HTTP client with configurable timeout
  - API key authentication via header
  - Automatic HTTP 429 rate limit handling with exponential backoff
  - Typed error classification (auth, not-found, rate-limited, transient)
  - Context support for cancellation and timeouts

Endpoints:
  - ListMatchIDs:   paged, newest-first match listing for one account
  - GetMatchDetail: full match payload with roster and medal awards
  - GetSkill:       lightweight per-account stat lines for one match
  - GetEvents:      raw match timeline

Related Files:
  - errors.go: error taxonomy and classification predicates
  - circuit_breaker.go: resilience wrapper around this client
*/

//nolint:staticcheck // File documentation, not package doc
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelworks/matchvault/internal/config"
	"github.com/kestrelworks/matchvault/internal/metrics"
	"github.com/kestrelworks/matchvault/internal/models/stat"
)

// maxErrorBodySize limits how much of an error response body is read
// for diagnostics.
const maxErrorBodySize = 64 * 1024 // 64KB

// StatClient defines the stat-server operations the sync and backfill
// engines depend on. Implemented by Client for production use and by
// mocks in tests.
//
// All methods accept a context for cancellation, return typed structs
// from internal/models/stat, and classify failures as *APIError.
//
// Thread Safety: implementations must be safe for concurrent use.
type StatClient interface {
	Ping(ctx context.Context) error
	ListMatchIDs(ctx context.Context, accountID string, start, count int) (*stat.MatchList, error)
	GetMatchDetail(ctx context.Context, matchID string) (*stat.MatchDetail, error)
	GetSkill(ctx context.Context, matchID string, accountIDs []string) (*stat.SkillResult, error)
	GetEvents(ctx context.Context, matchID string) (*stat.EventList, error)
}

// Client handles communication with the stat-server HTTP API.
//
// Features:
//   - Configurable request timeout (default 30s)
//   - Automatic retry on HTTP 429 (up to 5 retries)
//   - Exponential backoff (1s, 2s, 4s, 8s, 16s) honoring Retry-After
//   - Typed error classification for the sync engine
//
// Thread Safety: safe for concurrent use. Each request creates its own
// HTTP request.
type Client struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewClient creates a stat-server API client from the provided
// configuration.
func NewClient(cfg *config.StatsConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
		},
		maxRetries:     5,
		retryBaseDelay: 1 * time.Second,
	}
}

// doRequestWithRateLimit performs a GET with automatic 429 handling.
// Implements exponential backoff (1s, 2s, 4s, 8s, 16s), honoring the
// Retry-After header when present. The context cancels backoff waits.
func (c *Client) doRequestWithRateLimit(ctx context.Context, endpoint, reqURL string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &APIError{Kind: KindTransient, Endpoint: endpoint, Err: err}
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		// Rate limited - close body and retry with backoff
		_ = resp.Body.Close()

		if attempt == c.maxRetries {
			lastErr = &APIError{
				Kind:       KindRateLimited,
				Endpoint:   endpoint,
				StatusCode: http.StatusTooManyRequests,
				Message:    fmt.Sprintf("rate limit exceeded after %d retries", c.maxRetries),
			}
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))

		// Retry-After (RFC 6585) overrides the computed backoff
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
				delay = seconds
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// makeRequest handles common request boilerplate: URL construction,
// the rate-limited GET, status classification, and JSON decoding.
func (c *Client) makeRequest(ctx context.Context, endpoint, path string, params url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	start := time.Now()
	resp, err := c.doRequestWithRateLimit(ctx, endpoint, reqURL)
	if err != nil {
		metrics.RecordAPICall(endpoint, time.Since(start), errKindLabel(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			Kind:       kindForStatus(resp.StatusCode),
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
		metrics.RecordAPICall(endpoint, time.Since(start), string(apiErr.Kind))
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		metrics.RecordAPICall(endpoint, time.Since(start), string(KindTransient))
		return &APIError{
			Kind:     KindTransient,
			Endpoint: endpoint,
			Err:      fmt.Errorf("failed to decode response: %w", err),
		}
	}

	metrics.RecordAPICall(endpoint, time.Since(start), "")
	return nil
}

// readErrorMessage extracts the server's error envelope from a non-200
// response body, falling back to the raw (truncated) body text.
func readErrorMessage(r io.Reader) string {
	limited := io.LimitReader(r, maxErrorBodySize)
	body, err := io.ReadAll(limited)
	if err != nil || len(body) == 0 {
		return ""
	}

	var envelope stat.ErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		if envelope.Message != "" {
			return envelope.Error + ": " + envelope.Message
		}
		return envelope.Error
	}

	if len(body) == maxErrorBodySize {
		body = append(body, []byte("... (truncated)")...)
	}
	return string(body)
}

func errKindLabel(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return string(apiErr.Kind)
	}
	return string(KindTransient)
}

// Ping verifies connectivity and API key validity.
func (c *Client) Ping(ctx context.Context) error {
	var result struct {
		Status string `json:"status"`
	}
	if err := c.makeRequest(ctx, "ping", "/api/v1/ping", nil, &result); err != nil {
		return err
	}
	if result.Status != "ok" {
		return &APIError{Kind: KindTransient, Endpoint: "ping", Message: "unexpected status " + result.Status}
	}
	return nil
}

// ListMatchIDs fetches one page of an account's match history, newest
// first. start is a zero-based offset; count is the page size.
func (c *Client) ListMatchIDs(ctx context.Context, accountID string, start, count int) (*stat.MatchList, error) {
	params := url.Values{}
	params.Set("start", fmt.Sprintf("%d", start))
	params.Set("count", fmt.Sprintf("%d", count))

	path := fmt.Sprintf("/api/v1/accounts/%s/matches", url.PathEscape(accountID))
	var result stat.MatchList
	if err := c.makeRequest(ctx, "list_match_ids", path, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMatchDetail fetches the full match payload including roster and
// medal awards.
func (c *Client) GetMatchDetail(ctx context.Context, matchID string) (*stat.MatchDetail, error) {
	path := fmt.Sprintf("/api/v1/matches/%s", url.PathEscape(matchID))
	var result stat.MatchDetail
	if err := c.makeRequest(ctx, "match_detail", path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSkill fetches lightweight stat lines for the given accounts in
// one match. This is the only call the known-match path makes.
func (c *Client) GetSkill(ctx context.Context, matchID string, accountIDs []string) (*stat.SkillResult, error) {
	params := url.Values{}
	params.Set("account_ids", strings.Join(accountIDs, ","))

	path := fmt.Sprintf("/api/v1/matches/%s/skill", url.PathEscape(matchID))
	var result stat.SkillResult
	if err := c.makeRequest(ctx, "skill", path, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEvents fetches the raw match timeline.
func (c *Client) GetEvents(ctx context.Context, matchID string) (*stat.EventList, error) {
	path := fmt.Sprintf("/api/v1/matches/%s/events", url.PathEscape(matchID))
	var result stat.EventList
	if err := c.makeRequest(ctx, "events", path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
