// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package telemetry

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies stat-server failures so the sync engine can
// decide between aborting a run, skipping a match, and retrying.
type ErrorKind string

const (
	// KindAuth means the API key was rejected. Not retryable; the
	// whole sync run aborts.
	KindAuth ErrorKind = "auth"

	// KindNotFound means the match or account does not exist on the
	// server. Not retryable; the single match is skipped.
	KindNotFound ErrorKind = "not_found"

	// KindRateLimited means HTTP 429 persisted through all retries.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTransient covers 5xx responses, network failures, and
	// malformed payloads. Retryable with backoff.
	KindTransient ErrorKind = "transient"
)

// APIError is the error type for all stat-server call failures.
type APIError struct {
	Kind       ErrorKind
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stat api %s: %s (%s)", e.Endpoint, e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("stat api %s: %v (%s)", e.Endpoint, e.Err, e.Kind)
	}
	return fmt.Sprintf("stat api %s: status %d (%s)", e.Endpoint, e.StatusCode, e.Kind)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is a stat-server authentication failure.
func IsAuthError(err error) bool {
	return hasKind(err, KindAuth)
}

// IsNotFound reports whether err is a stat-server 404.
func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

// IsRateLimited reports whether err is an exhausted rate limit.
func IsRateLimited(err error) bool {
	return hasKind(err, KindRateLimited)
}

// IsTransient reports whether err is worth retrying. Rate limit
// exhaustion counts as transient for retry purposes.
func IsTransient(err error) bool {
	return hasKind(err, KindTransient) || hasKind(err, KindRateLimited)
}

func hasKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// kindForStatus maps an HTTP status code to an error kind. Anything
// unexpected is treated as transient so the caller retries.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindTransient
	}
}
