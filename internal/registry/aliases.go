// MatchVault - Shared Match Telemetry Sync and Analytics Store
// Copyright 2026 Kestrel Works
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelworks/matchvault

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrelworks/matchvault/internal/models"
)

// UpsertAlias records an observed display name for an account. Latest
// observation wins: a stale observation never overwrites a fresher one,
// which makes concurrent upserts from multiple accounts' syncs safe in
// either order.
func (r *Registry) UpsertAlias(ctx context.Context, alias *models.Alias) error {
	return upsertAlias(ctx, r.conn, alias)
}

// UpsertAliasTx is UpsertAlias inside an existing transaction.
func UpsertAliasTx(ctx context.Context, tx *sql.Tx, alias *models.Alias) error {
	return upsertAlias(ctx, tx, alias)
}

func upsertAlias(ctx context.Context, q dbtx, alias *models.Alias) error {
	query := `INSERT INTO aliases (account_id, display_name, observed_at, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			display_name = excluded.display_name,
			observed_at = excluded.observed_at,
			source = excluded.source
		WHERE excluded.observed_at > aliases.observed_at`

	if _, err := q.ExecContext(ctx, query,
		alias.AccountID, alias.DisplayName, alias.ObservedAt, alias.Source); err != nil {
		return fmt.Errorf("failed to upsert alias for %s: %w", alias.AccountID, err)
	}
	return nil
}

// GetAlias returns the latest observed display name for an account, or
// nil when no name has been observed.
func (r *Registry) GetAlias(ctx context.Context, accountID string) (*models.Alias, error) {
	var a models.Alias
	err := r.conn.QueryRowContext(ctx,
		`SELECT account_id, display_name, observed_at, source FROM aliases WHERE account_id = ?`,
		accountID).Scan(&a.AccountID, &a.DisplayName, &a.ObservedAt, &a.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alias for %s: %w", accountID, err)
	}
	return &a, nil
}

// Aliases returns all known aliases keyed by account id.
func (r *Registry) Aliases(ctx context.Context) (map[string]models.Alias, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT account_id, display_name, observed_at, source FROM aliases`)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Alias)
	for rows.Next() {
		var a models.Alias
		if err := rows.Scan(&a.AccountID, &a.DisplayName, &a.ObservedAt, &a.Source); err != nil {
			return nil, fmt.Errorf("failed to scan alias row: %w", err)
		}
		out[a.AccountID] = a
	}
	return out, rows.Err()
}
