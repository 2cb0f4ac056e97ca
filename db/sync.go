// ABOUTME: Database operations for the sync_state table
// ABOUTME: Tracks last drain/fetch times and the last sync error per organization scope
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync state status values.
const (
	SyncIdle     = "idle"
	SyncDraining = "draining"
	SyncError    = "error"
)

// SyncState represents the sync state for a scope.
type SyncState struct {
	Scope        string
	LastDrainAt  *time.Time
	LastFetchAt  *time.Time
	Status       string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GetSyncState retrieves the sync state for a scope. Returns nil when none exists.
func GetSyncState(ctx context.Context, db *sql.DB, scope string) (*SyncState, error) {
	var state SyncState
	var lastDrain, lastFetch sql.NullTime
	var errorMessage sql.NullString

	err := db.QueryRowContext(ctx, `
		SELECT scope, last_drain_at, last_fetch_at, status, error_message, created_at, updated_at
		FROM sync_state
		WHERE scope = ?
	`, scope).Scan(
		&state.Scope,
		&lastDrain,
		&lastFetch,
		&state.Status,
		&errorMessage,
		&state.CreatedAt,
		&state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	if lastDrain.Valid {
		state.LastDrainAt = &lastDrain.Time
	}
	if lastFetch.Valid {
		state.LastFetchAt = &lastFetch.Time
	}
	if errorMessage.Valid {
		state.ErrorMessage = &errorMessage.String
	}

	return &state, nil
}

// UpdateSyncStatus updates the status for a scope. A nil errorMsg clears the last error.
func UpdateSyncStatus(ctx context.Context, db *sql.DB, scope, status string, errorMsg *string) error {
	var errorMsgVal sql.NullString
	if errorMsg != nil {
		errorMsgVal = sql.NullString{String: *errorMsg, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (scope, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(scope) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			updated_at = CURRENT_TIMESTAMP
	`, scope, status, errorMsgVal)

	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}

	return nil
}

// RecordDrain stamps a completed drain for a scope.
func RecordDrain(ctx context.Context, db *sql.DB, scope string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (scope, last_drain_at, status, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(scope) DO UPDATE SET
			last_drain_at = excluded.last_drain_at,
			updated_at = CURRENT_TIMESTAMP
	`, scope, at.UTC(), SyncIdle)
	if err != nil {
		return fmt.Errorf("failed to record drain: %w", err)
	}
	return nil
}

// RecordFetch stamps a completed fetch for a scope.
func RecordFetch(ctx context.Context, db *sql.DB, scope string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (scope, last_fetch_at, status, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(scope) DO UPDATE SET
			last_fetch_at = excluded.last_fetch_at,
			updated_at = CURRENT_TIMESTAMP
	`, scope, at.UTC(), SyncIdle)
	if err != nil {
		return fmt.Errorf("failed to record fetch: %w", err)
	}
	return nil
}
