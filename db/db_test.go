// ABOUTME: Tests for database open, migrations, and sync state bookkeeping
// ABOUTME: Uses a temp-dir SQLite file per test
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDatabase failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := OpenDatabase(dbPath)
	if err != nil {
		t.Fatalf("OpenDatabase failed: %v", err)
	}
	defer db.Close()

	// Verify database file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	for _, table := range []string{"offline_commands", "sync_state"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}

	// Verify WAL mode
	var mode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL mode, got %s", mode)
	}
}

func TestOpenDatabaseTwice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := OpenDatabase(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenDatabase(dbPath)
	require.NoError(t, err, "migrations must be idempotent")
	require.NoError(t, second.Close())
}

func TestOpenDatabaseInvalidPath(t *testing.T) {
	// A regular file cannot be used as a parent directory
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0600))

	_, err := OpenDatabase(filepath.Join(parent, "test.db"))
	assert.Error(t, err)
}

func TestSyncState(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	state, err := GetSyncState(ctx, db, "org-1")
	require.NoError(t, err)
	assert.Nil(t, state)

	msg := "server unreachable"
	require.NoError(t, UpdateSyncStatus(ctx, db, "org-1", SyncError, &msg))

	state, err = GetSyncState(ctx, db, "org-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, SyncError, state.Status)
	require.NotNil(t, state.ErrorMessage)
	assert.Equal(t, msg, *state.ErrorMessage)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, RecordDrain(ctx, db, "org-1", at))
	require.NoError(t, RecordFetch(ctx, db, "org-1", at.Add(time.Minute)))
	require.NoError(t, UpdateSyncStatus(ctx, db, "org-1", SyncIdle, nil))

	state, err = GetSyncState(ctx, db, "org-1")
	require.NoError(t, err)
	assert.Equal(t, SyncIdle, state.Status)
	assert.Nil(t, state.ErrorMessage)
	require.NotNil(t, state.LastDrainAt)
	assert.True(t, at.Equal(*state.LastDrainAt))
	require.NotNil(t, state.LastFetchAt)
	assert.True(t, at.Add(time.Minute).Equal(*state.LastFetchAt))
}
