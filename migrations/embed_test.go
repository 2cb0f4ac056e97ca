package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedFS_ContainsMigrations(t *testing.T) {
	entries, err := FS.ReadDir(".")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "001_offline_commands.sql")
	assert.Contains(t, names, "002_sync_state.sql")
}

func TestEmbeddedFS_GooseDirectives(t *testing.T) {
	for _, name := range []string{"001_offline_commands.sql", "002_sync_state.sql"} {
		content, err := FS.ReadFile(name)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(content), "-- +goose Up"), name)
		assert.True(t, strings.Contains(string(content), "-- +goose Down"), name)
	}
}
