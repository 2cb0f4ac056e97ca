// ABOUTME: Tests for config loading, persistence, environment overrides, and file watching
// ABOUTME: Every test points XDG and the config path at a temp dir
package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DEALSYNC_SERVER", "DEALSYNC_TOKEN", "DEALSYNC_ORG", "DEALSYNC_DATA_DIR",
	"DEALSYNC_LOG_LEVEL", "DEALSYNC_LOG_FILE", "DEALSYNC_OFFLINE",
}

// clearEnv unsets every override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join(xdg.ConfigHome, "dealsync"), Dir())
	assert.Equal(t, "config.json", filepath.Base(Path()))
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.LoadingTimeout.Duration)
}

func TestSaveAndLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	original := Default()
	original.Server = "https://deals.example.com"
	original.Token = "secret"
	original.Organization = "org-9"
	original.Offline = true
	original.StaleAfter = Duration{90 * time.Second}

	require.NoError(t, Save(path, original))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"organization":"org-2","retry_max_delay":120}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "org-2", cfg.Organization)
	assert.Equal(t, 2*time.Minute, cfg.RetryMaxDelay.Duration)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay.Duration)
	assert.Equal(t, "http://localhost:8787", cfg.Server)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{not json`), 0600))
	_, err := Load(bad)
	assert.Error(t, err)

	badDuration := filepath.Join(dir, "duration.json")
	require.NoError(t, os.WriteFile(badDuration, []byte(`{"stale_after":"soon"}`), 0600))
	_, err = Load(badDuration)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":"http://file","organization":"from-file"}`), 0600))

	t.Setenv("DEALSYNC_SERVER", "http://env")
	t.Setenv("DEALSYNC_ORG", "from-env")
	t.Setenv("DEALSYNC_TOKEN", "tok")
	t.Setenv("DEALSYNC_OFFLINE", "true")
	t.Setenv("DEALSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env", cfg.Server)
	assert.Equal(t, "from-env", cfg.Organization)
	assert.Equal(t, "tok", cfg.Token)
	assert.True(t, cfg.Offline)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DEALSYNC_ORG=dotenv-org\nDEALSYNC_SERVER=http://dotenv\n"), 0600))
	t.Setenv("DEALSYNC_SERVER", "http://already-set")

	require.NoError(t, LoadEnv(envFile, filepath.Join(dir, "missing.env")))
	t.Cleanup(func() { _ = os.Unsetenv("DEALSYNC_ORG") })

	cfg, err := Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "dotenv-org", cfg.Organization)
	assert.Equal(t, "http://already-set", cfg.Server, "existing variables win over .env")
}

func TestDuration_JSON(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: `"250ms"`, want: 250 * time.Millisecond},
		{in: `"2m"`, want: 2 * time.Minute},
		{in: `1.5`, want: 1500 * time.Millisecond},
		{in: `null`, want: 0},
		{in: `"later"`, wantErr: true},
		{in: `true`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}

	out, err := json.Marshal(Duration{3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"3s"`, string(out))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.Organization = "org-1"
	assert.NoError(t, cfg.Validate())

	cfg.Server = " "
	assert.Error(t, cfg.Validate())
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/dealsync"
	assert.Equal(t, "/var/lib/dealsync/queue.db", cfg.QueuePath())
	assert.Equal(t, "/var/lib/dealsync/cache", cfg.DurablePath())

	assert.Equal(t, filepath.Join(xdg.CacheHome, "dealsync"), cfg.FallbackPath())
	cfg.CacheDir = "/tmp/fallback"
	assert.Equal(t, "/tmp/fallback", cfg.FallbackPath())
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Organization = "org-1"
	require.NoError(t, Save(path, cfg))

	changes := make(chan *Config, 4)
	w, err := Watch(path, log.New(io.Discard), func(c *Config) { changes <- c })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	cfg.Organization = "org-2"
	require.NoError(t, Save(path, cfg))

	select {
	case got := <-changes:
		assert.Equal(t, "org-2", got.Organization)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config change")
	}

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(path, Default()))

	changes := make(chan *Config, 4)
	w, err := Watch(path, log.New(io.Discard), func(c *Config) { changes <- c })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0600))

	select {
	case <-changes:
		t.Fatal("reloaded for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
