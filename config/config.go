// ABOUTME: Client configuration stored at XDG paths with .env and environment overrides
// ABOUTME: Covers server address, credentials, active organization, storage paths, and timings
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads "30s" style strings or a number of seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		d.Duration = time.Duration(t * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// Config holds everything the client needs to reach the server and store data locally.
type Config struct {
	Server       string `json:"server"`
	Token        string `json:"token,omitempty"`
	Organization string `json:"organization"`
	DataDir      string `json:"data_dir,omitempty"`
	CacheDir     string `json:"cache_dir,omitempty"`
	LogLevel     string `json:"log_level,omitempty"`
	LogFile      string `json:"log_file,omitempty"`
	Offline      bool   `json:"offline,omitempty"`

	LoadingTimeout      Duration `json:"loading_timeout"`
	FirstLoadRetryDelay Duration `json:"first_load_retry_delay"`
	StaleAfter          Duration `json:"stale_after"`
	RetryBaseDelay      Duration `json:"retry_base_delay"`
	RetryMaxDelay       Duration `json:"retry_max_delay"`
}

// Dir returns the XDG config directory for dealsync.
func Dir() string {
	return filepath.Join(xdg.ConfigHome, "dealsync")
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// Default returns a config with every timing set.
func Default() *Config {
	return &Config{
		Server:              "http://localhost:8787",
		LogLevel:            "info",
		LoadingTimeout:      Duration{30 * time.Second},
		FirstLoadRetryDelay: Duration{1500 * time.Millisecond},
		StaleAfter:          Duration{5 * time.Minute},
		RetryBaseDelay:      Duration{time.Second},
		RetryMaxDelay:       Duration{5 * time.Minute},
	}
}

// LoadEnv reads .env files into the environment without overriding variables
// that are already set. Missing files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the config at path over the defaults and applies environment
// overrides. A missing file yields the defaults.
// Environment variables:
// - DEALSYNC_SERVER
// - DEALSYNC_TOKEN
// - DEALSYNC_ORG
// - DEALSYNC_DATA_DIR
// - DEALSYNC_LOG_LEVEL
// - DEALSYNC_LOG_FILE
// - DEALSYNC_OFFLINE
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer func() { _ = f.Close() }()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEALSYNC_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("DEALSYNC_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("DEALSYNC_ORG"); v != "" {
		cfg.Organization = v
	}
	if v := os.Getenv("DEALSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DEALSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEALSYNC_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("DEALSYNC_OFFLINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Offline = b
		}
	}
}

// Save writes cfg to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server) == "" {
		problems = append(problems, "server is not set")
	}
	if strings.TrimSpace(c.Organization) == "" {
		problems = append(problems, "organization is not set (use --org or DEALSYNC_ORG)")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DataPath returns the directory for the queue database and durable cache.
func (c *Config) DataPath() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(xdg.DataHome, "dealsync")
}

// QueuePath returns the SQLite path of the offline queue.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataPath(), "queue.db")
}

// DurablePath returns the badger directory of the durable cache tier.
func (c *Config) DurablePath() string {
	return filepath.Join(c.DataPath(), "cache")
}

// FallbackPath returns the directory of the fallback cache tier.
func (c *Config) FallbackPath() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return filepath.Join(xdg.CacheHome, "dealsync")
}
