// ABOUTME: Root cobra command and shared wiring for the dealsync CLI
// ABOUTME: Loads config, builds the logger, and assembles the sync engine from config
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/harperreed/dealsync/cache"
	"github.com/harperreed/dealsync/config"
	"github.com/harperreed/dealsync/db"
	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/logging"
	"github.com/harperreed/dealsync/reconcile"
	"github.com/harperreed/dealsync/remote"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))

// app carries the global flags and what PersistentPreRunE builds from them.
type app struct {
	version string

	configPath string
	org        string
	server     string
	offline    bool
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	logger *logging.Logger
}

// NewRootCommand builds the dealsync command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:           "dealsync",
		Short:         "Offline-first deal pipeline client",
		Long:          "Keep a local copy of an organization's deals, edit them offline, and sync with the server.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logger != nil {
				return a.logger.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/dealsync/config.json)")
	flags.StringVar(&a.org, "org", "", "Organization to work in (overrides config)")
	flags.StringVar(&a.server, "server", "", "Server URL (overrides config)")
	flags.BoolVar(&a.offline, "offline", false, "Queue changes instead of sending them")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(
		a.listCmd(),
		a.createCmd(),
		a.updateCmd(),
		a.moveCmd(),
		a.deleteCmd(),
		a.pendingCmd(),
		a.drainCmd(),
		a.statusCmd(),
		a.dashboardCmd(),
		a.graphCmd(),
		a.watchCmd(),
		a.monitorCmd(),
		a.mcpCmd(),
		a.devServerCmd(),
		a.loginCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	if a.configPath == "" {
		a.configPath = config.Path()
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.org != "" {
		cfg.Organization = a.org
	}
	if a.server != "" {
		cfg.Server = a.server
	}
	if a.offline {
		cfg.Offline = true
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// openEngine assembles the engine described by the loaded config. The
// caller owns the engine and must Close it.
func (a *app) openEngine() (*engine.Engine, error) {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := a.logger.Logger

	ts, err := remote.TokenSource(cfg.Token, remote.TokenPath(cfg.DataPath()))
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	// A second process holding the badger lock still gets the file tier.
	var durable cache.Store
	if d, err := cache.OpenDurable(cfg.DurablePath()); err != nil {
		logger.Warn("durable cache unavailable, using file cache only", "path", cfg.DurablePath(), "err", err)
	} else {
		durable = d
	}
	tiers := cache.New(cache.Options{
		Durable:  durable,
		Fallback: cache.NewFiles(cfg.FallbackPath()),
		Logger:   logger,
	})

	queue, err := db.OpenQueue(cfg.QueuePath())
	if err != nil {
		_ = tiers.Close()
		return nil, err
	}

	e, err := engine.New(engine.Options{
		Cache:  tiers,
		Queue:  queue,
		Writer: remote.NewHTTPClient(cfg.Server, ts, nil),
		Reader: remote.NewHTTPClient(cfg.Server, ts, nil),
		Stream: remote.NewWebSocketStream(cfg.Server, ts),
		Logger: logger,
		Scope:  cfg.Organization,

		Offline: cfg.Offline,
		OnFailure: func(f *reconcile.Failure) {
			logger.Warn("queued change failed", "type", f.Command.Type, "id", f.Command.RecordID,
				"class", f.Class, "exhausted", f.Exhausted, "err", f)
		},
		LoadingTimeout:      cfg.LoadingTimeout.Duration,
		FirstLoadRetryDelay: cfg.FirstLoadRetryDelay.Duration,
		StaleAfter:          cfg.StaleAfter.Duration,
		RetryBaseDelay:      cfg.RetryBaseDelay.Duration,
		RetryMaxDelay:       cfg.RetryMaxDelay.Duration,
	})
	if err != nil {
		_ = queue.Close()
		_ = tiers.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return e, nil
}

// withEngine runs fn against a freshly opened engine and closes it afterwards.
func (a *app) withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	e, err := a.openEngine()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			a.logger.Warn("failed to close engine", "err", cerr)
		}
	}()
	return fn(ctx, e)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// title styles a heading when writing to a terminal.
func title(w io.Writer, text string) string {
	if isTerminal(w) {
		return headerStyle.Render(text)
	}
	return text
}
