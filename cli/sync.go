// ABOUTME: Sync CLI commands
// ABOUTME: Inspects and drains the offline queue and runs the long-lived watch loop
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harperreed/dealsync/config"
	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/realtime"
	"github.com/spf13/cobra"
)

const minWatchInterval = time.Minute

func (a *app) pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show queued changes waiting to sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cmds, err := e.Pending(ctx)
				if err != nil {
					return fmt.Errorf("failed to list queued changes: %w", err)
				}
				return a.printPending(cmd.OutOrStdout(), cmds)
			})
		},
	}
}

func (a *app) printPending(w io.Writer, cmds []models.Command) error {
	if a.jsonOutput {
		return printJSON(w, map[string]any{"pending": cmds, "total": len(cmds)})
	}
	if len(cmds) == 0 {
		_, _ = fmt.Fprintln(w, "No queued changes.")
		return nil
	}

	_, _ = fmt.Fprintln(w, title(w, fmt.Sprintf("Queued changes (%d)", len(cmds))))
	tw := newTabWriter(w)
	_, _ = fmt.Fprintln(tw, "SEQ\tTYPE\tDEAL\tSTATUS\tTRIES\tQUEUED\tDETAIL")
	for _, c := range cmds {
		detail := c.Detail
		if detail == "" {
			detail = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			c.Seq, c.Type, c.RecordID, c.Status, c.Attempts, c.MaxAttempts,
			c.CreatedAt.Local().Format("2006-01-02 15:04"), detail)
	}
	return tw.Flush()
}

func (a *app) drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Send queued changes to the server now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Drain(ctx)
				if errors.Is(err, engine.ErrOffline) {
					return fmt.Errorf("cannot sync while offline; queued changes will be sent on reconnect")
				}
				if err != nil {
					return fmt.Errorf("failed to drain queue: %w", err)
				}

				out := cmd.OutOrStdout()
				if a.jsonOutput {
					return printJSON(out, res)
				}
				if res.Skipped {
					_, _ = fmt.Fprintln(out, "A sync is already running.")
					return nil
				}
				_, _ = fmt.Fprintf(out, "✓ Synced: %d\n", res.Synced)
				if res.Conflicts > 0 {
					_, _ = fmt.Fprintf(out, "  Lost to newer server data: %d\n", res.Conflicts)
				}
				if res.Failed > 0 {
					_, _ = fmt.Fprintf(out, "  Failed: %d\n", res.Failed)
				}
				if res.Remaining > 0 {
					_, _ = fmt.Fprintf(out, "  Still queued: %d (retrying in %s)\n", res.Remaining, res.RetryIn.Round(time.Second))
				}
				return nil
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status for the active organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to read sync status: %w", err)
				}
				return a.printStatus(cmd.OutOrStdout(), st)
			})
		},
	}
}

func (a *app) printStatus(w io.Writer, st engine.Status) error {
	if a.jsonOutput {
		return printJSON(w, st)
	}

	_, _ = fmt.Fprintln(w, title(w, "Sync status"))
	tw := newTabWriter(w)
	online := "online"
	if !st.Online {
		online = "offline"
	}
	_, _ = fmt.Fprintf(tw, "Organization:\t%s\n", st.Scope)
	_, _ = fmt.Fprintf(tw, "Connection:\t%s\n", online)
	_, _ = fmt.Fprintf(tw, "Pending:\t%d\n", st.Pending)
	_, _ = fmt.Fprintf(tw, "Last fetch:\t%s\n", formatStamp(st.LastFetchAt))
	_, _ = fmt.Fprintf(tw, "Last sync:\t%s\n", formatStamp(st.LastDrainAt))
	if st.RetryScheduled {
		_, _ = fmt.Fprintf(tw, "Retry:\tscheduled\n")
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintf(tw, "Last error:\t%s\n", st.LastError)
	}
	return tw.Flush()
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func (a *app) watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print real-time changes",
		Long: "Keeps the local cache live from the server's change feed and revalidates on an interval.\n" +
			"Send SIGHUP to revalidate immediately. Edits to the config file switch organization or connectivity.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval < minWatchInterval {
				return fmt.Errorf("interval must be at least %s", minWatchInterval)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				watcher, err := config.Watch(a.configPath, a.logger.Logger, a.applyConfig(e))
				if err != nil {
					a.logger.Warn("config changes will not be picked up", "path", a.configPath, "err", err)
				} else {
					defer func() { _ = watcher.Close() }()
				}

				hup := make(chan os.Signal, 1)
				signal.Notify(hup, syscall.SIGHUP)
				defer signal.Stop(hup)

				return runWatch(ctx, e, cmd.OutOrStdout(), interval, hup)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "How often to revalidate against the server")
	return cmd
}

// applyConfig returns the reload hook for a running engine. Flags given on the
// command line keep precedence over the file.
func (a *app) applyConfig(e *engine.Engine) func(*config.Config) {
	return func(cfg *config.Config) {
		if a.org == "" && cfg.Organization != "" && cfg.Organization != e.Scope() {
			if err := e.SetScope(cfg.Organization); err != nil {
				a.logger.Warn("failed to switch organization", "org", cfg.Organization, "err", err)
			}
		}
		if !a.offline {
			e.SetOnline(!cfg.Offline)
		}
	}
}

// runWatch prints changes for the active scope until ctx ends, revalidating
// on every tick and on every value from revalidate.
func runWatch(ctx context.Context, e *engine.Engine, out io.Writer, interval time.Duration, revalidate <-chan os.Signal) error {
	deals, err := e.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load deals: %w", err)
	}

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(out, format, args...)
	}
	printf("Watching %s (%d deals). Press Ctrl+C to stop.\n", e.Scope(), len(deals))

	unsubscribe, err := e.Subscribe("cli-watch", func(c realtime.Change) {
		stamp := time.Now().Format("15:04:05")
		if c.Record == nil {
			printf("[%s] %s %s\n", stamp, c.Type, c.ID)
			return
		}
		printf("[%s] %s %s → %s (%s)\n", stamp, c.Type, c.ID, c.Record.Stage, c.Record.Status)
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			printf("Stopped watching.\n")
			return nil
		case <-ticker.C:
		case <-revalidate:
		}
		if err := e.Revalidate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			printf("✗ revalidate failed: %v\n", err)
		}
	}
}
