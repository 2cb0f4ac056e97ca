// ABOUTME: Monitor subcommand
// ABOUTME: Runs the bubbletea sync monitor and feeds it real-time changes
package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/realtime"
	"github.com/harperreed/dealsync/tui"
	"github.com/spf13/cobra"
)

func (a *app) monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Open the interactive sync monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Load(ctx); err != nil {
					a.logger.Warn("starting monitor without data", "err", err)
				}

				p := tea.NewProgram(tui.NewModel(ctx, e), tea.WithAltScreen(), tea.WithContext(ctx))
				unsubscribe, err := e.Subscribe("cli-monitor", func(c realtime.Change) {
					p.Send(tui.ChangeMsg(c))
				})
				if err != nil {
					a.logger.Warn("live updates unavailable", "err", err)
				} else {
					defer unsubscribe()
				}

				if _, err := p.Run(); err != nil {
					return fmt.Errorf("failed to run monitor: %w", err)
				}
				return nil
			})
		},
	}
}
