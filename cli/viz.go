// ABOUTME: Visualization CLI commands
// ABOUTME: Prints the pipeline dashboard and renders the pipeline graph with graphviz
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/viz"
	"github.com/spf13/cobra"
)

func (a *app) dashboardCmd() *cobra.Command {
	var status string
	var staleDays int

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show a pipeline overview for the active organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !models.Status(status).Valid() {
				return fmt.Errorf("invalid status: %s (valid: active, won, lost, disqualified)", status)
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				deals, err := e.Load(ctx)
				if err != nil {
					return fmt.Errorf("failed to load deals: %w", err)
				}
				summary := viz.Summarize(deals, models.Status(status), time.Now(), time.Duration(staleDays)*24*time.Hour)
				if a.jsonOutput {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				_, _ = fmt.Fprint(cmd.OutOrStdout(), viz.RenderDashboard(e.Scope(), summary))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only count deals with this status")
	cmd.Flags().IntVar(&staleDays, "stale-days", 14, "Flag active deals untouched for this many days (0 disables)")
	return cmd
}

func (a *app) graphCmd() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the pipeline as a Graphviz graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				deals, err := e.Load(ctx)
				if err != nil {
					return fmt.Errorf("failed to load deals: %w", err)
				}
				data, err := viz.PipelineGraph(ctx, e.Scope(), deals, viz.Format(format))
				if err != nil {
					return err
				}
				if output == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(output, data, 0644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Graph written to %s\n", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "dot", "Output format: dot or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
