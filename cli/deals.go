// ABOUTME: Deal CLI commands
// ABOUTME: Lists deals and applies optimistic create, update, move, and delete through the engine
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/schema"
	"github.com/spf13/cobra"
)

func (a *app) listCmd() *cobra.Command {
	var stage, status string
	var refresh bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals in the active organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !models.Status(status).Valid() {
				return fmt.Errorf("invalid status: %s (valid: active, won, lost, disqualified)", status)
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var (
					deals []models.Deal
					err   error
				)
				if refresh {
					deals, err = e.Refresh(ctx, e.Scope())
				} else {
					deals, err = e.Load(ctx)
				}
				if err != nil {
					return fmt.Errorf("failed to list deals: %w", err)
				}

				filtered := make([]models.Deal, 0, len(deals))
				for _, d := range deals {
					if stage != "" && d.Stage != stage {
						continue
					}
					if status != "" && string(d.Status) != status {
						continue
					}
					filtered = append(filtered, d)
				}
				return a.printDeals(cmd.OutOrStdout(), e.Scope(), filtered)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Only show deals in this stage")
	cmd.Flags().StringVar(&status, "status", "", "Only show deals with this status")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch from the server instead of using the local cache")
	return cmd
}

func (a *app) printDeals(w io.Writer, scope string, deals []models.Deal) error {
	if a.jsonOutput {
		return printJSON(w, map[string]any{
			"organization": scope,
			"deals":        deals,
			"total":        len(deals),
		})
	}
	if len(deals) == 0 {
		_, _ = fmt.Fprintln(w, "No deals found.")
		return nil
	}

	_, _ = fmt.Fprintln(w, title(w, fmt.Sprintf("Deals in %s (%d)", scope, len(deals))))
	tw := newTabWriter(w)
	_, _ = fmt.Fprintln(tw, "ID\tSTAGE\tSTATUS\tCLIENT\tVALUE\tUPDATED")
	for _, d := range deals {
		client := d.ClientName
		if client == "" {
			client = "-"
		}
		value := "-"
		if d.Value != nil {
			value = fmt.Sprintf("%.2f", *d.Value)
		}
		updated := "-"
		if !d.UpdatedAt.IsZero() {
			updated = d.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Stage, d.Status, client, value, updated)
	}
	return tw.Flush()
}

func (a *app) printDeal(w io.Writer, verb string, d *models.Deal, queued bool) error {
	if a.jsonOutput {
		return printJSON(w, map[string]any{"deal": d, "queued": queued})
	}
	_, _ = fmt.Fprintf(w, "✓ %s deal %s (%s, %s)\n", verb, d.ID, d.Stage, d.Status)
	if queued {
		_, _ = fmt.Fprintln(w, "  Offline: the change is queued and will sync on reconnect.")
	}
	return nil
}

// parseSets turns key=value pairs into a change set. Values that parse as
// JSON keep their type, so value=5000 is a number and notes=null clears.
func parseSets(pairs []string) (map[string]any, error) {
	changes := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (use key=value)", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		changes[key] = value
	}
	return changes, nil
}

// mutationError turns an engine failure into a message for the terminal.
func mutationError(op string, err error) error {
	var merr *engine.MutationError
	if errors.As(err, &merr) {
		return fmt.Errorf("%s: %s", op, merr.Message())
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (a *app) createCmd() *cobra.Command {
	var stage string
	var sets []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := parseSets(sets)
			if err != nil {
				return err
			}
			if stage != "" {
				payload[models.FieldStage] = stage
			}
			if s, _ := payload[models.FieldStage].(string); !schema.ValidateStageFormat(s) {
				return fmt.Errorf("invalid stage: %q (use lowercase snake_case)", s)
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Load(ctx); err != nil {
					a.logger.Debug("create without a loaded cache", "err", err)
				}
				deal, err := e.Create(ctx, payload)
				if err != nil {
					return mutationError("create deal", err)
				}
				return a.printDeal(cmd.OutOrStdout(), "Created", deal, !e.Online())
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Pipeline stage (required)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Field to set as key=value (repeatable)")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields on a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseSets(sets)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				return fmt.Errorf("nothing to update: pass at least one --set key=value")
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Load(ctx); err != nil {
					return fmt.Errorf("failed to load deals: %w", err)
				}
				deal, err := e.Apply(ctx, args[0], changes)
				if err != nil {
					return mutationError("update deal", err)
				}
				return a.printDeal(cmd.OutOrStdout(), "Updated", deal, !e.Online())
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Field to set as key=value (repeatable)")
	return cmd
}

func (a *app) moveCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "move <id> <stage>",
		Short: "Move a deal to another pipeline stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, stage := args[0], args[1]
			if !schema.ValidateStageFormat(stage) {
				return fmt.Errorf("invalid stage: %q (use lowercase snake_case)", stage)
			}
			changes := map[string]any{models.FieldStage: stage}
			if reason != "" {
				changes[models.FieldLostReason] = reason
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Load(ctx); err != nil {
					return fmt.Errorf("failed to load deals: %w", err)
				}
				deal, err := e.TryApply(ctx, id, changes)
				if err != nil {
					return mutationError("move deal", err)
				}
				return a.printDeal(cmd.OutOrStdout(), "Moved", deal, !e.Online())
			})
		},
	}
	cmd.Flags().StringVar(&reason, "lost-reason", "", "Reason, when moving to a lost stage")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Load(ctx); err != nil {
					return fmt.Errorf("failed to load deals: %w", err)
				}
				if err := e.Delete(ctx, args[0]); err != nil {
					return mutationError("delete deal", err)
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput {
					return printJSON(out, map[string]any{"id": args[0], "deleted": true, "queued": !e.Online()})
				}
				_, _ = fmt.Fprintf(out, "✓ Deleted deal %s\n", args[0])
				if !e.Online() {
					_, _ = fmt.Fprintln(out, "  Offline: the change is queued and will sync on reconnect.")
				}
				return nil
			})
		},
	}
}
