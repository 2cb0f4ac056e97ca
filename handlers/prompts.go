// ABOUTME: MCP prompt handlers for pipeline review workflows
// ABOUTME: Builds prompts from the locally cached deal board
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/viz"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type PromptHandlers struct {
	engine *engine.Engine
}

func NewPromptHandlers(e *engine.Engine) *PromptHandlers {
	return &PromptHandlers{engine: e}
}

// GetPrompt generates the prompt message based on the template
func (h *PromptHandlers) GetPrompt(ctx context.Context, request *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	switch request.Params.Name {
	case "pipeline-review":
		return h.getPipelineReviewPrompt(ctx, request.Params.Arguments)
	default:
		return nil, fmt.Errorf("unknown prompt: %s", request.Params.Name)
	}
}

func (h *PromptHandlers) getPipelineReviewPrompt(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	deals, err := h.engine.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load deals: %w", err)
	}
	status := args["status"]
	summary := viz.Summarize(deals, models.Status(status), time.Now(), viz.DefaultStaleAfter)

	var promptText strings.Builder
	promptText.WriteString(fmt.Sprintf("Please review the deal pipeline for %s:\n\n", h.engine.Scope()))
	if status != "" {
		promptText.WriteString(fmt.Sprintf("Status filter: %s\n", status))
	}
	promptText.WriteString(fmt.Sprintf("Total Deals: %d\n", summary.TotalDeals))
	promptText.WriteString(fmt.Sprintf("Total Value: %.2f\n\n", summary.TotalValue))
	promptText.WriteString("Pipeline by Stage:\n")
	for _, stage := range summary.Stages {
		promptText.WriteString(fmt.Sprintf("  - %s: %d deals, %.2f\n", stage.Stage, stage.Count, stage.Value))
	}
	if len(summary.StaleDeals) > 0 {
		promptText.WriteString(fmt.Sprintf("\n%d active deals have not been touched in over two weeks:\n", len(summary.StaleDeals)))
		for _, d := range summary.StaleDeals {
			promptText.WriteString(fmt.Sprintf("  - %s (%s, %d days)\n", d.ID, d.Stage, d.DaysSince))
		}
	}

	if pending, err := h.engine.Pending(ctx); err == nil && len(pending) > 0 {
		promptText.WriteString(fmt.Sprintf("\n%d changes are waiting to sync and may not be on the server yet.\n", countPending(pending)))
	}

	promptText.WriteString("\nPlease provide:")
	promptText.WriteString("\n1. Analysis of pipeline health and distribution")
	promptText.WriteString("\n2. Deals that look stalled or need attention")
	promptText.WriteString("\n3. Suggested next moves for the top opportunities")

	return &mcp.GetPromptResult{
		Description: "Deal pipeline review",
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: promptText.String()},
			},
		},
	}, nil
}

func countPending(commands []models.Command) int {
	n := 0
	for _, c := range commands {
		if c.Status == models.CommandPending || c.Status == models.CommandSyncing {
			n++
		}
	}
	return n
}
