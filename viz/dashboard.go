// ABOUTME: Pipeline summary statistics and terminal dashboard rendering
// ABOUTME: Aggregates deals by stage and status and flags stale active deals
package viz

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harperreed/dealsync/models"
)

// DefaultStaleAfter is how long an active deal can go untouched before it needs attention.
const DefaultStaleAfter = 14 * 24 * time.Hour

type StageStats struct {
	Stage string
	Count int
	Value float64
}

type StaleDeal struct {
	ID        string
	Stage     string
	Client    string
	DaysSince int
}

// PipelineSummary is an aggregate view of one organization's deals.
type PipelineSummary struct {
	Stages     []StageStats
	ByStatus   map[models.Status]int
	TotalDeals int
	TotalValue float64
	StaleDeals []StaleDeal
}

// Summarize aggregates deals, keeping only those with the given status when
// status is non-empty. Stages are sorted by name.
func Summarize(deals []models.Deal, status models.Status, now time.Time, staleAfter time.Duration) *PipelineSummary {
	summary := &PipelineSummary{ByStatus: make(map[models.Status]int)}
	byStage := make(map[string]*StageStats)

	for _, deal := range deals {
		if status != "" && deal.Status != status {
			continue
		}
		stage := deal.Stage
		if stage == "" {
			stage = "unknown"
		}

		stats, ok := byStage[stage]
		if !ok {
			stats = &StageStats{Stage: stage}
			byStage[stage] = stats
		}
		stats.Count++
		if deal.Value != nil {
			stats.Value += *deal.Value
			summary.TotalValue += *deal.Value
		}
		summary.ByStatus[deal.Status]++
		summary.TotalDeals++

		if staleAfter > 0 && deal.Status == models.StatusActive && !deal.UpdatedAt.IsZero() {
			if idle := now.Sub(deal.UpdatedAt); idle > staleAfter {
				summary.StaleDeals = append(summary.StaleDeals, StaleDeal{
					ID:        deal.ID,
					Stage:     stage,
					Client:    deal.ClientName,
					DaysSince: int(idle.Hours() / 24),
				})
			}
		}
	}

	for _, stats := range byStage {
		summary.Stages = append(summary.Stages, *stats)
	}
	sort.Slice(summary.Stages, func(i, j int) bool {
		return summary.Stages[i].Stage < summary.Stages[j].Stage
	})
	sort.Slice(summary.StaleDeals, func(i, j int) bool {
		return summary.StaleDeals[i].DaysSince > summary.StaleDeals[j].DaysSince
	})
	return summary
}

func RenderDashboard(scope string, summary *PipelineSummary) string {
	var out strings.Builder

	out.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	out.WriteString(fmt.Sprintf("  DEAL PIPELINE: %s\n", scope))
	out.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	out.WriteString("PIPELINE OVERVIEW\n")
	renderPipeline(&out, summary.Stages)
	out.WriteString("\n")

	out.WriteString("STATS\n")
	out.WriteString(fmt.Sprintf("  %d deals worth %.2f\n", summary.TotalDeals, summary.TotalValue))
	out.WriteString(fmt.Sprintf("  %d active  %d won  %d lost  %d disqualified\n\n",
		summary.ByStatus[models.StatusActive], summary.ByStatus[models.StatusWon],
		summary.ByStatus[models.StatusLost], summary.ByStatus[models.StatusDisqualified]))

	if len(summary.StaleDeals) > 0 {
		out.WriteString("NEEDS ATTENTION\n")
		out.WriteString(fmt.Sprintf("  ⚠️  %d active deals untouched for a while\n", len(summary.StaleDeals)))
		for _, d := range summary.StaleDeals {
			name := d.Client
			if name == "" {
				name = d.ID
			}
			out.WriteString(fmt.Sprintf("     %s (%s) - %d days\n", name, d.Stage, d.DaysSince))
		}
	}

	return out.String()
}

func renderPipeline(out *strings.Builder, stages []StageStats) {
	if len(stages) == 0 {
		out.WriteString("  (no deals)\n")
		return
	}

	maxCount := 1
	width := 0
	for _, s := range stages {
		if s.Count > maxCount {
			maxCount = s.Count
		}
		if len(s.Stage) > width {
			width = len(s.Stage)
		}
	}

	for _, s := range stages {
		// 0-10 blocks
		barLength := (s.Count * 10) / maxCount
		bar := strings.Repeat("█", barLength) + strings.Repeat("░", 10-barLength)
		out.WriteString(fmt.Sprintf("  %-*s %s  %2d (%.2f)\n", width, s.Stage, bar, s.Count, s.Value))
	}
}
