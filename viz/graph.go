// ABOUTME: Graphviz rendering of an organization's deal pipeline
// ABOUTME: Draws one node per stage with its deals attached and colored by status
package viz

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/harperreed/dealsync/models"
)

// Format is an output format for PipelineGraph.
type Format string

const (
	FormatDOT Format = "dot"
	FormatSVG Format = "svg"
)

func (f Format) graphviz() (graphviz.Format, error) {
	switch f {
	case FormatDOT, "":
		return graphviz.XDOT, nil
	case FormatSVG:
		return graphviz.SVG, nil
	}
	return "", fmt.Errorf("unsupported graph format: %s (use dot or svg)", f)
}

var statusColors = map[models.Status]string{
	models.StatusActive:       "lightyellow",
	models.StatusWon:          "lightgreen",
	models.StatusLost:         "lightpink",
	models.StatusDisqualified: "lightgray",
}

// PipelineGraph renders deals as a stage-to-deal graph.
func PipelineGraph(ctx context.Context, scope string, deals []models.Deal, format Format) ([]byte, error) {
	gvFormat, err := format.graphviz()
	if err != nil {
		return nil, err
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create graphviz: %w", err)
	}
	defer func() { _ = gv.Close() }()

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("failed to create graph: %w", err)
	}
	defer func() { _ = graph.Close() }()

	graph.SetLabel(fmt.Sprintf("Deal pipeline: %s", scope))
	graph.SetRankDir(cgraph.LRRank)

	summary := Summarize(deals, "", time.Time{}, 0)
	stageNodes := make(map[string]*cgraph.Node, len(summary.Stages))
	for _, s := range summary.Stages {
		node, err := graph.CreateNodeByName("stage_" + s.Stage)
		if err != nil {
			return nil, fmt.Errorf("failed to create stage node: %w", err)
		}
		node.SetLabel(fmt.Sprintf("%s\n%d deals", s.Stage, s.Count))
		node.SetShape("box")
		node.SetStyle("filled")
		node.SetFillColor("lightblue")
		stageNodes[s.Stage] = node
	}

	sorted := models.CloneDeals(deals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, deal := range sorted {
		node, err := graph.CreateNodeByName("deal_" + deal.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create deal node: %w", err)
		}
		label := deal.ClientName
		if label == "" {
			label = deal.ID
		}
		if deal.Value != nil {
			label = fmt.Sprintf("%s\n%.2f", label, *deal.Value)
		}
		node.SetLabel(label)
		node.SetShape("ellipse")
		node.SetStyle("filled")
		if color, ok := statusColors[deal.Status]; ok {
			node.SetFillColor(color)
		}

		stage := deal.Stage
		if stage == "" {
			stage = "unknown"
		}
		if stageNode, ok := stageNodes[stage]; ok {
			if _, err := graph.CreateEdgeByName("in_"+deal.ID, stageNode, node); err != nil {
				return nil, fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("failed to render graph: %w", err)
	}
	return buf.Bytes(), nil
}
