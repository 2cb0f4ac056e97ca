// ABOUTME: MCP resource handlers exposing the cached deal board and the offline queue
// ABOUTME: Provides read-only access via deals:// URIs
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harperreed/dealsync/engine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	BoardURI = "deals://board"
	QueueURI = "deals://queue"
)

type ResourceHandlers struct {
	engine *engine.Engine
}

func NewResourceHandlers(e *engine.Engine) *ResourceHandlers {
	return &ResourceHandlers{engine: e}
}

// ReadResource handles resource read requests
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := request.Params.URI
	if !strings.HasPrefix(uri, "deals://") {
		return nil, fmt.Errorf("invalid URI scheme: expected deals://")
	}

	switch uri {
	case BoardURI:
		return h.readBoard(ctx)
	case QueueURI:
		return h.readQueue(ctx)
	default:
		return nil, mcp.ResourceNotFoundError(uri)
	}
}

func (h *ResourceHandlers) readBoard(ctx context.Context) (*mcp.ReadResourceResult, error) {
	deals, err := h.engine.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load deals: %w", err)
	}
	out := make([]DealOutput, 0, len(deals))
	for i := range deals {
		out = append(out, dealToOutput(&deals[i]))
	}
	return jsonResource(BoardURI, out)
}

func (h *ResourceHandlers) readQueue(ctx context.Context) (*mcp.ReadResourceResult, error) {
	commands, err := h.engine.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read offline queue: %w", err)
	}
	return jsonResource(QueueURI, commands)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}}, nil
}
