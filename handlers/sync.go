// ABOUTME: Sync MCP tool handlers
// ABOUTME: Implements sync_status and drain_queue over the engine's offline queue
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/dealsync/engine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type SyncHandlers struct {
	engine *engine.Engine
}

func NewSyncHandlers(e *engine.Engine) *SyncHandlers {
	return &SyncHandlers{engine: e}
}

type SyncStatusInput struct{}

type SyncStatusOutput struct {
	Organization   string `json:"organization"`
	Online         bool   `json:"online"`
	Connected      bool   `json:"connected"`
	Loading        bool   `json:"loading"`
	Draining       bool   `json:"draining"`
	RetryScheduled bool   `json:"retry_scheduled"`
	Pending        int    `json:"pending"`
	LastDrainAt    string `json:"last_drain_at,omitempty"`
	LastFetchAt    string `json:"last_fetch_at,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (h *SyncHandlers) SyncStatus(ctx context.Context, _ *mcp.CallToolRequest, _ SyncStatusInput) (*mcp.CallToolResult, SyncStatusOutput, error) {
	st, err := h.engine.Status(ctx)
	if err != nil {
		return nil, SyncStatusOutput{}, fmt.Errorf("failed to read sync status: %w", err)
	}
	return nil, SyncStatusOutput{
		Organization:   st.Scope,
		Online:         st.Online,
		Connected:      st.Connected,
		Loading:        st.Loading,
		Draining:       st.Draining,
		RetryScheduled: st.RetryScheduled,
		Pending:        st.Pending,
		LastDrainAt:    formatTime(st.LastDrainAt),
		LastFetchAt:    formatTime(st.LastFetchAt),
		LastError:      st.LastError,
	}, nil
}

type DrainQueueInput struct{}

type DrainQueueOutput struct {
	Skipped   bool   `json:"skipped,omitempty"`
	Synced    int    `json:"synced"`
	Conflicts int    `json:"conflicts"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	RetryIn   string `json:"retry_in,omitempty"`
}

func (h *SyncHandlers) DrainQueue(ctx context.Context, _ *mcp.CallToolRequest, _ DrainQueueInput) (*mcp.CallToolResult, DrainQueueOutput, error) {
	res, err := h.engine.Drain(ctx)
	if errors.Is(err, engine.ErrOffline) {
		return nil, DrainQueueOutput{}, fmt.Errorf("cannot sync while offline; queued changes will be sent on reconnect")
	}
	if err != nil {
		return nil, DrainQueueOutput{}, fmt.Errorf("failed to drain queue: %w", err)
	}
	out := DrainQueueOutput{
		Skipped:   res.Skipped,
		Synced:    res.Synced,
		Conflicts: res.Conflicts,
		Failed:    res.Failed,
		Remaining: res.Remaining,
	}
	if res.RetryIn > 0 {
		out.RetryIn = res.RetryIn.String()
	}
	return nil, out, nil
}
