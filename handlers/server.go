// ABOUTME: Assembles the MCP server with every dealsync tool, resource, and prompt
// ABOUTME: Shared by the mcp subcommand and the handler tests
package handlers

import (
	"github.com/harperreed/dealsync/engine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewServer registers all handlers against e.
func NewServer(e *engine.Engine, version string) *mcp.Server {
	dealHandlers := NewDealHandlers(e)
	syncHandlers := NewSyncHandlers(e)
	resourceHandlers := NewResourceHandlers(e)
	promptHandlers := NewPromptHandlers(e)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "dealsync",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_deals",
		Description: "List deals in the active organization, optionally filtered by stage or status",
	}, dealHandlers.ListDeals)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_deal",
		Description: "Change fields on a deal; the change shows at once and is undone if the server rejects it",
	}, dealHandlers.UpdateDeal)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "move_deal",
		Description: "Move a deal to another pipeline stage; fails fast if the deal is still saving",
	}, dealHandlers.MoveDeal)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_deal",
		Description: "Create a new deal in the active organization",
	}, dealHandlers.CreateDeal)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_deal",
		Description: "Delete a deal from the active organization",
	}, dealHandlers.DeleteDeal)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report connectivity, pending offline changes, and the last sync times",
	}, syncHandlers.SyncStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "drain_queue",
		Description: "Send queued offline changes to the server now",
	}, syncHandlers.DrainQueue)

	server.AddResource(&mcp.Resource{
		URI:         BoardURI,
		Name:        "board",
		Description: "Cached deals of the active organization",
		MIMEType:    "application/json",
	}, resourceHandlers.ReadResource)

	server.AddResource(&mcp.Resource{
		URI:         QueueURI,
		Name:        "queue",
		Description: "Offline changes waiting to sync",
		MIMEType:    "application/json",
	}, resourceHandlers.ReadResource)

	server.AddPrompt(&mcp.Prompt{
		Name:        "pipeline-review",
		Description: "Review pipeline health for the active organization",
		Arguments: []*mcp.PromptArgument{
			{Name: "status", Description: "Only include deals with this status"},
		},
	}, promptHandlers.GetPrompt)

	return server
}
