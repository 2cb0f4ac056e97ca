// ABOUTME: MCP server subcommand
// ABOUTME: Serves the deal tools over stdio for desktop assistants
package cli

import (
	"context"

	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/handlers"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a.logger.Info("starting MCP server", "org", e.Scope())
				server := handlers.NewServer(e, a.version)
				return server.Run(ctx, &mcp.StdioTransport{})
			})
		},
	}
}
