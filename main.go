// ABOUTME: Entry point for the dealsync CLI and MCP server
// ABOUTME: Hands argument parsing to the cobra command tree in package cli
package main

import (
	"fmt"
	"os"

	"github.com/harperreed/dealsync/cli"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "0.1.0"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
