package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/21st-dev/magic/internal/mcp"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serveCmd starts the MCP server on stdio.
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"mcp-server"},
	Short:   "Start the MCP server for AI coding agent integration",
	Long: `Start the MCP server over stdio transport.

Available tools:
  - create_ui:              Generate a component through the browser callback flow
  - refine_ui:              Refine an existing component file
  - component_inspiration:  Search the 21st.dev component catalog
  - logo_search:            Fetch company logos as JSX/TSX/SVG
  - health:                 Version, callback state, and API reachability

Authentication:
  Set the API key with 'magic config set-key', the MAGIC_API_KEY environment
  variable, or the --api-key flag.

Trusted mode:
  Callbacks carrying mcp=true may skip session token validation only when
  ~/.magic/policy.yaml exists with 'allow_trusted_bypass: true', is owned by
  you, and has 0600 permissions. Without it every callback needs a token.

Example MCP configuration (~/.claude.json):
  {
    "mcpServers": {
      "magic": {
        "type": "stdio",
        "command": "/path/to/magic",
        "args": ["serve"],
        "env": {
          "MAGIC_API_KEY": "your-api-key"
        }
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, logger := resolveConfig()

	server, err := mcp.NewServer(&mcp.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
		server.Close()
	}()

	logger.Info("starting MCP server", "version", version)
	if err := server.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
