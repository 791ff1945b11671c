package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/forest6511/vitalstore/internal/mcp"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP read surface for AI assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP read surface for AI assistant integration",
	Long: `Start the MCP server that lets AI assistants answer questions about
tracked data without receiving raw health records by default.

The server implements the Model Context Protocol (MCP) over stdio transport
and is strictly read-only: no tool writes to the store or triggers a
migration.

Available tools:
  - store_list:   List stores with row metadata (no payloads)
  - store_status: Vault and schema state, row totals, integrity
  - store_get:    Decrypted envelope, only for policy-allowed stores

Authentication:
  Set the VITALSTORE_PASSPHRASE environment variable to unlock the vault
  for store_get. It is read once and immediately cleared. Without it the
  server still runs; the metadata tools answer and store_get reports the
  vault as locked.

Policy:
  Create <data-dir>/mcp-policy.yaml to allow stores for store_get.
  Without a policy file, store_get is disabled (deny-by-default).

Example MCP configuration (~/.claude.json):
  {
    "mcpServers": {
      "vitalstore": {
        "type": "stdio",
        "command": "/path/to/vitalstore",
        "args": ["mcp-server"],
        "env": {
          "VITALSTORE_PASSPHRASE": "your-passphrase"
        }
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	server, err := mcp.NewServer(&mcp.ServerOptions{DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
		server.Close()
	}()

	// Run the server
	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
