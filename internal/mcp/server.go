// Package mcp implements the Model Context Protocol server for vitalstore.
// The surface is read-only: assistants see store names and row metadata by
// default, and decrypted envelopes only for stores the policy allow-lists.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/vitalstore/pkg/store"
	"github.com/forest6511/vitalstore/pkg/vault"
)

// passphraseEnv is read once at startup and then cleared from the
// process environment.
const passphraseEnv = "VITALSTORE_PASSPHRASE"

// Server serves the vitalstore MCP tools over stdio.
type Server struct {
	server  *mcp.Server
	st      *store.Store
	vault   *vault.Vault
	policy  *Policy
	dataDir string
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	// DataDir is the engine data directory. Empty means ~/.vitalstore.
	DataDir string

	// Passphrase unlocks the vault so store_get can decrypt. Empty falls
	// back to the VITALSTORE_PASSPHRASE environment variable; with
	// neither, the server runs locked and only metadata tools answer.
	Passphrase string
}

// NewServer opens the store, loads the policy and builds the MCP server.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".vitalstore")
	}

	// A missing or rejected policy is not fatal: the server runs in
	// restricted mode and store_get denies everything.
	policy, err := LoadPolicy(dataDir)
	if err != nil {
		slog.Warn("MCP policy unavailable, store_get disabled", "error", err)
		policy = nil
	}

	st, err := store.Open(dataDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	v := vault.New(dataDir, st)

	passphrase := opts.Passphrase
	if passphrase == "" {
		passphrase = os.Getenv(passphraseEnv)
		os.Unsetenv(passphraseEnv)
	}
	if passphrase != "" {
		if err := v.Unlock(passphrase); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to unlock vault: %w", err)
		}
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "vitalstore",
			Version: "1.0.0",
		},
		nil,
	)

	s := &Server{
		server:  mcpServer,
		st:      st,
		vault:   v,
		policy:  policy,
		dataDir: dataDir,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers the read-only tool set.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "store_list",
		Description: "List the tracked stores with row metadata: row counts, last update, how each row arrived. Does NOT return store contents.",
	}, s.handleStoreList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "store_status",
		Description: "Report engine status: vault initialization and lock state, schema version, store and row totals, integrity summary. Returns no store contents.",
	}, s.handleStoreStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "store_get",
		Description: "Return one store's decrypted snapshot envelope. Requires an unlocked vault and a policy that allow-lists the store; denials are audited.",
	}, s.handleStoreGet)
}

// Run serves MCP over stdio until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks the vault and closes the store.
func (s *Server) Close() error {
	s.vault.Lock()
	return s.st.Close()
}
