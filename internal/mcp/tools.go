package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/vitalstore/internal/cli"
	"github.com/forest6511/vitalstore/internal/stores"
	"github.com/forest6511/vitalstore/pkg/audit"
	"github.com/forest6511/vitalstore/pkg/store"
)

// StoreListInput is the input for the store_list tool.
type StoreListInput struct {
	// Pattern optionally filters store names with a glob.
	Pattern string `json:"pattern,omitempty"`
}

// StoreListOutput is the output for the store_list tool.
type StoreListOutput struct {
	Stores []StoreInfo `json:"stores"`
}

// StoreInfo is one store's metadata. It never carries payload bytes.
type StoreInfo struct {
	Name       string `json:"name"`
	Registered bool   `json:"registered"`
	RowCount   int    `json:"row_count"`
	Duplicates bool   `json:"duplicates"`
	Origin     string `json:"origin,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// StoreStatusInput is the input for the store_status tool.
type StoreStatusInput struct{}

// StoreStatusOutput is the output for the store_status tool.
type StoreStatusOutput struct {
	Initialized     bool     `json:"initialized"`
	Unlocked        bool     `json:"unlocked"`
	SchemaVersion   int      `json:"schema_version"`
	StoreCount      int      `json:"store_count"`
	TotalRows       int      `json:"total_rows"`
	PolicyLoaded    bool     `json:"policy_loaded"`
	IntegrityValid  bool     `json:"integrity_valid"`
	IntegrityErrors []string `json:"integrity_errors,omitempty"`
}

// StoreGetInput is the input for the store_get tool.
type StoreGetInput struct {
	Store string `json:"store"`
}

// StoreGetOutput is the output for the store_get tool.
type StoreGetOutput struct {
	Store   string          `json:"store"`
	Exists  bool            `json:"exists"`
	Version int             `json:"version,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
}

// handleStoreList handles the store_list tool call.
func (s *Server) handleStoreList(_ context.Context, _ *mcp.CallToolRequest, input StoreListInput) (*mcp.CallToolResult, StoreListOutput, error) {
	names, err := s.catalogNames()
	if err != nil {
		return nil, StoreListOutput{}, fmt.Errorf("failed to list stores: %w", err)
	}

	if input.Pattern != "" {
		names, err = cli.ExpandPattern(input.Pattern, names)
		if err != nil {
			return nil, StoreListOutput{}, err
		}
	}

	output := StoreListOutput{Stores: make([]StoreInfo, 0, len(names))}
	for _, name := range names {
		rows, err := s.st.RowsByKey(name)
		if err != nil {
			return nil, StoreListOutput{}, fmt.Errorf("failed to read store %q: %w", name, err)
		}

		_, registered := stores.Lookup(name)
		info := StoreInfo{
			Name:       name,
			Registered: registered,
			RowCount:   len(rows),
			Duplicates: len(rows) > 1,
		}
		if len(rows) > 0 {
			info.Origin = rows[0].Origin
			info.UpdatedAt = rows[0].UpdatedAt.UTC().Format(time.RFC3339)
		}
		output.Stores = append(output.Stores, info)
	}

	return nil, output, nil
}

// handleStoreStatus handles the store_status tool call.
func (s *Server) handleStoreStatus(_ context.Context, _ *mcp.CallToolRequest, _ StoreStatusInput) (*mcp.CallToolResult, StoreStatusOutput, error) {
	initialized, err := s.vault.Initialized()
	if err != nil {
		return nil, StoreStatusOutput{}, fmt.Errorf("failed to check vault state: %w", err)
	}

	schemaVersion, err := s.st.SchemaVersion()
	if err != nil {
		return nil, StoreStatusOutput{}, fmt.Errorf("failed to read schema version: %w", err)
	}

	keys, err := s.st.LogicalKeys()
	if err != nil {
		return nil, StoreStatusOutput{}, fmt.Errorf("failed to list stores: %w", err)
	}
	totalRows := 0
	for _, key := range keys {
		count, err := s.st.CountByKey(key)
		if err != nil {
			return nil, StoreStatusOutput{}, fmt.Errorf("failed to count rows: %w", err)
		}
		totalRows += count
	}

	integrity := s.st.CheckIntegrity()

	return nil, StoreStatusOutput{
		Initialized:     initialized,
		Unlocked:        s.vault.IsUnlocked(),
		SchemaVersion:   schemaVersion,
		StoreCount:      len(keys),
		TotalRows:       totalRows,
		PolicyLoaded:    s.policy != nil,
		IntegrityValid:  integrity.Valid,
		IntegrityErrors: integrity.Errors,
	}, nil
}

// handleStoreGet handles the store_get tool call. Loads go through a
// chain-free adapter: a read surface must not trigger legacy migrations
// or any other write.
func (s *Server) handleStoreGet(ctx context.Context, _ *mcp.CallToolRequest, input StoreGetInput) (*mcp.CallToolResult, StoreGetOutput, error) {
	if input.Store == "" {
		return nil, StoreGetOutput{}, errors.New("store is required")
	}

	if s.policy == nil {
		s.auditDenied(input.Store, "no MCP policy configured")
		return nil, StoreGetOutput{}, fmt.Errorf("store_get disabled: create %s in the data directory to enable it", PolicyFileName)
	}

	allowed, reason := s.policy.IsStoreAllowed(input.Store)
	if !allowed {
		s.auditDenied(input.Store, reason)
		return nil, StoreGetOutput{}, fmt.Errorf("store not allowed by policy: %s", reason)
	}

	if !s.vault.IsUnlocked() {
		return nil, StoreGetOutput{}, errors.New("vault is locked: start the server with a passphrase to enable store_get")
	}

	a, err := store.NewAdapter(s.st, s.vault, store.AdapterConfig{Name: input.Store})
	if err != nil {
		return nil, StoreGetOutput{}, err
	}
	defer a.Close()

	env, err := a.Load(ctx)
	if err != nil {
		return nil, StoreGetOutput{}, fmt.Errorf("failed to load store %q: %w", input.Store, err)
	}

	// Best effort, same as the engine's own operations.
	if logger := s.vault.AuditLogger(); logger != nil {
		_ = logger.LogSuccess(audit.OpMCPQuery, audit.SourceMCP, input.Store)
	}

	if env == nil {
		return nil, StoreGetOutput{Store: input.Store, Exists: false}, nil
	}
	return nil, StoreGetOutput{
		Store:   input.Store,
		Exists:  true,
		Version: env.Version,
		State:   env.State,
	}, nil
}

// catalogNames merges the registered store names with whatever logical
// keys exist in the database, sorted.
func (s *Server) catalogNames() ([]string, error) {
	keys, err := s.st.LogicalKeys()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(keys))
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		seen[k] = true
		names = append(names, k)
	}
	for _, name := range stores.Names() {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) auditDenied(storeName, reason string) {
	if logger := s.vault.AuditLogger(); logger != nil {
		_ = logger.LogDenied(audit.OpMCPDenied, audit.SourceMCP, storeName, reason)
	}
}
