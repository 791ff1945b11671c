package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy controls which stores the store_get tool may decrypt. Listing
// and status never expose payloads, so they are not policy-gated.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	DeniedStores  []string `yaml:"denied_stores"`
	AllowedStores []string `yaml:"allowed_stores"`
}

// PolicyFileName is the policy file's name inside the data directory.
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

var (
	// ErrPolicyNotFound is returned when no policy file exists.
	ErrPolicyNotFound = errors.New("MCP policy file not found")

	// ErrPolicyInsecure is returned when the policy file has permissions
	// other than 0600.
	ErrPolicyInsecure = errors.New("MCP policy file has insecure permissions")

	// ErrPolicySymlink is returned when the policy file is a symlink.
	ErrPolicySymlink = errors.New("MCP policy file is a symlink")

	// ErrPolicyNotOwnedByUser is returned when the policy file belongs to
	// another user.
	ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")
)

// LoadPolicy loads the policy from the data directory. The file is opened
// symlink-free and checked with fstat on the open descriptor, so the file
// that passes the permission and ownership checks is the file that gets
// parsed.
func LoadPolicy(dataDir string) (*Policy, error) {
	policyPath := filepath.Join(dataDir, PolicyFileName)

	f, err := openPolicyFile(policyPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}

	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if policy.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version: %d", policy.Version)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}

	return &policy, nil
}

// IsStoreAllowed decides whether store_get may decrypt a store.
// Evaluation order: denied_stores, then allowed_stores, then the default
// action. Entries are glob patterns, so "sleep-*" covers sleep-log.
func (p *Policy) IsStoreAllowed(name string) (allowed bool, reason string) {
	for _, pattern := range p.DeniedStores {
		if matchStore(name, pattern) {
			return false, fmt.Sprintf("store '%s' matches denied pattern '%s'", name, pattern)
		}
	}

	for _, pattern := range p.AllowedStores {
		if matchStore(name, pattern) {
			return true, ""
		}
	}

	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("store '%s' not in allowed_stores list", name)
}

// matchStore matches a store name against a policy pattern. A malformed
// pattern matches nothing.
func matchStore(name, pattern string) bool {
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}

// ValidatePolicy checks the policy's structural fields.
func (p *Policy) ValidatePolicy() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')",
			p.DefaultAction, ActionDeny, ActionAllow)
	}
	return nil
}
