// Package main provides the vitalstore CLI commands.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/forest6511/vitalstore/internal/cli"
	"github.com/forest6511/vitalstore/internal/log"
	"github.com/forest6511/vitalstore/internal/stores"
	"github.com/forest6511/vitalstore/pkg/audit"
	"github.com/forest6511/vitalstore/pkg/crypto"
	"github.com/forest6511/vitalstore/pkg/security"
	"github.com/forest6511/vitalstore/pkg/store"
	"github.com/forest6511/vitalstore/pkg/vault"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	dataDir string
	st      *store.Store
	v       *vault.Vault
)

// Logging flags
var (
	logLevel  string
	logFormat string
	logFile   string
	logClose  func() error
)

var rootCmd = &cobra.Command{
	Use:   "vitalstore",
	Short: "vitalstore is an encrypted store for personal health data",
	Long:  `An encrypted, vault-gated persistence engine for a personal health tracker.`,
	// PersistentPreRunE runs before the root command and all subcommands.
	// It installs the process logger and resolves the data directory; the
	// store itself is opened per command so that help and completion never
	// touch the disk.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closeFn, err := log.Setup(log.Options{Level: logLevel, Format: logFormat, File: logFile})
		if err != nil {
			return err
		}
		logClose = closeFn

		if dataDir == "" {
			dataDir = os.Getenv("VITALSTORE_DATA_DIR")
		}
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get user home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".vitalstore")
		}
		return nil
	},
	SilenceUsage: true,
}

// Set flags
var (
	setFile string
)

// Clear flags
var (
	clearForce bool
)

// Verify flags
var (
	verifyRepair bool
)

// Audit flags
var (
	auditLimit int
	auditSince string
)

// Audit export flags
var (
	auditExportFormat string
	auditExportSince  string
	auditExportUntil  string
	auditExportOutput string
)

// Audit prune flags
var (
	auditPruneOlderThan string
	auditPruneDryRun    bool
	auditPruneForce     bool
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: $VITALSTORE_DATA_DIR or ~/.vitalstore)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text, json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")

	// Add subcommands to rootCmd
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(passphraseCmd)

	// Add flags to set command
	setCmd.Flags().StringVarP(&setFile, "file", "f", "", "Read envelope JSON from file instead of stdin")

	// Add flags to clear command
	clearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "Skip confirmation prompt")

	// Add flags to verify command
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", false, "Rebuild store metadata when the check fails")

	// Add audit subcommands
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditPruneCmd)

	// Add passphrase subcommands
	passphraseCmd.AddCommand(passphraseChangeCmd)

	// Add flags to audit list
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h)")

	// Add flags to audit export
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "json", "Output format: json, csv")
	auditExportCmd.Flags().StringVar(&auditExportSince, "since", "", "Export events since duration (e.g., 30d)")
	auditExportCmd.Flags().StringVar(&auditExportUntil, "until", "", "Export events until date (RFC 3339)")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Output file path (default: stdout)")

	// Add flags to audit prune
	auditPruneCmd.Flags().StringVar(&auditPruneOlderThan, "older-than", "", "Delete logs older than duration (e.g., 12m for 12 months)")
	auditPruneCmd.Flags().BoolVar(&auditPruneDryRun, "dry-run", false, "Show what would be deleted without deleting")
	auditPruneCmd.Flags().BoolVarP(&auditPruneForce, "force", "f", false, "Skip confirmation prompt")
}

// openEngine opens the snapshot store and builds the vault over its keyring.
func openEngine() error {
	s, err := store.Open(dataDir, nil)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	st = s
	v = vault.New(dataDir, st)
	return nil
}

// closeEngine closes the store opened by openEngine.
func closeEngine() {
	if st != nil {
		_ = st.Close()
	}
}

// ensureUnlocked ensures the vault is unlocked.
// If locked, prompts for the passphrase and attempts to unlock.
func ensureUnlocked() error {
	if !v.IsUnlocked() {
		fmt.Print("Enter passphrase: ")
		passphrase, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(passphrase)
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		fmt.Println()

		if err := v.Unlock(string(passphrase)); err != nil {
			return fmt.Errorf("failed to unlock vault: %w", err)
		}
	}
	return nil
}

// catalogNames merges the registered store names with the logical keys
// already in the database, so stores written by other builds still show up.
func catalogNames(dbKeys []string) []string {
	seen := make(map[string]bool)
	names := make([]string, 0, len(dbKeys))
	for _, n := range stores.Names() {
		seen[n] = true
		names = append(names, n)
	}
	for _, k := range dbKeys {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// initCmd initializes a new vault
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		initialized, err := v.Initialized()
		if err != nil {
			return fmt.Errorf("failed to check vault state: %w", err)
		}
		if initialized {
			return fmt.Errorf("vault already initialized at %s", dataDir)
		}

		fmt.Println("Initializing new vault...")

		// 1. Prompt for passphrase
		fmt.Print("Enter passphrase: ")
		passphrase1, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(passphrase1)
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		fmt.Println()

		// 2. Confirm passphrase
		fmt.Print("Confirm passphrase: ")
		passphrase2, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(passphrase2)
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		fmt.Println()

		// 3. Check passphrases match
		if string(passphrase1) != string(passphrase2) {
			return errors.New("passphrases do not match")
		}

		// 4. Validate passphrase strength
		result := security.ValidatePassphrase(string(passphrase1))
		if !result.Valid {
			// Hard errors (length requirements)
			return fmt.Errorf("passphrase validation failed: %s", result.Warnings[0])
		}

		// Display strength and warnings (warnings are advisory, not blocking)
		fmt.Printf("Passphrase strength: %s\n", result.Strength)
		for _, warning := range result.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}

		// 5. Initialize vault
		if err := v.Init(string(passphrase1)); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		fmt.Printf("Vault initialized at %s\n", dataDir)
		return nil
	},
}

// statusCmd shows the vault and store state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault and store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		initialized, err := v.Initialized()
		if err != nil {
			return fmt.Errorf("failed to check vault state: %w", err)
		}

		fmt.Printf("Data directory: %s\n", dataDir)
		if initialized {
			fmt.Println("Vault: initialized, locked")
		} else {
			fmt.Println("Vault: not initialized (run 'vitalstore init')")
		}

		version, err := st.SchemaVersion()
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		fmt.Printf("Schema version: %d\n", version)

		if info, err := os.Stat(filepath.Join(dataDir, store.DBFileName)); err == nil {
			fmt.Printf("Database size: %s\n", formatBytes(info.Size()))
		}

		if disk, err := store.CheckDiskSpace(dataDir); err == nil {
			fmt.Printf("Disk: %s available (%d%% used)\n", formatBytes(int64(disk.Available)), disk.UsedPercent)
		}

		keys, err := st.LogicalKeys()
		if err != nil {
			return fmt.Errorf("failed to list stores: %w", err)
		}

		names := catalogNames(keys)
		if len(names) == 0 {
			fmt.Println("\nNo stores")
			return nil
		}

		fmt.Println("\nStores:")
		for _, name := range names {
			rows, err := st.RowsByKey(name)
			if err != nil {
				return fmt.Errorf("failed to read store '%s': %w", name, err)
			}
			if len(rows) == 0 {
				fmt.Printf("  %-16s empty\n", name)
				continue
			}
			line := fmt.Sprintf("  %-16s %d row(s)", name, len(rows))
			if len(rows) > 1 {
				line += fmt.Sprintf(", %d stale", len(rows)-1)
			}
			line += fmt.Sprintf(", updated %s", rows[0].UpdatedAt.Format(time.RFC3339))
			fmt.Println(line)
		}
		return nil
	},
}

// formatBytes renders a byte count in a human unit
func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// listCmd lists stores
var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List stores, optionally filtered by a glob pattern",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		keys, err := st.LogicalKeys()
		if err != nil {
			return fmt.Errorf("failed to list stores: %w", err)
		}
		names := catalogNames(keys)

		if len(args) == 1 {
			names, err = cli.ExpandPattern(args[0], names)
			if err != nil {
				return err
			}
		}

		if len(names) == 0 {
			fmt.Println("No stores")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

// getCmd prints a store's envelope
var getCmd = &cobra.Command{
	Use:   "get <store>",
	Short: "Print a store's envelope as JSON",
	Long: `Print a store's decrypted envelope as JSON ({"state": ..., "version": N}).

Loading runs the legacy migration cascade, so old plaintext data is
converted on first access.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		// 1. Unlock vault
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		// 2. Load envelope
		a, err := stores.NewAdapter(st, v, name)
		if err != nil {
			return fmt.Errorf("failed to open store '%s': %w", name, err)
		}
		defer a.Close()

		env, err := a.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load store '%s': %w", name, err)
		}
		_ = v.AuditLogger().LogSuccess(audit.OpStoreLoad, audit.SourceCLI, name)

		if env == nil {
			fmt.Fprintf(os.Stderr, "Store '%s' is empty\n", name)
			return nil
		}

		// 3. Print envelope JSON
		out, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

// setCmd saves a store's envelope
var setCmd = &cobra.Command{
	Use:   "set <store>",
	Short: "Save a store's envelope from JSON",
	Long: `Save a store envelope. Reads envelope JSON ({"state": ..., "version": N})
from standard input, or from a file with --file.

Examples:
  vitalstore set settings < settings.json
  vitalstore set pain-entries --file entries.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		// 1. Read envelope JSON
		var data []byte
		var err error
		if setFile != "" {
			data, err = os.ReadFile(setFile)
			if err != nil {
				return fmt.Errorf("failed to read input file: %w", err)
			}
		} else {
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read standard input: %w", err)
			}
		}

		var env store.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("input is not envelope JSON: %w", err)
		}
		if len(env.State) == 0 {
			return errors.New("envelope has no state")
		}

		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		// 2. Unlock vault
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		// 3. Save envelope
		a, err := stores.NewAdapter(st, v, name)
		if err != nil {
			return fmt.Errorf("failed to open store '%s': %w", name, err)
		}
		defer a.Close()

		if err := a.Save(cmd.Context(), &env); err != nil {
			return fmt.Errorf("failed to save store '%s': %w", name, err)
		}
		_ = v.AuditLogger().LogSuccess(audit.OpStoreSave, audit.SourceCLI, name)

		fmt.Printf("Store '%s' saved\n", name)
		return nil
	},
}

// clearCmd deletes a store's data
var clearCmd = &cobra.Command{
	Use:   "clear <store>",
	Short: "Delete a store's data",
	Long: `Delete every snapshot row and any legacy plaintext copies of a store.

Clearing never needs the session key, so it works on a locked vault.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		// Confirmation prompt (unless --force)
		if !clearForce {
			fmt.Printf("This will delete all data for store '%s'.\n", name)
			fmt.Print("Are you sure? [y/N]: ")
			var response string
			if _, err := fmt.Scanln(&response); err != nil {
				// Treat read error as "no"
				fmt.Println("Aborted")
				return nil
			}
			if response != "y" && response != "Y" {
				fmt.Println("Aborted")
				return nil
			}
		}

		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		a, err := stores.NewAdapter(st, v, name)
		if err != nil {
			return fmt.Errorf("failed to open store '%s': %w", name, err)
		}
		defer a.Close()

		if err := a.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("failed to clear store '%s': %w", name, err)
		}
		_ = v.AuditLogger().LogSuccess(audit.OpStoreClear, audit.SourceCLI, name)

		fmt.Printf("Store '%s' cleared\n", name)
		return nil
	},
}

// migrateCmd runs legacy migration eagerly
var migrateCmd = &cobra.Command{
	Use:   "migrate [pattern]",
	Short: "Migrate legacy data into registered stores",
	Long: `Run the legacy migration cascade for registered stores.

Migration normally happens lazily on first load; migrate runs it eagerly so
old plaintext files are re-encrypted and removed in one pass.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		names := stores.Names()
		if len(args) == 1 {
			var err error
			names, err = cli.ExpandPattern(args[0], names)
			if err != nil {
				return err
			}
		}

		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		// 1. Unlock vault
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		// 2. Load each store; a load miss probes the legacy chain
		for _, name := range names {
			count, err := st.CountByKey(name)
			if err != nil {
				return fmt.Errorf("failed to check store '%s': %w", name, err)
			}
			if count > 0 {
				fmt.Printf("%s: up to date\n", name)
				continue
			}

			a, err := stores.NewAdapter(st, v, name)
			if err != nil {
				return fmt.Errorf("failed to open store '%s': %w", name, err)
			}

			env, err := a.Load(cmd.Context())
			a.Close()
			if err != nil {
				return fmt.Errorf("failed to migrate store '%s': %w", name, err)
			}
			if env == nil {
				fmt.Printf("%s: no data\n", name)
				continue
			}
			_ = v.AuditLogger().LogSuccess(audit.OpStoreMigrate, audit.SourceCLI, name)
			fmt.Printf("%s: migrated\n", name)
		}
		return nil
	},
}

// compactCmd removes superseded duplicate rows
var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove superseded duplicate rows",
	Long: `Remove superseded duplicate rows from every store.

Duplicates accumulate when an update races a concurrent writer and falls
back to an insert. Loads always pick the most recent row, so duplicates are
harmless, but compacting reclaims the space.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		keys, err := st.LogicalKeys()
		if err != nil {
			return fmt.Errorf("failed to list stores: %w", err)
		}

		var total int64
		for _, key := range keys {
			n, err := st.Compact(key)
			if err != nil {
				return fmt.Errorf("failed to compact store '%s': %w", key, err)
			}
			if n > 0 {
				fmt.Printf("%s: removed %d row(s)\n", key, n)
			}
			total += n
		}
		_ = v.AuditLogger().LogSuccess(audit.OpStoreCompact, audit.SourceCLI, "")

		if total == 0 {
			fmt.Println("Nothing to compact")
		} else {
			fmt.Printf("Removed %d row(s)\n", total)
		}
		return nil
	},
}

// verifyCmd checks store integrity and the audit chain
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify store integrity and the audit chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		fmt.Println("Verifying store integrity...")

		result := st.CheckIntegrity()
		if !result.Valid && verifyRepair {
			if err := st.Repair(); err != nil {
				return fmt.Errorf("repair failed: %w", err)
			}
			fmt.Println("Store metadata rebuilt")
			result = st.CheckIntegrity()
		}

		if result.Valid {
			fmt.Println("✓ Store integrity verified")
		} else {
			fmt.Println("✗ Store integrity check FAILED")
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}
		}

		// The audit chain HMAC key comes from the session key, so chain
		// verification needs an unlocked vault.
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		auditResult, err := v.AuditLogger().Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if auditResult.Valid {
			fmt.Printf("✓ Audit log verified: %d records, chain intact\n", auditResult.RecordsTotal)
		} else {
			fmt.Println("✗ Audit log verification FAILED")
			fmt.Printf("  Records total: %d\n", auditResult.RecordsTotal)
			fmt.Printf("  Records verified: %d\n", auditResult.RecordsVerified)
			fmt.Println("  Errors:")
			for _, e := range auditResult.Errors {
				fmt.Printf("    - %s\n", e)
			}
		}

		if !result.Valid || !auditResult.Valid {
			return errors.New("verification failed")
		}
		return nil
	},
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		// 1. Unlock vault to access audit logs
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		// 2. Parse since duration
		var since time.Time
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		// 3. Get audit events
		events, err := v.AuditLogger().ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}

		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		// 4. Display events
		for _, event := range events {
			// Format: TIMESTAMP OPERATION RESULT [STORE]
			line := fmt.Sprintf("%s %s %s", event.Timestamp, event.Operation, event.Result)
			if event.Store != "" {
				// Show truncated store name hash
				storeDisplay := event.Store
				if len(storeDisplay) > 16 {
					storeDisplay = storeDisplay[:16] + "..."
				}
				line += fmt.Sprintf(" store:%s", storeDisplay)
			}
			if event.Error != nil {
				line += fmt.Sprintf(" error:%s", event.Error.Code)
			}
			fmt.Println(line)
		}

		fmt.Printf("\nTotal: %d events\n", len(events))
		return nil
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		// 1. Unlock vault to access the HMAC key
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		fmt.Println("Verifying audit log integrity...")

		// 2. Run verification
		result, err := v.AuditLogger().Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		// 3. Display result
		if result.Valid {
			fmt.Printf("✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)
		} else {
			fmt.Printf("✗ Audit log verification FAILED\n")
			fmt.Printf("  Records total: %d\n", result.RecordsTotal)
			fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
			fmt.Println("  Errors:")
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}
			return errors.New("audit log integrity check failed")
		}

		// Also output as JSON for machine parsing
		jsonResult, _ := json.Marshal(result)
		fmt.Printf("\nJSON: %s\n", string(jsonResult))

		return nil
	},
}

// auditExportCmd exports audit logs
var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit logs to JSON or CSV format",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		// 1. Unlock vault to access audit logs
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		// 2. Validate format
		if auditExportFormat != "json" && auditExportFormat != "csv" {
			return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", auditExportFormat)
		}

		// 3. Parse time filters
		var since, until time.Time
		if auditExportSince != "" {
			duration, err := parseDuration(auditExportSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}
		if auditExportUntil != "" {
			var err error
			until, err = time.Parse(time.RFC3339, auditExportUntil)
			if err != nil {
				return fmt.Errorf("invalid until format (use RFC 3339): %w", err)
			}
		}

		// 4. Export events
		data, err := v.AuditLogger().Export(auditExportFormat, since, until)
		if err != nil {
			return fmt.Errorf("failed to export audit logs: %w", err)
		}

		// 5. Output to file or stdout
		if auditExportOutput != "" {
			// Validate output path to prevent path traversal
			absPath, err := filepath.Abs(auditExportOutput)
			if err != nil {
				return fmt.Errorf("invalid output path: %w", err)
			}

			// Get current working directory for validation
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get current directory: %w", err)
			}

			// Allow paths within: current directory, home directory, or /tmp
			homeDir, _ := os.UserHomeDir()
			validPrefixes := []string{cwd, homeDir, "/tmp"}
			isValid := false
			for _, prefix := range validPrefixes {
				if strings.HasPrefix(absPath, prefix) {
					isValid = true
					break
				}
			}
			if !isValid {
				return errors.New("output path must be within current directory, home directory, or /tmp")
			}

			// Write to file with secure permissions
			if err := os.WriteFile(absPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Warning: Exported audit logs contain store name hashes and operation metadata.\n")
			fmt.Fprintf(os.Stderr, "Audit logs exported to %s\n", absPath)
		} else {
			// Write to stdout
			os.Stdout.Write(data)
		}

		return nil
	},
}

// auditPruneCmd deletes old audit logs
var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. Validate older-than flag
		if auditPruneOlderThan == "" {
			return errors.New("--older-than flag is required")
		}

		duration, err := parseDuration(auditPruneOlderThan)
		if err != nil {
			return fmt.Errorf("invalid older-than format: %w", err)
		}

		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		// 2. Unlock vault to access audit logs
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()

		// 3. Dry-run mode
		if auditPruneDryRun {
			count, err := v.AuditLogger().PrunePreview(duration)
			if err != nil {
				return fmt.Errorf("failed to preview prune: %w", err)
			}
			fmt.Printf("Would delete %d audit log entries older than %s\n", count, auditPruneOlderThan)
			return nil
		}

		// 4. Get preview count for confirmation
		count, err := v.AuditLogger().PrunePreview(duration)
		if err != nil {
			return fmt.Errorf("failed to preview prune: %w", err)
		}

		if count == 0 {
			fmt.Println("No audit log entries to delete")
			return nil
		}

		// 5. Confirmation prompt (unless --force)
		if !auditPruneForce {
			fmt.Printf("This will delete %d audit log entries older than %s.\n", count, auditPruneOlderThan)
			fmt.Print("Are you sure? [y/N]: ")
			var response string
			if _, err := fmt.Scanln(&response); err != nil {
				// Treat read error as "no"
				fmt.Println("Aborted")
				return nil
			}
			if response != "y" && response != "Y" {
				fmt.Println("Aborted")
				return nil
			}
		}

		// 6. Perform prune
		deleted, err := v.AuditLogger().Prune(duration)
		if err != nil {
			return fmt.Errorf("failed to prune audit logs: %w", err)
		}

		fmt.Printf("Deleted %d audit log entries\n", deleted)
		return nil
	},
}

// passphraseCmd is the parent command for passphrase operations
var passphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Passphrase operations",
}

// passphraseChangeCmd changes the vault passphrase
var passphraseChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the vault passphrase",
	Long: `Change the vault passphrase by re-wrapping the session key.

All store data stays as it is; only the key wrapping changes. The change is
atomic: either it fully succeeds or it has no effect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		fmt.Println("Changing vault passphrase...")
		fmt.Println()

		// 1. Prompt for current passphrase
		fmt.Print("Enter current passphrase: ")
		current, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(current)
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		fmt.Println()

		// 2. Prompt for new passphrase
		fmt.Print("Enter new passphrase: ")
		next1, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(next1)
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		fmt.Println()

		// 3. Confirm new passphrase
		fmt.Print("Confirm new passphrase: ")
		next2, err := term.ReadPassword(int(syscall.Stdin))
		defer crypto.SecureWipe(next2)
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		fmt.Println()

		// 4. Check new passphrases match
		if string(next1) != string(next2) {
			return errors.New("new passphrases do not match")
		}

		// 5. Validate new passphrase strength
		validation := security.ValidatePassphrase(string(next1))
		if !validation.Valid {
			return fmt.Errorf("passphrase validation failed: %s", validation.Warnings[0])
		}

		fmt.Printf("New passphrase strength: %s\n", validation.Strength)
		for _, warning := range validation.Warnings {
			fmt.Printf("Warning: %s\n", warning)
		}
		fmt.Println()

		// 6. Execute passphrase change
		if err := v.ChangePassphrase(string(current), string(next1)); err != nil {
			if errors.Is(err, vault.ErrInvalidPassphrase) {
				return errors.New("current passphrase is incorrect")
			}
			return fmt.Errorf("failed to change passphrase: %w", err)
		}

		fmt.Println("Passphrase changed successfully")
		return nil
	},
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", valueStr)
	}

	switch unit {
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		// Try standard time.ParseDuration
		return time.ParseDuration(s)
	}
}
