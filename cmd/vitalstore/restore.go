package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/forest6511/vitalstore/pkg/audit"
	"github.com/forest6511/vitalstore/pkg/crypto"
	"github.com/forest6511/vitalstore/pkg/export"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	restoreDryRun     bool
	restoreVerifyOnly bool
	restoreOnConflict string
	restoreKeyFile    string
	restoreForce      bool
	restoreWithAudit  bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Show what would be restored without making changes")
	restoreCmd.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify bundle integrity")
	restoreCmd.Flags().StringVar(&restoreOnConflict, "on-conflict", "error", "Conflict resolution: skip, overwrite, error")
	restoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "Decryption key file")
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip confirmation prompt")
	restoreCmd.Flags().BoolVar(&restoreWithAudit, "with-audit", false, "Restore audit log files from the bundle")
}

var restoreCmd = &cobra.Command{
	Use:   "restore <bundle-file>",
	Short: "Restore store data from an encrypted bundle",
	Long: `Restore store data from an encrypted export bundle.

Restored envelopes are re-encrypted under this device's session key, so the
bundle passphrase and the vault passphrase are independent.

Examples:
  # Dry run (preview only)
  vitalstore restore health.vsb --dry-run

  # Verify bundle integrity without restoring
  vitalstore restore health.vsb --verify-only

  # Restore, skip stores that already have data
  vitalstore restore health.vsb --on-conflict=skip

  # Restore, overwrite existing data
  vitalstore restore health.vsb --on-conflict=overwrite

  # Restore with audit log files
  vitalstore restore health.vsb --with-audit

  # Use key file for decryption
  vitalstore restore health.vsb --key-file=health.key`,
	Args: cobra.ExactArgs(1),
	RunE: executeRestore,
}

func executeRestore(cmd *cobra.Command, args []string) error {
	bundlePath := args[0]

	// Validate flags
	if err := validateRestoreFlags(); err != nil {
		return err
	}

	// Check if bundle file exists
	if _, err := os.Stat(bundlePath); os.IsNotExist(err) {
		return fmt.Errorf("bundle file not found: %s", bundlePath)
	}

	// Parse conflict mode
	conflictMode, err := parseConflictMode(restoreOnConflict)
	if err != nil {
		return err
	}

	// Get bundle passphrase or key file
	var passphrase []byte
	if restoreKeyFile == "" {
		fmt.Print("Enter bundle passphrase: ")
		pwd, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		fmt.Println()
		defer crypto.SecureWipe(pwd)
		passphrase = pwd
	}

	// Verify only mode
	if restoreVerifyOnly {
		result, err := export.Verify(bundlePath, passphrase, restoreKeyFile)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if !result.Valid {
			return fmt.Errorf("verification failed: %s", result.Error)
		}
		fmt.Println("Bundle verification successful")
		fmt.Printf("  Version: %d\n", result.Version)
		fmt.Printf("  Created: %s\n", result.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Stores: %d\n", result.StoreCount)
		fmt.Printf("  Includes audit: %v\n", result.IncludesAudit)
		return nil
	}

	if err := openEngine(); err != nil {
		return err
	}
	defer closeEngine()

	// Confirmation prompt
	if !restoreForce && !restoreDryRun {
		fmt.Print("This will write bundle data into the store. Continue? [y/N]: ")
		var confirm string
		fmt.Scanln(&confirm)
		if confirm != "y" && confirm != "Y" {
			fmt.Println("Restore cancelled")
			return nil
		}
	}

	// Restored rows are sealed under the current session key, so a real
	// restore needs an unlocked vault. A dry run only reads the bundle.
	if !restoreDryRun {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer v.Lock()
	}

	opts := export.RestoreOptions{
		Passphrase: passphrase,
		KeyFile:    restoreKeyFile,
		OnConflict: conflictMode,
		DryRun:     restoreDryRun,
		WithAudit:  restoreWithAudit,
	}

	// Perform restore
	result, err := export.Restore(bundlePath, st, v, opts)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	_ = v.AuditLogger().LogSuccess(audit.OpExportRestore, audit.SourceCLI, "")

	// Print results
	if result.DryRun {
		fmt.Println("Dry run complete. Would restore:")
	} else {
		fmt.Println("Restore complete")
	}
	fmt.Printf("  Stores restored: %d\n", len(result.StoresRestored))
	for _, name := range result.StoresRestored {
		fmt.Printf("    - %s\n", name)
	}
	if len(result.StoresSkipped) > 0 {
		fmt.Printf("  Stores skipped: %d\n", len(result.StoresSkipped))
		for _, name := range result.StoresSkipped {
			fmt.Printf("    - %s\n", name)
		}
	}
	if result.AuditRestored {
		fmt.Println("  Audit log: restored")
	}

	return nil
}

func validateRestoreFlags() error {
	validModes := map[string]bool{"skip": true, "overwrite": true, "error": true}
	if !validModes[restoreOnConflict] {
		return fmt.Errorf("invalid --on-conflict value: %s (valid: skip, overwrite, error)", restoreOnConflict)
	}
	if restoreDryRun && restoreVerifyOnly {
		return errors.New("--dry-run and --verify-only are mutually exclusive")
	}
	return nil
}

func parseConflictMode(mode string) (export.ConflictMode, error) {
	switch mode {
	case "skip":
		return export.ConflictSkip, nil
	case "overwrite":
		return export.ConflictOverwrite, nil
	case "error":
		return export.ConflictError, nil
	default:
		return export.ConflictError, fmt.Errorf("unknown conflict mode: %s", mode)
	}
}
