package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/forest6511/vitalstore/internal/cli"
	"github.com/forest6511/vitalstore/pkg/audit"
	"github.com/forest6511/vitalstore/pkg/crypto"
	"github.com/forest6511/vitalstore/pkg/export"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Export format constants
const (
	formatBundle = "bundle"
)

// Export command flags
var (
	exportFormat     string
	exportOutput     string
	exportStdout     bool
	exportStores     []string
	exportWithAudit  bool
	exportKeyFile    string
	exportNewKeyFile string
	exportForce      bool
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportFormat, "format", formatBundle, "Output format: bundle, json, yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file path")
	exportCmd.Flags().BoolVar(&exportStdout, "stdout", false, "Output to stdout (for piping)")
	exportCmd.Flags().StringSliceVarP(&exportStores, "store", "s", nil, "Stores to export (glob pattern supported)")
	exportCmd.Flags().BoolVar(&exportWithAudit, "with-audit", false, "Include audit log in the bundle")
	exportCmd.Flags().StringVar(&exportKeyFile, "key-file", "", "Encryption key file (32 bytes)")
	exportCmd.Flags().StringVar(&exportNewKeyFile, "new-key-file", "", "Generate a key file at this path and use it")
	exportCmd.Flags().BoolVarP(&exportForce, "force", "f", false, "Overwrite existing file")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export store data to an encrypted bundle or plain JSON/YAML",
	Long: `Export store data for device migration or a doctor handoff.

The default bundle format is encrypted with its own passphrase (or a key
file), so it can be opened on a device with a different vault passphrase.
The json and yaml formats write decrypted envelopes in the clear.

Examples:
  # Encrypted bundle of everything
  vitalstore export -o health.vsb

  # Bundle with audit log, encrypted with a fresh key file
  vitalstore export -o health.vsb --with-audit --new-key-file health.key

  # Only the pain stores
  vitalstore export -o pain.vsb -s "pain-*"

  # Plain YAML for a doctor visit
  vitalstore export --format yaml -o visit.yaml`,
	RunE: executeExport,
}

func executeExport(cmd *cobra.Command, args []string) error {
	// Validate flags
	if err := validateExportFlags(); err != nil {
		return err
	}

	if err := openEngine(); err != nil {
		return err
	}
	defer closeEngine()

	// Unlock vault; exporting reads decrypted envelopes
	if err := ensureUnlocked(); err != nil {
		return err
	}
	defer v.Lock()

	// Expand store patterns against the catalog
	var names []string
	if len(exportStores) > 0 {
		keys, err := st.LogicalKeys()
		if err != nil {
			return fmt.Errorf("failed to list stores: %w", err)
		}
		names, err = cli.ExpandPatterns(exportStores, catalogNames(keys))
		if err != nil {
			return err
		}
	}

	// Determine output
	output, err := openExportOutput()
	if err != nil {
		return err
	}
	if !exportStdout {
		defer output.Close()
	}

	// Plain formats
	if exportFormat != formatBundle {
		if err := export.WritePlain(output, st, v, names, exportFormat); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		_ = v.AuditLogger().LogSuccess(audit.OpExportCreate, audit.SourceCLI, "")

		fmt.Fprintf(os.Stderr, "Warning: plain exports hold decrypted health data; handle with care.\n")
		if !exportStdout {
			fmt.Printf("Exported to %s\n", exportOutput)
		}
		return nil
	}

	// Encrypted bundle: key file or bundle passphrase
	keyFilePath := exportKeyFile
	if exportNewKeyFile != "" {
		if err := export.GenerateKeyFile(exportNewKeyFile); err != nil {
			return fmt.Errorf("failed to generate key file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Key file written to %s; keep it separate from the bundle.\n", exportNewKeyFile)
		keyFilePath = exportNewKeyFile
	}

	var passphrase []byte
	if keyFilePath == "" {
		pwd, err := promptBundlePassphrase()
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pwd)
		passphrase = pwd
	}

	opts := export.CreateOptions{
		Output:       output,
		Passphrase:   passphrase,
		KeyFile:      keyFilePath,
		Stores:       names,
		IncludeAudit: exportWithAudit,
	}

	result, err := export.Create(st, v, opts)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	_ = v.AuditLogger().LogSuccess(audit.OpExportCreate, audit.SourceCLI, "")

	if !exportStdout {
		fmt.Printf("Bundle created: %s (%d store(s))\n", exportOutput, len(result.Stores))
		if result.AuditFiles > 0 {
			fmt.Printf("Included %d audit log file(s)\n", result.AuditFiles)
		}
	}

	return nil
}

func validateExportFlags() error {
	exportFormat = strings.ToLower(exportFormat)
	if exportFormat != formatBundle && exportFormat != export.FormatJSON && exportFormat != export.FormatYAML {
		return fmt.Errorf("invalid format '%s': must be 'bundle', 'json' or 'yaml'", exportFormat)
	}
	if !exportStdout && exportOutput == "" {
		return errors.New("either --output or --stdout is required")
	}
	if exportStdout && exportOutput != "" {
		return errors.New("--output and --stdout are mutually exclusive")
	}
	if exportKeyFile != "" && exportNewKeyFile != "" {
		return errors.New("--key-file and --new-key-file are mutually exclusive")
	}
	if exportFormat != formatBundle {
		if exportWithAudit {
			return errors.New("--with-audit requires the bundle format")
		}
		if exportKeyFile != "" || exportNewKeyFile != "" {
			return errors.New("key files only apply to the bundle format")
		}
	}
	return nil
}

func openExportOutput() (*os.File, error) {
	if exportStdout {
		return os.Stdout, nil
	}

	// Check if file exists
	if !exportForce {
		if _, err := os.Stat(exportOutput); err == nil {
			return nil, fmt.Errorf("output file already exists: %s (use --force to overwrite)", exportOutput)
		}
	}

	output, err := os.OpenFile(exportOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return output, nil
}

func promptBundlePassphrase() ([]byte, error) {
	fmt.Print("Enter bundle passphrase: ")
	passphrase1, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm bundle passphrase: ")
	passphrase2, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Println()

	if string(passphrase1) != string(passphrase2) {
		crypto.SecureWipe(passphrase1)
		crypto.SecureWipe(passphrase2)
		return nil, errors.New("passphrases do not match")
	}
	crypto.SecureWipe(passphrase2)

	if len(passphrase1) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}

	return passphrase1, nil
}
