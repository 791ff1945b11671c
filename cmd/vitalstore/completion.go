package main

import (
	"os"
	"strings"

	"github.com/forest6511/vitalstore/internal/stores"
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(vitalstore completion bash)

  # To load for each session (Linux):
  $ vitalstore completion bash > ~/.local/share/bash-completion/completions/vitalstore

  # To load for each session (macOS with Homebrew):
  $ vitalstore completion bash > $(brew --prefix)/etc/bash_completion.d/vitalstore

Zsh:
  # Ensure completion is enabled:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # Generate completion:
  $ vitalstore completion zsh > ~/.zsh/completions/_vitalstore
  # (create ~/.zsh/completions if needed, add to fpath in .zshrc)

Fish:
  $ vitalstore completion fish > ~/.config/fish/completions/vitalstore.fish

PowerShell:
  PS> vitalstore completion powershell >> $PROFILE

Store name completion uses the built-in store registry and never opens the
data directory or prompts for the passphrase.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	// Register dynamic completion functions for commands
	registerCompletionFunctions()
}

// completeStoreNames offers the registered store names. Completion reads
// only the static registry, so stores created by other builds under other
// names are not offered.
func completeStoreNames(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var names []string
	for _, name := range stores.Names() {
		if strings.HasPrefix(name, toComplete) {
			names = append(names, name)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

// registerCompletionFunctions registers ValidArgsFunction for commands that
// take a store name.
func registerCompletionFunctions() {
	getCmd.ValidArgsFunction = completeStoreNames
	setCmd.ValidArgsFunction = completeStoreNames
	clearCmd.ValidArgsFunction = completeStoreNames
	migrateCmd.ValidArgsFunction = completeStoreNames
}
