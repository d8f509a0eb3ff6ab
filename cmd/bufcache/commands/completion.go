package commands

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for bufcache.

To load completions:

Bash:
  $ bufcache completion bash > ~/.local/share/bash-completion/completions/bufcache

Zsh:
  $ bufcache completion zsh > ~/.zsh/completion/_bufcache

Fish:
  $ bufcache completion fish > ~/.config/fish/completions/bufcache.fish

PowerShell:
  PS> bufcache completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
	runCmd.ValidArgsFunction = completeScenarios
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletion(out)
	case "zsh":
		return cmd.Root().GenZshCompletion(out)
	case "fish":
		return cmd.Root().GenFishCompletion(out, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(out)
	}
	return nil
}

func completeBackends(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{
		"memory\tHost memory runtime",
		"vulkan\tVulkan device",
		"auto\tVulkan when available, memory otherwise",
	}, cobra.ShellCompDirectiveNoFileComp
}

// completeScenarios offers Lua files and directories.
func completeScenarios(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"lua"}, cobra.ShellCompDirectiveFilterFileExt
}
