// cmd/completion.go
package cmd

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opendatarepository/odr-worker/internal/config"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for odr-worker. Tube names complete
for worker, monitor, clear, enqueue and peek.

Bash:
  $ source <(odr-worker completion bash)

Zsh:
  $ odr-worker completion zsh > "${fpath[1]}/_odr-worker"

Fish:
  $ odr-worker completion fish > ~/.config/fish/completions/odr-worker.fish

PowerShell:
  PS> odr-worker completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		default:
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}

// tubeNames lists the built-in tubes starting with prefix.
func tubeNames(prefix string) []string {
	var names []string
	for name := range config.DefaultTubes() {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func completeTubeFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return tubeNames(toComplete), cobra.ShellCompDirectiveNoFileComp
}

func completeTubeArg(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if cmd != peekCmd && len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return tubeNames(toComplete), cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(completionCmd)
	clearCmd.ValidArgsFunction = completeTubeArg
	enqueueCmd.ValidArgsFunction = completeTubeArg
	peekCmd.ValidArgsFunction = completeTubeArg
}
