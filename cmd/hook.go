package cmd

import (
	"github.com/CanopyHQ/xylem/internal/hook"
	"github.com/spf13/cobra"
)

var hookCmd = &cobra.Command{
	Use:   "hook <event>",
	Short: "Run an assistant hook (session-start, prompt, post-prompt, stop)",
	Long: `Run one assistant lifecycle hook. The hook payload (a JSON descriptor
with at least "cwd", or raw prompt text) is read from stdin. Context blocks
are written to stdout; diagnostics go to stderr. Hooks always exit 0.

Set XYLEM_HOOKS_DISABLED=true to turn every hook into a no-op.

Examples:
  xylem hook session-start
  echo '{"cwd":"/ws/apps/mobile","prompt":"fix login"}' | xylem hook prompt`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: hook.Events,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger := loadConfig()
		defer logger.Sync()
		runner := hook.NewRunner(cfg, logger, cmd.OutOrStdout())
		return runner.Run(commandContext(cmd), args[0], cmd.InOrStdin())
	},
}
