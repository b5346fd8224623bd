package cmd

import (
	"fmt"

	"github.com/CanopyHQ/xylem/internal/mcp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"mcp"},
	Short:   "Start the MCP server",
	Long: `Start the MCP server using stdio transport.

The server communicates via JSON-RPC over stdin/stdout and exposes the
memory_save, memory_search, project_init, session_save, task_add,
task_update, solution_save and context_get tools. The default project is
resolved from the working directory.

Examples:
  xylem serve
  claude mcp add xylem -- xylem serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return runServe(cmd, project)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "xylem %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	serveCmd.Flags().String("project", "", "Default project key (default: resolved from the working directory)")
}

func runServe(cmd *cobra.Command, projectFlag string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcp.NewServer(a, cmd.InOrStdin(), cmd.OutOrStdout(), Version)
	if projectFlag != "" {
		server.SetProject(projectFlag)
	}
	return server.Start(commandContext(cmd))
}
