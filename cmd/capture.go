package cmd

import (
	"fmt"

	"github.com/CanopyHQ/xylem/internal/capture"
	"github.com/spf13/cobra"
)

var captureCommitsCmd = &cobra.Command{
	Use:   "capture-commits",
	Short: "Capture the project's new commits once",
	Long: `Capture the commits of the project repository that the commit ledger has
not seen yet: the same catch-up the session-start and stop hooks run.

Examples:
  xylem capture-commits
  xylem capture-commits --project mobile`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return runCaptureCommits(cmd, project)
	},
}

func init() {
	captureCommitsCmd.Flags().String("project", "", "Project key (default: resolved from the working directory)")
}

func runCaptureCommits(cmd *cobra.Command, projectFlag string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	project, dir, err := resolveProject(a, projectFlag)
	if err != nil {
		return err
	}
	if dir == "" {
		return fmt.Errorf("project %s has no directory under %s", project, a.Config.WorkspaceRoot)
	}

	results, err := a.Capture.Commits(commandContext(cmd), project, a.Repo(dir))
	if err != nil {
		fmt.Fprintf(out, "No commits captured: %v\n", err)
		return nil
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No new commits.")
		return nil
	}

	for _, r := range results {
		switch r.Outcome {
		case capture.Stored:
			fmt.Fprintf(out, "  ✅ [%s] %s\n", r.Memory.Type, r.Memory.Text())
		case capture.Failed:
			fmt.Fprintf(out, "  ❌ %s: %v\n", r.Reason, r.Err)
		default:
			fmt.Fprintf(out, "  ·  %s (%s)\n", r.Outcome, r.Reason)
		}
	}
	counts := capture.Summarize(results)
	fmt.Fprintf(out, "\n%d stored, %d duplicate, %d ignored, %d failed\n",
		counts[capture.Stored], counts[capture.Duplicate], counts[capture.Ignored], counts[capture.Failed])
	return nil
}
