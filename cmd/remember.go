package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/CanopyHQ/xylem/internal/capture"
	"github.com/spf13/cobra"
)

// SourceCLI is the memory source of manual captures.
const SourceCLI = "cli"

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a memory for the current project",
	Long: `Store a memory for the current project with optional tags. The type is
inferred from the text and falls back to observation.

Examples:
  xylem remember "we decided to keep auth tokens in secure storage"
  xylem remember "prefer expo-router for navigation" --tags "navigation,mobile"
  xylem remember "bump node to 22 everywhere" --project _global`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		tagsStr, _ := cmd.Flags().GetString("tags")
		return runRemember(cmd, args[0], project, tagsStr)
	},
}

func init() {
	rememberCmd.Flags().String("project", "", "Project key (default: resolved from the working directory)")
	rememberCmd.Flags().String("tags", "", "Comma-separated tags")
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func runRemember(cmd *cobra.Command, content, projectFlag, tagsStr string) error {
	out := cmd.OutOrStdout()
	if strings.TrimSpace(content) == "" {
		fmt.Fprintln(out, "Usage: xylem remember \"<content>\" [--tags \"tag1,tag2,...\"]")
		return nil
	}
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	project, _, err := resolveProject(a, projectFlag)
	if err != nil {
		return err
	}
	res := a.Capture.Remember(commandContext(cmd), project, content, splitTags(tagsStr), SourceCLI)
	return printRemember(out, project, res)
}

func printRemember(out io.Writer, project string, res capture.Result) error {
	switch res.Outcome {
	case capture.Stored:
		fmt.Fprintf(out, "✅ Remembered in %s (%s, importance %d).\n", project, res.Memory.Type, res.Memory.Importance)
	case capture.Duplicate:
		fmt.Fprintln(out, "ℹ️  Already remembered.")
	case capture.Failed:
		return fmt.Errorf("remember failed: %w", res.Err)
	default:
		fmt.Fprintf(out, "ℹ️  Not stored (%s).\n", res.Reason)
	}
	return nil
}
