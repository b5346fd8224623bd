package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/bundle"
	"github.com/CanopyHQ/xylem/internal/transcript"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <bundle|transcript> <path>",
	Short: "Import a memory bundle or an assistant transcript",
	Long: `Import memories into the store.

Sources:
  bundle      - a .xyl file written by 'xylem export'
  transcript  - a Claude Code session transcript (.jsonl); every user and
                assistant turn runs through the capture pipeline

Dedup applies, so importing the same file twice stores nothing new.

Examples:
  xylem import bundle mobile.xyl
  xylem import bundle mobile.xyl --project mobile-v2
  xylem import transcript ~/.claude/projects/-ws-apps-mobile/1234.jsonl --project mobile`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return runImport(cmd, args[0], args[1], project)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [output]",
	Short: "Export a project's memories to a bundle",
	Long: `Export every memory of a project, with its embeddings, to a .xyl bundle.
If no output path is given, <project>-<date>.xyl is written to the working
directory.

Examples:
  xylem export
  xylem export mobile.xyl --project mobile --description "handover to the web team"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		description, _ := cmd.Flags().GetString("description")
		output := ""
		if len(args) == 1 {
			output = args[0]
		}
		return runExport(cmd, output, project, description)
	},
}

func init() {
	importCmd.Flags().String("project", "", "Target project (bundle default: the project recorded in the bundle)")
	exportCmd.Flags().String("project", "", "Project key (default: resolved from the working directory)")
	exportCmd.Flags().String("description", "", "Description stored in the bundle manifest")
}

func runImport(cmd *cobra.Command, source, path, projectFlag string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	switch source {
	case "bundle":
		fmt.Fprintf(out, "Importing bundle: %s\n", path)
		res, err := bundle.Import(ctx, a.Store, path, projectFlag)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Fprintf(out, "\n✅ Import Complete!\n")
		fmt.Fprintf(out, "   Bundle: %s (%s)\n", res.Manifest.ID, res.Manifest.Project)
		fmt.Fprintf(out, "   Memories imported: %d\n", res.Imported)
		fmt.Fprintf(out, "   Duplicates: %d\n", res.Duplicates)
		printErrors(out, res.Errors)

	case "transcript":
		project, _, err := resolveProject(a, projectFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Importing transcript into %s: %s\n", project, path)
		res, err := transcript.NewImporter(a.Capture).ImportFile(ctx, project, path)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Fprintf(out, "\n✅ Import Complete!\n")
		fmt.Fprintf(out, "   Turns processed: %d\n", res.TurnsProcessed)
		fmt.Fprintf(out, "   Memories created: %d\n", res.MemoriesCreated)
		fmt.Fprintf(out, "   Duplicates: %d\n", res.Duplicates)
		fmt.Fprintf(out, "   Skipped: %d\n", res.Skipped)
		fmt.Fprintf(out, "   Duration: %s\n", res.Duration.Round(time.Millisecond))
		printErrors(out, res.Errors)

	default:
		return fmt.Errorf("unknown source: %s (supported: bundle, transcript)", source)
	}
	return nil
}

func printErrors(out io.Writer, errs []string) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(out, "\n⚠️  Errors (%d):\n", len(errs))
	for i, e := range errs {
		if i >= 5 {
			fmt.Fprintf(out, "   ... and %d more\n", len(errs)-5)
			break
		}
		fmt.Fprintf(out, "   - %s\n", e)
	}
}

func runExport(cmd *cobra.Command, output, projectFlag, description string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	project, _, err := resolveProject(a, projectFlag)
	if err != nil {
		return err
	}
	if output == "" {
		name := strings.ReplaceAll(project, "/", "-")
		output = fmt.Sprintf("%s-%s%s", name, time.Now().Format("2006-01-02"), bundle.Extension)
	}
	if filepath.Ext(output) == "" {
		output += bundle.Extension
	}

	manifest, err := bundle.Export(commandContext(cmd), a.Store, project, description, output)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Fprintf(out, "✅ Exported %d memories of %s to %s\n", manifest.MemoryCount, project, output)
	return nil
}
