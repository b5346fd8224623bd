package cmd

import (
	"fmt"
	"strings"

	"github.com/CanopyHQ/xylem/internal/app"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Show the memories retrieval would inject",
	Long: `Run the ranker for the current project and print the ranked memories with
the phase that selected each one. Without a query the repository keywords
are used, as at session start.

Examples:
  xylem recall "login crash"
  xylem recall --session
  xylem recall --project tools/cli "release script"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		session, _ := cmd.Flags().GetBool("session")
		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		return runRecall(cmd, query, project, session)
	},
}

func init() {
	recallCmd.Flags().String("project", "", "Project key (default: resolved from the working directory)")
	recallCmd.Flags().Bool("session", false, "Use the session-start budget instead of the per-turn one")
}

func runRecall(cmd *cobra.Command, query, projectFlag string, session bool) error {
	out := cmd.OutOrStdout()
	a, err := openApp(false)
	if app.IsNoStore(err) {
		fmt.Fprintln(out, "No memories yet.")
		return nil
	}
	if err != nil {
		return err
	}
	defer a.Close()

	project, dir, err := resolveProject(a, projectFlag)
	if err != nil {
		return err
	}

	profile := retrieval.TurnProfile()
	if session || query == "" {
		profile = retrieval.SessionProfile()
	}
	ctx := commandContext(cmd)
	ranked, err := a.Retrieve(ctx, project, dir, query, profile)
	if err != nil {
		a.Logger.Warn("retrieval incomplete", zap.Error(err))
	}

	req := retrieval.Request{Query: query}
	if query == "" && dir != "" {
		req.RepoKeywords = a.RepoKeywords(ctx, dir)
	}
	keywords := a.Ranker.Keywords(req)
	fmt.Fprintf(out, "Project: %s (%s budget)\n", project, profile.Name)
	if len(keywords) > 0 {
		fmt.Fprintf(out, "Keywords: %s\n", strings.Join(keywords, ", "))
	}
	fmt.Fprintln(out)

	if len(ranked) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}
	for i, r := range ranked {
		m := r.Memory
		fmt.Fprintf(out, "%2d. [%-9s] [%s] %s (importance %d", i+1, r.Phase, m.Type, m.Text(), m.Importance)
		if r.Phase == retrieval.PhaseSemantic {
			fmt.Fprintf(out, ", similarity %.2f", r.Score)
		}
		fmt.Fprintln(out, ")")
	}
	return nil
}
