package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/CanopyHQ/xylem/internal/app"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics (no content)",
	Long: `Show where xylem keeps its data and how much of it there is.

Sections:
  1. Files: the store, its WAL files and the commit ledger, with sizes
  2. Permissions: flags files readable by other users
  3. Tables: row counts per table
  4. Projects: memories per project

Only names and counts are printed. No memory content is ever shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd)
	},
}

// humanSize formats bytes into a human-readable string.
func humanSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func section(out io.Writer, title string) {
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(out, title)
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(out)
}

func runStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfg, _ := loadConfig()

	fmt.Fprintln(out, "📊 xylem status")
	fmt.Fprintf(out, "  Workspace: %s\n\n", cfg.WorkspaceRoot)

	// ── Files ──────────────────────────────────────────────────────────
	section(out, "📁 Files")
	files := []struct{ path, desc string }{
		{cfg.DBPath, "SQLite store"},
		{cfg.DBPath + "-wal", "write-ahead log"},
		{cfg.DBPath + "-shm", "shared memory"},
	}
	if cfg.LedgerBackend == config.LedgerFile {
		files = append(files, struct{ path, desc string }{cfg.LedgerPath, "commit ledger"})
	}
	permIssues := 0
	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "  %-40s %10s  %04o  (%s)", filepath.Base(f.path), humanSize(info.Size()), info.Mode().Perm(), f.desc)
		if info.Mode().Perm()&0007 != 0 {
			fmt.Fprint(out, "  ⚠️  world-readable")
			permIssues++
		}
		fmt.Fprintln(out)
	}
	if permIssues > 0 {
		fmt.Fprintf(out, "\n  Fix: chmod 600 %s\n", cfg.DBPath)
	}
	fmt.Fprintln(out)

	a, err := openApp(false)
	if app.IsNoStore(err) {
		fmt.Fprintln(out, "  No store yet. It is created by the first hook run.")
		return nil
	}
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	// ── Tables ─────────────────────────────────────────────────────────
	section(out, "🗃️  Tables")
	counts, err := a.Store.TableCounts(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-30s  %d row(s)\n", name, counts[name])
	}
	fmt.Fprintln(out)

	// ── Projects ───────────────────────────────────────────────────────
	section(out, "📂 Projects")
	projects, err := a.Store.ProjectCounts(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(out, "  No memories yet.")
	}
	for _, p := range projects {
		fmt.Fprintf(out, "  %-30s  %d memories", p.Project, p.Memories)
		if ids, err := a.Ledger.IDs(p.Project); err == nil && len(ids) > 0 {
			fmt.Fprintf(out, ", %d commit(s) seen", len(ids))
		}
		fmt.Fprintln(out)
	}
	return nil
}
