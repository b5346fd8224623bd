package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/CanopyHQ/xylem/internal/app"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/git"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/project"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Diagnose common setup issues: configuration, workspace layout, the
store, the sqlite-vec extension, git and the repository of the current
project, and the Claude Code hook entries.

Examples:
  xylem doctor`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, _ := cmd.Flags().GetString("settings")
		return runDoctor(cmd, settings)
	},
}

func init() {
	doctorCmd.Flags().String("settings", "", "Settings file to check (default ~/.claude/settings.local.json)")
}

type doctor struct {
	out      io.Writer
	issues   int
	warnings int
}

func (d *doctor) check(name string) {
	fmt.Fprintf(d.out, "✓ Checking %s... ", name)
}

func (d *doctor) ok(detail string) {
	if detail != "" {
		fmt.Fprintf(d.out, "✅ OK (%s)\n", detail)
		return
	}
	fmt.Fprintln(d.out, "✅ OK")
}

func (d *doctor) warn(lines ...string) {
	fmt.Fprintln(d.out, "⚠️  WARNING")
	for _, l := range lines {
		fmt.Fprintf(d.out, "  %s\n", l)
	}
	d.warnings++
}

func (d *doctor) fail(lines ...string) {
	fmt.Fprintln(d.out, "❌ FAILED")
	for _, l := range lines {
		fmt.Fprintf(d.out, "  %s\n", l)
	}
	d.issues++
}

// runDoctor diagnoses common setup issues
func runDoctor(cmd *cobra.Command, settingsPath string) error {
	out := cmd.OutOrStdout()
	d := &doctor{out: out}
	fmt.Fprintln(out, "🔍 xylem doctor")
	fmt.Fprintln(out)

	cfg := config.Load()

	// 1. Configuration
	d.check("configuration")
	if len(cfg.Warnings) > 0 {
		d.warn(cfg.Warnings...)
	} else {
		d.ok("")
	}
	if cfg.HooksDisabled {
		fmt.Fprintln(out, "  ℹ️  XYLEM_HOOKS_DISABLED is set: hooks are no-ops")
	}

	// 2. Workspace and project roots
	d.check("workspace root")
	if info, err := os.Stat(cfg.WorkspaceRoot); err != nil || !info.IsDir() {
		d.fail("Workspace root is not a directory: "+cfg.WorkspaceRoot, "Fix: set WORKSPACE_ROOT")
	} else {
		d.ok(cfg.WorkspaceRoot)
	}
	for _, root := range cfg.ProjectRoots {
		d.check("project root " + root.Dir + "/")
		dir := filepath.Join(cfg.WorkspaceRoot, filepath.FromSlash(root.Dir))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			d.warn("Not found: " + dir)
		} else {
			d.ok("")
		}
	}

	// 3. Store
	d.check("SQLite store")
	a, err := app.Open(cfg, zap.NewNop(), false)
	switch {
	case app.IsNoStore(err):
		d.warn("Store not found: "+cfg.DBPath, "It will be created on the first hook run")
	case err != nil:
		d.fail(fmt.Sprintf("Cannot open %s: %v", cfg.DBPath, err))
	default:
		counts, _ := a.Store.TableCounts(commandContext(cmd))
		d.ok(fmt.Sprintf("%s, %d memories", cfg.DBPath, counts["memories"]))

		d.check("sqlite-vec")
		switch {
		case !cfg.VecIndex:
			fmt.Fprintln(out, "⚠️  SKIPPED (XYLEM_VEC_INDEX=off)")
		case a.Store.VecIndexAvailable():
			d.ok(fmt.Sprintf("%d dimensions", memory.EmbeddingDimensions))
		default:
			d.warn("vec0 is unavailable; the semantic phase uses the linear scan")
		}
		a.Close()
	}

	// 4. Git
	d.check("git")
	if path, err := exec.LookPath("git"); err != nil {
		d.warn("git not found in PATH: commit capture and repository keywords are disabled")
	} else {
		d.ok(path)
	}

	// 5. Repository of the current project
	if wd, err := os.Getwd(); err == nil {
		if key, dir, ok := project.NewResolver(cfg.WorkspaceRoot, cfg.ProjectRoots).Resolve(wd); ok {
			d.check("repository of " + key)
			checkRepository(commandContext(cmd), d, dir)
		}
	}

	// 6. Hooks
	d.check("Claude Code hooks")
	if settingsPath == "" {
		settingsPath, _ = defaultSettingsPath()
	}
	settings, err := loadSettings(settingsPath)
	if err != nil {
		d.fail(err.Error())
	} else if missing := missingHooks(settings); len(missing) > 0 {
		d.warn(fmt.Sprintf("Missing in %s: %v", settingsPath, missing), "Fix: run 'xylem install'")
	} else {
		d.ok(settingsPath)
	}

	// 7. Platform
	d.check("environment")
	d.ok(runtime.GOOS + "/" + runtime.GOARCH)

	// Summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if d.issues == 0 && d.warnings == 0 {
		fmt.Fprintln(out, "✅ All checks passed! xylem is ready to use.")
	} else {
		if d.issues > 0 {
			fmt.Fprintf(out, "❌ Found %d critical issue(s)\n", d.issues)
		}
		if d.warnings > 0 {
			fmt.Fprintf(out, "⚠️  Found %d warning(s)\n", d.warnings)
		}
	}
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if d.issues > 0 {
		return fmt.Errorf("found %d critical issue(s)", d.issues)
	}
	return nil
}

// checkRepository reports the git root above dir and the origin it pushes to.
func checkRepository(ctx context.Context, d *doctor, dir string) {
	root, err := git.FindRoot(dir)
	if err != nil {
		d.warn("Not a git repository: "+dir, "Commit capture and repository keywords are skipped here")
		return
	}
	owner, name, err := git.NewReader(root, 0, nil).Remote(ctx)
	if err != nil {
		d.ok(root + ", no origin")
		return
	}
	d.ok(fmt.Sprintf("%s, origin %s/%s", root, owner, name))
}

// missingHooks lists the Claude Code events without a xylem hook.
func missingHooks(settings map[string]interface{}) []string {
	hooks, _ := settings["hooks"].(map[string]interface{})
	var missing []string
	for _, h := range hookEvents {
		found := false
		groups, _ := hooks[h.event].([]interface{})
		for _, g := range groups {
			group, _ := g.(map[string]interface{})
			entries, _ := group["hooks"].([]interface{})
			for _, e := range entries {
				if isXylemHook(hookCommand(e)) {
					found = true
				}
			}
		}
		if !found {
			missing = append(missing, h.event)
		}
	}
	return missing
}
