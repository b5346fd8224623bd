package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/CanopyHQ/xylem/internal/app"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var rootCmd = &cobra.Command{
	Use:   "xylem",
	Short: "xylem - per-project session memory for coding assistants",
	Long: `Local per-project memory for coding assistants.

xylem runs as assistant hooks: it captures decisions, errors and learnings
from conversation turns and commits into a SQLite store under the workspace,
and injects a small ranked context block into each session and turn.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the xylem command
func Execute() error {
	err := rootCmd.Execute()
	if errors.Is(err, errDisabled) {
		return nil
	}
	return err
}

// errDisabled stops a command before it runs while XYLEM_HOOKS_DISABLED is
// set. Execute swallows it, so the command exits 0 with no output.
var errDisabled = errors.New("xylem is disabled")

// diagnostics keep working while disabled: they never capture or retrieve,
// and they are how the toggle gets inspected.
var diagnostics = map[string]bool{
	"install":    true,
	"status":     true,
	"doctor":     true,
	"version":    true,
	"help":       true,
	"completion": true,
}

func checkEnabled(cmd *cobra.Command, _ []string) error {
	if cmd == rootCmd || diagnostics[cmd.Name()] {
		return nil
	}
	if p := cmd.Parent(); p != nil && p != rootCmd && diagnostics[p.Name()] {
		return nil
	}
	if config.Load().HooksDisabled {
		return errDisabled
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = checkEnabled

	// hook (defined in hook.go)
	rootCmd.AddCommand(hookCmd)

	// remember, recall, capture-commits
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(captureCommitsCmd)

	// serve, version (defined in serve.go)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	// import, export (defined in import_export.go)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)

	// install, status, doctor
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
}

var errNoProject = errors.New("no project: run inside <workspace>/<root>/<name> or pass --project")

// loadConfig reads the configuration and builds the stderr logger. Rejected
// config values are reported once here.
func loadConfig() (config.Config, *zap.Logger) {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return cfg, logger
}

// openApp opens the runtime. Without create, a missing store returns an
// error matching app.IsNoStore.
func openApp(create bool) (*app.App, error) {
	cfg, logger := loadConfig()
	a, err := app.Open(cfg, logger, create)
	if err != nil {
		if app.IsNoStore(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	return a, nil
}

// resolveProject picks the --project flag, or the project of the working
// directory. dir is empty when the project has no directory on disk.
func resolveProject(a *app.App, flag string) (key, dir string, err error) {
	if flag != "" {
		dir, ok := a.Resolver.Dir(flag)
		if info, err := os.Stat(dir); !ok || err != nil || !info.IsDir() {
			dir = ""
		}
		return flag, dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	key, dir, ok := a.Resolver.Resolve(wd)
	if !ok {
		return "", "", errNoProject
	}
	return key, dir, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
