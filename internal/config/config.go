// Package config loads the immutable runtime configuration for xylem.
//
// Values come from the environment, optionally seeded from a .env file in the
// workspace root or the current directory. The returned Config is passed by
// value into every constructor; nothing reads the environment after Load.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends
const (
	LedgerFile   = "file"
	LedgerSQLite = "sqlite"
)

// ProjectRoot maps a directory under the workspace to a project key prefix.
// A cwd of <workspace>/<Dir>/<name>/... resolves to project Prefix+name.
type ProjectRoot struct {
	Dir    string
	Prefix string
}

// Config is the resolved runtime configuration.
type Config struct {
	WorkspaceRoot string
	DBPath        string
	LedgerPath    string
	LedgerBackend string
	ProjectRoots  []ProjectRoot

	HooksDisabled bool
	LogLevel      string

	DedupWindow time.Duration
	LedgerCap   int
	GitTimeout  time.Duration
	VecIndex    bool

	// Warnings collects values that were rejected and replaced by defaults.
	// They are logged once the logger exists.
	Warnings []string
}

// Defaults
const (
	DefaultDedupWindow = 24 * time.Hour
	DefaultLedgerCap   = 100
	DefaultGitTimeout  = 5 * time.Second
	DefaultLogLevel    = "warn"
)

// DefaultProjectRoots returns the roots used when XYLEM_PROJECT_ROOTS is unset.
func DefaultProjectRoots() []ProjectRoot {
	return []ProjectRoot{
		{Dir: "apps"},
		{Dir: "tools", Prefix: "tools/"},
	}
}

// Load reads .env files (if present) and the process environment.
func Load() Config {
	root := os.Getenv("WORKSPACE_ROOT")
	if root != "" {
		_ = godotenv.Load(filepath.Join(root, ".env"))
	}
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function. Load uses the
// process environment; tests pass a map.
func FromLookup(lookup func(string) (string, bool)) Config {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := Config{
		LedgerBackend: LedgerFile,
		ProjectRoots:  DefaultProjectRoots(),
		LogLevel:      DefaultLogLevel,
		DedupWindow:   DefaultDedupWindow,
		LedgerCap:     DefaultLedgerCap,
		GitTimeout:    DefaultGitTimeout,
		VecIndex:      true,
	}

	cfg.WorkspaceRoot = get("WORKSPACE_ROOT")
	if cfg.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceRoot = wd
		}
	}

	cfg.DBPath = get("XYLEM_DB_PATH")
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.WorkspaceRoot, ".claude", "sessions.db")
	}
	cfg.LedgerPath = get("XYLEM_LEDGER_PATH")
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.WorkspaceRoot, ".claude", "commit_ledger.json")
	}

	switch b := strings.ToLower(get("XYLEM_LEDGER_BACKEND")); b {
	case "", LedgerFile:
	case LedgerSQLite:
		cfg.LedgerBackend = LedgerSQLite
	default:
		cfg.warn("XYLEM_LEDGER_BACKEND=" + b + " is not a known backend, using file")
	}

	if v := get("XYLEM_PROJECT_ROOTS"); v != "" {
		if roots := parseProjectRoots(v); len(roots) > 0 {
			cfg.ProjectRoots = roots
		} else {
			cfg.warn("XYLEM_PROJECT_ROOTS has no usable entries, using defaults")
		}
	}

	cfg.HooksDisabled = parseBool(get("XYLEM_HOOKS_DISABLED"))

	if v := get("XYLEM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v := get("XYLEM_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DedupWindow = d
		} else {
			cfg.warn("XYLEM_DEDUP_WINDOW=" + v + " is invalid, using 24h")
		}
	}
	if v := get("XYLEM_LEDGER_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LedgerCap = n
		} else {
			cfg.warn("XYLEM_LEDGER_CAP=" + v + " is invalid, using 100")
		}
	}
	if v := get("XYLEM_GIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.GitTimeout = d
		} else {
			cfg.warn("XYLEM_GIT_TIMEOUT=" + v + " is invalid, using 5s")
		}
	}
	if v := strings.ToLower(get("XYLEM_VEC_INDEX")); v == "off" || v == "false" || v == "0" {
		cfg.VecIndex = false
	}

	return cfg
}

func (c *Config) warn(msg string) {
	c.Warnings = append(c.Warnings, msg)
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// parseProjectRoots parses "apps,tools=tools/" into roots.
func parseProjectRoots(v string) []ProjectRoot {
	var roots []ProjectRoot
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dir, prefix, _ := strings.Cut(part, "=")
		dir = strings.Trim(strings.TrimSpace(dir), "/")
		if dir == "" {
			continue
		}
		roots = append(roots, ProjectRoot{Dir: dir, Prefix: strings.TrimSpace(prefix)})
	}
	return roots
}
