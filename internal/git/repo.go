// Package git reads commit history and working-tree changes by shelling out
// to the git binary under a hard timeout. Every failure, including a timeout,
// is reported as ErrNoData so callers can treat it as "nothing to read".
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoData wraps every git failure.
var ErrNoData = errors.New("git: no data")

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 5 * time.Second

// Commit is one entry of the log.
type Commit struct {
	ID      string
	Subject string
	Message string
	Time    time.Time
}

// DiffMode selects which name-only diff to run.
type DiffMode int

const (
	// DiffHead lists tracked files changed against HEAD.
	DiffHead DiffMode = iota
	// DiffStaged lists files in the index.
	DiffStaged
	// DiffUntracked lists untracked, non-ignored files.
	DiffUntracked
)

// Runner executes git with args in dir and returns stdout.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// Reader runs read-only git queries in one directory.
type Reader struct {
	dir     string
	timeout time.Duration
	logger  *zap.Logger
	run     Runner
}

// NewReader returns a Reader rooted at dir. A zero timeout uses DefaultTimeout.
func NewReader(dir string, timeout time.Duration, logger *zap.Logger) *Reader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{dir: dir, timeout: timeout, logger: logger, run: execGit}
}

// WithRunner swaps the process runner. Tests use it to feed canned output.
func (r *Reader) WithRunner(run Runner) *Reader {
	cp := *r
	cp.run = run
	return &cp
}

func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (r *Reader) git(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.run(ctx, r.dir, args...)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		r.logger.Debug("git failed", zap.Strings("args", args), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return out, nil
}

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// RecentCommits returns up to n commits, newest first.
func (r *Reader) RecentCommits(ctx context.Context, n int) ([]Commit, error) {
	out, err := r.git(ctx, "log", "-n", strconv.Itoa(n), "--format=%H%x1f%ct%x1f%B%x1e")
	if err != nil {
		return nil, err
	}
	return parseLog(string(out)), nil
}

func parseLog(out string) []Commit {
	var commits []Commit
	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimLeft(rec, "\n")
		if strings.TrimSpace(rec) == "" {
			continue
		}
		parts := strings.SplitN(rec, fieldSep, 3)
		if len(parts) != 3 {
			continue
		}
		c := Commit{ID: strings.TrimSpace(parts[0]), Message: strings.TrimSpace(parts[2])}
		if ts, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
			c.Time = time.Unix(ts, 0).UTC()
		}
		c.Subject, _, _ = strings.Cut(c.Message, "\n")
		c.Subject = strings.TrimSpace(c.Subject)
		if c.ID != "" {
			commits = append(commits, c)
		}
	}
	return commits
}

// ChangedFilesSince lists files changed between ref and HEAD. ref may also
// be an explicit range such as "a1b2~1..a1b2".
func (r *Reader) ChangedFilesSince(ctx context.Context, ref string) ([]string, error) {
	args := []string{"diff", "--name-only", ref}
	if !strings.Contains(ref, "..") {
		args = append(args, "HEAD")
	}
	out, err := r.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// CommitFiles lists the files a single commit touched.
func (r *Reader) CommitFiles(ctx context.Context, id string) ([]string, error) {
	return r.ChangedFilesSince(ctx, id+"~1.."+id)
}

// DiffNameOnly lists changed file names for one diff mode.
func (r *Reader) DiffNameOnly(ctx context.Context, mode DiffMode) ([]string, error) {
	var args []string
	switch mode {
	case DiffHead:
		args = []string{"diff", "--name-only", "HEAD"}
	case DiffStaged:
		args = []string{"diff", "--name-only", "--cached"}
	case DiffUntracked:
		args = []string{"ls-files", "--others", "--exclude-standard"}
	default:
		return nil, fmt.Errorf("%w: unknown diff mode %d", ErrNoData, mode)
	}
	out, err := r.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// WorkingTreeChanges unions the HEAD, staged and untracked listings, in that
// order, capped at max. Modes that fail contribute nothing.
func (r *Reader) WorkingTreeChanges(ctx context.Context, max int) []string {
	seen := make(map[string]bool)
	var files []string
	for _, mode := range []DiffMode{DiffHead, DiffStaged, DiffUntracked} {
		names, err := r.DiffNameOnly(ctx, mode)
		if err != nil {
			continue
		}
		for _, n := range names {
			if seen[n] {
				continue
			}
			seen[n] = true
			files = append(files, n)
			if max > 0 && len(files) >= max {
				return files
			}
		}
	}
	return files
}

// Remote returns owner and name parsed from the origin URL.
func (r *Reader) Remote(ctx context.Context) (owner, name string, err error) {
	out, err := r.git(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", "", err
	}
	return parseRemoteURL(string(out))
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// FindRoot walks up from startPath to the directory holding .git. A .git
// file (worktrees, submodules) counts as well.
func FindRoot(startPath string) (string, error) {
	path := startPath
	for {
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			return path, nil
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", fmt.Errorf("not a git repository")
		}
		path = parent
	}
}

// parseRemoteURL parses a Git remote URL to extract owner and repo name
// Supports both HTTPS and SSH formats:
// - https://github.com/owner/repo.git
// - git@github.com:owner/repo.git
func parseRemoteURL(url string) (owner, repo string, err error) {
	url = strings.TrimSuffix(strings.TrimSpace(url), ".git")

	if strings.HasPrefix(url, "git@") {
		_, path, ok := strings.Cut(url, ":")
		if !ok {
			return "", "", fmt.Errorf("invalid SSH URL format: %s", url)
		}
		pathParts := strings.Split(path, "/")
		if len(pathParts) != 2 {
			return "", "", fmt.Errorf("invalid repository path: %s", path)
		}
		return pathParts[0], pathParts[1], nil
	}

	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		url = strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
		parts := strings.Split(url, "/")
		if len(parts) < 3 {
			return "", "", fmt.Errorf("invalid HTTPS URL format: %s", url)
		}
		return parts[1], parts[2], nil
	}

	return "", "", fmt.Errorf("unsupported URL format: %s", url)
}
