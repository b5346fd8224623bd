// Package project maps a working directory to a project key.
package project

import (
	"path/filepath"
	"strings"

	"github.com/CanopyHQ/xylem/internal/config"
)

// Resolver knows the workspace root and the directories projects live in.
type Resolver struct {
	workspace string
	roots     []config.ProjectRoot
}

// NewResolver builds a Resolver for workspace with the given roots.
func NewResolver(workspace string, roots []config.ProjectRoot) *Resolver {
	return &Resolver{workspace: filepath.Clean(workspace), roots: roots}
}

// Resolve returns the project key for cwd and the project's directory. It
// reports false when cwd is not inside <workspace>/<root>/<name>.
func (r *Resolver) Resolve(cwd string) (key, dir string, ok bool) {
	if cwd == "" || r.workspace == "" {
		return "", "", false
	}
	cwd = filepath.Clean(cwd)
	for _, root := range r.roots {
		base := filepath.Join(r.workspace, filepath.FromSlash(root.Dir))
		rel, err := filepath.Rel(base, cwd)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		name, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		return root.Prefix + name, filepath.Join(base, name), true
	}
	return "", "", false
}

// Dir returns the directory of a project key, or false if no root matches
// its prefix.
func (r *Resolver) Dir(key string) (string, bool) {
	// Longest prefix first so "tools/x" does not fall into an unprefixed root.
	var best *config.ProjectRoot
	for i := range r.roots {
		root := &r.roots[i]
		if !strings.HasPrefix(key, root.Prefix) {
			continue
		}
		if best == nil || len(root.Prefix) > len(best.Prefix) {
			best = root
		}
	}
	if best == nil {
		return "", false
	}
	name := strings.TrimPrefix(key, best.Prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return filepath.Join(r.workspace, filepath.FromSlash(best.Dir), name), true
}
