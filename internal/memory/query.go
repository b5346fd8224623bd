package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// scope returns the SQL predicate restricting memories to a project and the
// global pool.
func scope(project string) (string, []any) {
	if project == GlobalProject {
		return `m.project = ?`, []any{GlobalProject}
	}
	return `m.project IN (?, ?)`, []any{project, GlobalProject}
}

func (s *Store) queryMemories(ctx context.Context, where string, args []any, order string, limit int) ([]*Memory, error) {
	q := `SELECT ` + prefixColumns("m.") + ` FROM memories m WHERE ` + where + ` ORDER BY ` + order
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return s.scanMemories(rows), nil
}

func prefixColumns(p string) string {
	return p + `id, ` + p + `content, ` + p + `content_hash, ` + p + `memory_type, ` + p + `tags, ` +
		p + `project, ` + p + `importance, COALESCE(` + p + `source, ''), ` + p + `created_at, ` + p + `accessed_at`
}

// Search returns memories matching any of the keywords in the full-text
// index, ordered by importance then recency.
func (s *Store) Search(ctx context.Context, project string, keywords []string, limit int) ([]*Memory, error) {
	match := FTSQuery(keywords)
	if match == "" {
		return nil, nil
	}
	where, args := scope(project)
	q := `SELECT ` + prefixColumns("m.") + `
		FROM memories m
		JOIN memories_fts f ON f.docid = m.rowid
		WHERE memories_fts MATCH ? AND ` + where + `
		ORDER BY m.importance DESC, m.created_at DESC, m.id ASC`
	args = append([]any{match}, args...)
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	return s.scanMemories(rows), nil
}

// Recent returns memories created at or after since, newest first.
func (s *Store) Recent(ctx context.Context, project string, since time.Time, limit int) ([]*Memory, error) {
	where, args := scope(project)
	mems, err := s.queryMemories(ctx, where+` AND m.created_at >= ?`, append(args, since.UTC()),
		`m.created_at DESC, m.importance DESC, m.id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent memories: %w", err)
	}
	return mems, nil
}

// Important returns memories whose type is in types or whose importance is at
// least minImportance, ranked by importance then recency.
func (s *Store) Important(ctx context.Context, project string, minImportance int, types []string, limit int) ([]*Memory, error) {
	mems, err := s.importantQuery(ctx, project, minImportance, types,
		`m.importance DESC, m.created_at DESC, m.id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query important memories: %w", err)
	}
	return mems, nil
}

// RecentImportant is Important ordered newest first. The semantic phase uses
// it to pick seeds when no keyword matched.
func (s *Store) RecentImportant(ctx context.Context, project string, minImportance int, types []string, limit int) ([]*Memory, error) {
	mems, err := s.importantQuery(ctx, project, minImportance, types,
		`m.created_at DESC, m.importance DESC, m.id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query seed memories: %w", err)
	}
	return mems, nil
}

func (s *Store) importantQuery(ctx context.Context, project string, minImportance int, types []string, order string, limit int) ([]*Memory, error) {
	where, args := scope(project)
	cond := `m.importance >= ?`
	args = append(args, minImportance)
	if len(types) > 0 {
		ph := make([]string, len(types))
		for i, t := range types {
			ph[i] = "?"
			args = append(args, t)
		}
		cond = `(` + cond + ` OR m.memory_type IN (` + strings.Join(ph, ",") + `))`
	}
	return s.queryMemories(ctx, where+` AND `+cond, args, order, limit)
}

// Fallback returns any project memory ranked by importance then last access.
func (s *Store) Fallback(ctx context.Context, project string, limit int) ([]*Memory, error) {
	where, args := scope(project)
	mems, err := s.queryMemories(ctx, where, args, `m.importance DESC, m.accessed_at DESC, m.id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	return mems, nil
}

// List returns a project's own memories (not the global pool), newest first.
// limit <= 0 returns all.
func (s *Store) List(ctx context.Context, project string, limit int) ([]*Memory, error) {
	mems, err := s.queryMemories(ctx, `m.project = ?`, []any{project}, `m.created_at DESC, m.id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	return mems, nil
}

// Count returns the number of memories stored for project.
func (s *Store) Count(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE project = ?`, project).Scan(&n)
	return n, err
}

// FTSQuery builds an FTS4 MATCH expression that matches any keyword. Each
// keyword is quoted so punctuation cannot change the query syntax.
func FTSQuery(keywords []string) string {
	var parts []string
	seen := make(map[string]bool)
	for _, kw := range keywords {
		kw = strings.TrimSpace(strings.ReplaceAll(kw, `"`, ""))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		parts = append(parts, `"`+kw+`"`)
	}
	return strings.Join(parts, " OR ")
}
