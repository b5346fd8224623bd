package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ActiveContext is the single mutable "where we are" row of a project.
type ActiveContext struct {
	Project          string    `json:"project"`
	CurrentState     string    `json:"current_state"`
	RecentFiles      []string  `json:"recent_files,omitempty"`
	Blockers         string    `json:"blockers,omitempty"`
	LastVerification string    `json:"last_verification,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FixedContext is the read-mostly description of a project.
type FixedContext struct {
	Project               string            `json:"project"`
	TechStack             map[string]string `json:"tech_stack,omitempty"`
	ArchitectureDecisions []string          `json:"architecture_decisions,omitempty"`
	Notes                 string            `json:"special_notes,omitempty"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Session is an append-only record of a work session.
type Session struct {
	ID            int64     `json:"id"`
	Project       string    `json:"project"`
	Summary       string    `json:"summary"`
	Status        string    `json:"current_status,omitempty"`
	ModifiedFiles []string  `json:"modified_files,omitempty"`
	NextTasks     []string  `json:"next_tasks,omitempty"`
	CommitID      string    `json:"commit_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Task statuses
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskBlocked    = "blocked"
)

// Task is a tracked unit of work.
type Task struct {
	ID          int64     `json:"id"`
	Project     string    `json:"project"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Solution pairs an error signature with how it was fixed.
type Solution struct {
	ID             int64     `json:"id"`
	Project        string    `json:"project"`
	ErrorSignature string    `json:"error_signature"`
	Solution       string    `json:"solution"`
	CreatedAt      time.Time `json:"created_at"`
}

// ============================================================================
// Active context
// ============================================================================

// UpsertActiveContext replaces the project's active context.
func (s *Store) UpsertActiveContext(ctx context.Context, ac ActiveContext) error {
	if ac.Project == "" {
		return fmt.Errorf("active context project is empty")
	}
	files, _ := json.Marshal(nonNil(ac.RecentFiles))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_context (project, current_state, recent_files, blockers, last_verification, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project) DO UPDATE SET
			current_state = excluded.current_state,
			recent_files = excluded.recent_files,
			blockers = excluded.blockers,
			last_verification = excluded.last_verification,
			updated_at = excluded.updated_at
	`, ac.Project, ac.CurrentState, string(files), ac.Blockers, ac.LastVerification, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert active context: %w", err)
	}
	return nil
}

// TouchActiveContext bumps updated_at, creating an empty row if needed.
func (s *Store) TouchActiveContext(ctx context.Context, project string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_context (project, updated_at) VALUES (?, ?)
		ON CONFLICT(project) DO UPDATE SET updated_at = excluded.updated_at
	`, project, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch active context: %w", err)
	}
	return nil
}

// GetActiveContext returns ErrNotFound when the project has no row.
func (s *Store) GetActiveContext(ctx context.Context, project string) (*ActiveContext, error) {
	var ac ActiveContext
	var state, files, blockers, verification sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT project, current_state, recent_files, blockers, last_verification, updated_at
		FROM active_context WHERE project = ?
	`, project).Scan(&ac.Project, &state, &files, &blockers, &verification, &ac.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active context: %w", err)
	}
	ac.CurrentState = state.String
	ac.Blockers = blockers.String
	ac.LastVerification = verification.String
	ac.RecentFiles = decodeStrings(files)
	return &ac, nil
}

// ============================================================================
// Fixed (project) context
// ============================================================================

// SaveFixedContext replaces the project's fixed context.
func (s *Store) SaveFixedContext(ctx context.Context, fc FixedContext) error {
	if fc.Project == "" {
		return fmt.Errorf("project context project is empty")
	}
	stack, _ := json.Marshal(fc.TechStack)
	decisions, _ := json.Marshal(nonNil(fc.ArchitectureDecisions))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_context (project, tech_stack, architecture_decisions, special_notes, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project) DO UPDATE SET
			tech_stack = excluded.tech_stack,
			architecture_decisions = excluded.architecture_decisions,
			special_notes = excluded.special_notes,
			updated_at = excluded.updated_at
	`, fc.Project, string(stack), string(decisions), fc.Notes, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save project context: %w", err)
	}
	return nil
}

// GetFixedContext returns ErrNotFound when the project has no row. Malformed
// JSON columns come back empty.
func (s *Store) GetFixedContext(ctx context.Context, project string) (*FixedContext, error) {
	var fc FixedContext
	var stack, decisions, notes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT project, tech_stack, architecture_decisions, special_notes, updated_at
		FROM project_context WHERE project = ?
	`, project).Scan(&fc.Project, &stack, &decisions, &notes, &fc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project context: %w", err)
	}
	fc.Notes = notes.String
	fc.ArchitectureDecisions = decodeStrings(decisions)
	if stack.Valid && stack.String != "" {
		var raw map[string]any
		if json.Unmarshal([]byte(stack.String), &raw) == nil && len(raw) > 0 {
			fc.TechStack = make(map[string]string, len(raw))
			for k, v := range raw {
				fc.TechStack[k] = fmt.Sprint(v)
			}
		}
	}
	return &fc, nil
}

// ============================================================================
// Sessions
// ============================================================================

// AddSession appends a session record and returns it with its id.
func (s *Store) AddSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.Project == "" {
		return nil, fmt.Errorf("session project is empty")
	}
	if sess.Timestamp.IsZero() {
		sess.Timestamp = s.now().UTC()
	}
	files, _ := json.Marshal(nonNil(sess.ModifiedFiles))
	next, _ := json.Marshal(nonNil(sess.NextTasks))
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (project, summary, current_status, modified_files, next_tasks, commit_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.Project, sess.Summary, sess.Status, string(files), string(next), sess.CommitID, sess.Timestamp.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to add session: %w", err)
	}
	sess.ID, _ = res.LastInsertId()
	return &sess, nil
}

// LastSession returns the most recent session, or ErrNotFound.
func (s *Store) LastSession(ctx context.Context, project string) (*Session, error) {
	sessions, err := s.Sessions(ctx, project, 1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

// Sessions returns up to limit sessions, newest first.
func (s *Store) Sessions(ctx context.Context, project string, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, summary, current_status, modified_files, next_tasks, commit_id, timestamp
		FROM sessions WHERE project = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var summary, status, files, next, commitID sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Project, &summary, &status, &files, &next, &commitID, &sess.Timestamp); err != nil {
			continue
		}
		sess.Summary = summary.String
		sess.Status = status.String
		sess.CommitID = commitID.String
		sess.ModifiedFiles = decodeStrings(files)
		sess.NextTasks = decodeStrings(next)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// ============================================================================
// Tasks
// ============================================================================

// AddTask creates a task; an empty status defaults to pending.
func (s *Store) AddTask(ctx context.Context, t Task) (*Task, error) {
	if t.Project == "" || t.Title == "" {
		return nil, fmt.Errorf("task needs a project and a title")
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (project, title, description, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.Project, t.Title, t.Description, t.Status, t.Priority, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to add task: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return &t, nil
}

// UpdateTaskStatus changes a task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenTasks returns pending and in-progress tasks, highest priority first.
func (s *Store) OpenTasks(ctx context.Context, project string, limit int) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, title, description, status, priority, created_at, updated_at
		FROM tasks
		WHERE project = ? AND status IN (?, ?)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, project, TaskPending, TaskInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		var desc sql.NullString
		if err := rows.Scan(&t.ID, &t.Project, &t.Title, &desc, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt); err != nil {
			continue
		}
		t.Description = desc.String
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ============================================================================
// Solutions
// ============================================================================

// AddSolution records how an error was fixed.
func (s *Store) AddSolution(ctx context.Context, sol Solution) (*Solution, error) {
	if sol.Project == "" || sol.ErrorSignature == "" || sol.Solution == "" {
		return nil, fmt.Errorf("solution needs a project, an error signature and a solution")
	}
	sol.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO solutions (project, error_signature, solution, created_at) VALUES (?, ?, ?, ?)
	`, sol.Project, sol.ErrorSignature, sol.Solution, sol.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add solution: %w", err)
	}
	sol.ID, _ = res.LastInsertId()
	return &sol, nil
}

// RecentSolutions returns the newest solutions first.
func (s *Store) RecentSolutions(ctx context.Context, project string, limit int) ([]*Solution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, error_signature, solution, created_at
		FROM solutions WHERE project = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load solutions: %w", err)
	}
	defer rows.Close()

	var out []*Solution
	for rows.Next() {
		var sol Solution
		if err := rows.Scan(&sol.ID, &sol.Project, &sol.ErrorSignature, &sol.Solution, &sol.CreatedAt); err != nil {
			continue
		}
		out = append(out, &sol)
	}
	return out, rows.Err()
}

// ============================================================================
// Stats
// ============================================================================

// HasContext reports whether anything at all is stored for project.
func (s *Store) HasContext(ctx context.Context, project string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM project_context WHERE project = ?) +
			(SELECT COUNT(*) FROM active_context WHERE project = ?) +
			(SELECT COUNT(*) FROM sessions WHERE project = ?) +
			(SELECT COUNT(*) FROM memories WHERE project = ?)
	`, project, project, project, project).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check project context: %w", err)
	}
	return n > 0, nil
}

// TableCounts returns row counts of every table the store owns.
func (s *Store) TableCounts(ctx context.Context) (map[string]int, error) {
	tables := []string{"memories", "embeddings", "active_context", "project_context", "sessions", "tasks", "solutions"}
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

// ProjectCount is the number of memories per project.
type ProjectCount struct {
	Project  string
	Memories int
}

// ProjectCounts lists projects by memory count, largest first.
func (s *Store) ProjectCounts(ctx context.Context) ([]ProjectCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project, COUNT(*) FROM memories GROUP BY project`)
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	defer rows.Close()
	var out []ProjectCount
	for rows.Next() {
		var pc ProjectCount
		if err := rows.Scan(&pc.Project, &pc.Memories); err != nil {
			continue
		}
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Memories != out[j].Memories {
			return out[i].Memories > out[j].Memories
		}
		return out[i].Project < out[j].Project
	})
	return out, rows.Err()
}

func decodeStrings(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
