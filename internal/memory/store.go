// Package memory provides the per-project SQLite store behind xylem: memories
// with their full-text index and embeddings, plus the project, session, task
// and solution records the context assembler reads.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// GlobalProject is the reserved project key for cross-project memories.
const GlobalProject = "_global"

// MaxContentLength caps stored memory text, in runes, before the hash prefix.
const MaxContentLength = 2000

var (
	// ErrNoStore is returned by Open when the database file does not exist and
	// Create is false.
	ErrNoStore = errors.New("memory store does not exist")
	// ErrNotFound is returned when a single record lookup has no row.
	ErrNotFound = errors.New("not found")
)

// Memory represents a stored memory
type Memory struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Hash       string    `json:"content_hash"`
	Type       string    `json:"memory_type"`
	Tags       []string  `json:"tags"`
	Project    string    `json:"project"`
	Importance int       `json:"importance"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
	Similarity float64   `json:"similarity,omitempty"` // Set by semantic ranking
}

// Text returns the content without its hash prefix.
func (m *Memory) Text() string {
	return StripHash(m.Content)
}

// NewMemory is a write request.
type NewMemory struct {
	Content    string
	Type       string
	Tags       []string
	Project    string
	Importance int
	Source     string
	// CreatedAt defaults to the store clock. Imports pass the original time.
	CreatedAt time.Time
}

// WriteResult reports what Write did.
type WriteResult struct {
	Memory    *Memory
	Duplicate bool
}

// Options configures Open.
type Options struct {
	Path        string
	Create      bool
	DedupWindow time.Duration
	VecIndex    bool
	Dimensions  int
	Logger      *zap.Logger
	Now         func() time.Time
}

// Store provides local memory storage using SQLite
type Store struct {
	db          *sql.DB
	path        string
	dedupWindow time.Duration
	dimensions  int
	logger      *zap.Logger
	now         func() time.Time

	// Vector index for fast KNN (nil or unavailable when sqlite-vec is off)
	vecIdx *vecIndex
}

// Open opens (and when allowed, creates) the store at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 24 * time.Hour
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = EmbeddingDimensions
	}

	if _, err := os.Stat(opts.Path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat store: %w", err)
		}
		if !opts.Create {
			return nil, ErrNoStore
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	dsn := opts.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:          db,
		path:        opts.Path,
		dedupWindow: opts.DedupWindow,
		dimensions:  opts.Dimensions,
		logger:      opts.Logger,
		now:         opts.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	if opts.VecIndex {
		s.vecIdx = newVecIndex(db, opts.Dimensions, opts.Logger)
		if s.vecIdx.available {
			if n, err := s.vecIdx.Sync(); err != nil {
				s.logger.Debug("vec index sync failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("synced vec index", zap.Int("count", n))
			}
		}
	}

	return s, nil
}

// VecIndexAvailable reports whether the sqlite-vec KNN index is in use.
func (s *Store) VecIndexAvailable() bool {
	return s.vecIdx != nil && s.vecIdx.available
}

// DB returns the underlying SQL database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		tags TEXT,
		project TEXT NOT NULL,
		importance INTEGER NOT NULL DEFAULT 5,
		created_at DATETIME NOT NULL,
		accessed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_project_hash ON memories(project, content_hash, created_at);
	CREATE INDEX IF NOT EXISTS idx_memories_project_created ON memories(project, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_project_importance ON memories(project, importance DESC);

	CREATE TABLE IF NOT EXISTS memory_tags (
		memory_id TEXT,
		tag TEXT,
		FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts4(content, tags);

	CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(docid, content, tags) VALUES (
			new.rowid,
			CASE WHEN new.content LIKE '[%] %' THEN substr(new.content, 20) ELSE new.content END,
			new.tags
		);
	END;

	CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
		DELETE FROM memories_fts WHERE docid = old.rowid;
	END;

	CREATE TABLE IF NOT EXISTS embeddings (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		vector BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS active_context (
		project TEXT PRIMARY KEY,
		current_state TEXT,
		recent_files TEXT,
		blockers TEXT,
		last_verification TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_context (
		project TEXT PRIMARY KEY,
		tech_stack TEXT,
		architecture_decisions TEXT,
		special_notes TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		summary TEXT,
		current_status TEXT,
		modified_files TEXT,
		next_tasks TEXT,
		commit_id TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project, timestamp DESC);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project, status);

	CREATE TABLE IF NOT EXISTS solutions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		error_signature TEXT NOT NULL,
		solution TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_solutions_project ON solutions(project, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Migrate: provenance column added after the first schema
	_, _ = s.db.Exec(`ALTER TABLE memories ADD COLUMN source TEXT DEFAULT ''`)

	return nil
}

// Write stores a new memory unless the same content was stored for the same
// project within the dedup window.
func (s *Store) Write(ctx context.Context, m NewMemory) (WriteResult, error) {
	text := strings.TrimSpace(StripHash(m.Content))
	if text == "" {
		return WriteResult{}, fmt.Errorf("memory content is empty")
	}
	if m.Project == "" {
		return WriteResult{}, fmt.Errorf("memory project is empty")
	}
	if m.Type == "" {
		return WriteResult{}, fmt.Errorf("memory type is empty")
	}
	text = truncateRunes(text, MaxContentLength)
	hash := Hash(text)

	now := s.now().UTC()
	created := m.CreatedAt.UTC()
	if m.CreatedAt.IsZero() {
		created = now
	}
	importance := clampImportance(m.Importance)
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, _ := json.Marshal(tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to begin write: %w", err)
	}
	defer tx.Rollback()

	dup, err := isDuplicate(ctx, tx, m.Project, hash, created.Add(-s.dedupWindow))
	if err != nil {
		return WriteResult{}, err
	}
	if dup {
		return WriteResult{Duplicate: true}, nil
	}

	mem := &Memory{
		ID:         uuid.New().String(),
		Content:    PrefixHash(hash, text),
		Hash:       hash,
		Type:       m.Type,
		Tags:       tags,
		Project:    m.Project,
		Importance: importance,
		Source:     m.Source,
		CreatedAt:  created,
		AccessedAt: created,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, content, content_hash, memory_type, tags, project, importance, source, created_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mem.ID, mem.Content, hash, mem.Type, string(tagsJSON), mem.Project, importance, mem.Source, created, created)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to store memory: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, mem.ID, tag); err != nil {
			return WriteResult{}, fmt.Errorf("failed to store tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("failed to commit memory: %w", err)
	}

	return WriteResult{Memory: mem}, nil
}

// IsDuplicate reports whether a memory with this hash exists for project
// within the dedup window.
func (s *Store) IsDuplicate(ctx context.Context, project, hash string) (bool, error) {
	return isDuplicate(ctx, s.db, project, hash, s.now().UTC().Add(-s.dedupWindow))
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isDuplicate(ctx context.Context, q queryer, project, hash string, since time.Time) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM memories
		WHERE project = ? AND content_hash = ? AND created_at >= ?
		LIMIT 1
	`, project, hash, since).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}
	return true, nil
}

// Get returns a memory by id.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	mems, err := s.GetMany(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, ErrNotFound
	}
	return mems[0], nil
}

// GetMany returns the memories with the given ids, in the order of ids.
// Unknown ids are skipped.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}
	byID := make(map[string]*Memory, len(ids))
	for _, m := range s.scanMemories(rows) {
		byID[m.ID] = m
	}
	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

const memoryColumns = `id, content, content_hash, memory_type, tags, project, importance, COALESCE(source, ''), created_at, accessed_at`

// scanMemories drains rows, skipping rows that fail to scan.
func (s *Store) scanMemories(rows *sql.Rows) []*Memory {
	defer rows.Close()
	var out []*Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			s.logger.Debug("skipping unreadable memory row", zap.Error(err))
			continue
		}
		out = append(out, mem)
	}
	return out
}

func scanMemory(rows *sql.Rows) (*Memory, error) {
	var mem Memory
	var tagsJSON sql.NullString
	err := rows.Scan(&mem.ID, &mem.Content, &mem.Hash, &mem.Type, &tagsJSON, &mem.Project,
		&mem.Importance, &mem.Source, &mem.CreatedAt, &mem.AccessedAt)
	if err != nil {
		return nil, err
	}
	// Malformed tags leave the field empty
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &mem.Tags); err != nil {
			mem.Tags = nil
		}
	}
	return &mem, nil
}

func clampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
