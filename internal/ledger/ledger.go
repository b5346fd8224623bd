// Package ledger remembers which commits have already been turned into
// memories, per project, so a commit is captured at most once.
package ledger

import (
	"fmt"
	"sync"

	"github.com/CanopyHQ/xylem/internal/git"
)

// Defaults
const (
	DefaultCap      = 100
	DefaultScan     = 10
	DefaultMaxNovel = 3
)

// Backend persists the ordered list of seen commit ids per project, oldest
// first.
type Backend interface {
	Load(project string) ([]string, error)
	Save(project string, ids []string) error
}

// Config bounds the ledger.
type Config struct {
	// Cap is how many ids are kept per project; older ones are evicted FIFO.
	Cap int
	// Scan is how many of the most recent commits are inspected.
	Scan int
	// MaxNovel is how many unseen commits one run processes.
	MaxNovel int
}

// DefaultConfig returns the standard ledger bounds.
func DefaultConfig() Config {
	return Config{Cap: DefaultCap, Scan: DefaultScan, MaxNovel: DefaultMaxNovel}
}

// Ledger filters commit logs against the persisted seen-set.
type Ledger struct {
	backend Backend
	cfg     Config
	mu      sync.Mutex
}

// New builds a Ledger; zero fields in cfg take their defaults.
func New(backend Backend, cfg Config) *Ledger {
	def := DefaultConfig()
	if cfg.Cap <= 0 {
		cfg.Cap = def.Cap
	}
	if cfg.Scan <= 0 {
		cfg.Scan = def.Scan
	}
	if cfg.MaxNovel <= 0 {
		cfg.MaxNovel = def.MaxNovel
	}
	return &Ledger{backend: backend, cfg: cfg}
}

// Scan is how many log entries NewCommits inspects.
func (l *Ledger) Scan() int {
	return l.cfg.Scan
}

// NewCommits returns the commits of log (newest first, as git prints it)
// that are not yet in the ledger. Only the first Scan entries are inspected
// and at most MaxNovel of the most recent unseen commits are returned,
// oldest first so they can be processed in order.
func (l *Ledger) NewCommits(project string, log []git.Commit) ([]git.Commit, error) {
	seen, err := l.seenSet(project)
	if err != nil {
		return nil, err
	}
	if len(log) > l.cfg.Scan {
		log = log[:l.cfg.Scan]
	}

	var novel []git.Commit
	for _, c := range log {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		novel = append(novel, c)
		if len(novel) == l.cfg.MaxNovel {
			break
		}
	}
	for i, j := 0, len(novel)-1; i < j; i, j = i+1, j-1 {
		novel[i], novel[j] = novel[j], novel[i]
	}
	return novel, nil
}

// Seen reports whether id is in the project's ledger.
func (l *Ledger) Seen(project, id string) (bool, error) {
	seen, err := l.seenSet(project)
	if err != nil {
		return false, err
	}
	return seen[id], nil
}

// MarkSeen appends id and truncates the project's list to the last Cap ids.
// Marking an id that is already present is a no-op.
func (l *Ledger) MarkSeen(project, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids, err := l.backend.Load(project)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	if len(ids) > l.cfg.Cap {
		ids = ids[len(ids)-l.cfg.Cap:]
	}
	if err := l.backend.Save(project, ids); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

// IDs returns the project's ledger, oldest first.
func (l *Ledger) IDs(project string) ([]string, error) {
	ids, err := l.backend.Load(project)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return ids, nil
}

func (l *Ledger) seenSet(project string) (map[string]bool, error) {
	ids, err := l.backend.Load(project)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}
