// Package retrieval ranks stored memories for a project into a small,
// deterministic set: semantic neighbours of seed memories, keyword matches,
// recent, important, and finally anything else, in that order.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CanopyHQ/xylem/internal/memory"
	"go.uber.org/zap"
)

// Phase names the stage that selected a memory.
type Phase string

// Phases, in evaluation order.
const (
	PhaseSemantic  Phase = "semantic"
	PhaseKeyword   Phase = "keyword"
	PhaseRecent    Phase = "recent"
	PhaseImportant Phase = "important"
	PhaseFallback  Phase = "fallback"
)

// Profile is a slot budget: a quota per phase and an overall cap.
type Profile struct {
	Name      string
	Semantic  int
	Keyword   int
	Recent    int
	Important int
	Fallback  int
	Cap       int
}

// TurnProfile is the per-prompt budget.
func TurnProfile() Profile {
	return Profile{Name: "turn", Semantic: 2, Keyword: 2, Recent: 1, Important: 1, Fallback: 1, Cap: 5}
}

// SessionProfile is the session-start budget.
func SessionProfile() Profile {
	return Profile{Name: "session", Semantic: 3, Keyword: 2, Recent: 3, Important: 2, Fallback: 2, Cap: 12}
}

// Config holds the ranking thresholds.
type Config struct {
	// MaxSeeds bounds the memories averaged into the semantic centroid.
	MaxSeeds int
	// SeedMinImportance and SeedTypes pick seeds when no keyword matched.
	SeedMinImportance int
	SeedTypes         []string
	// MinSimilarity drops semantic candidates below this cosine. The default
	// of -1 keeps every candidate so the quota is always filled by rank.
	MinSimilarity float64

	RecentWindow time.Duration

	ImportantMinImportance int
	ImportantTypes         []string

	// UseVecIndex tries the sqlite-vec KNN path before the linear scan.
	UseVecIndex bool

	Now func() time.Time
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSeeds:               5,
		SeedMinImportance:      7,
		SeedTypes:              []string{"decision", "error"},
		MinSimilarity:          -1,
		RecentWindow:           7 * 24 * time.Hour,
		ImportantMinImportance: 8,
		ImportantTypes:         []string{"decision", "error"},
		UseVecIndex:            true,
		Now:                    time.Now,
	}
}

// Source is the read side of the memory store the ranker needs.
type Source interface {
	Search(ctx context.Context, project string, keywords []string, limit int) ([]*memory.Memory, error)
	RecentImportant(ctx context.Context, project string, minImportance int, types []string, limit int) ([]*memory.Memory, error)
	Recent(ctx context.Context, project string, since time.Time, limit int) ([]*memory.Memory, error)
	Important(ctx context.Context, project string, minImportance int, types []string, limit int) ([]*memory.Memory, error)
	Fallback(ctx context.Context, project string, limit int) ([]*memory.Memory, error)
	MemoryEmbeddings(ctx context.Context, project string) (map[string][]float32, error)
	EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error)
	Nearest(ctx context.Context, vec []float32, k int) ([]memory.Neighbor, bool)
	GetMany(ctx context.Context, ids []string) ([]*memory.Memory, error)
}

// Ranked is one selected memory.
type Ranked struct {
	Memory *memory.Memory
	Phase  Phase
	// Score is the cosine similarity for semantic picks, importance otherwise.
	Score float64
}

// Request describes one retrieval.
type Request struct {
	Project string
	// Query is the user's turn text; empty at session start.
	Query string
	// RepoKeywords are used when Query is empty.
	RepoKeywords []string
	Profile      Profile
}

// Ranker runs the phases against a Source.
type Ranker struct {
	src      Source
	keywords *Keywords
	cfg      Config
	logger   *zap.Logger
}

// NewRanker builds a Ranker.
func NewRanker(src Source, keywords *Keywords, cfg Config, logger *zap.Logger) *Ranker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxSeeds <= 0 {
		cfg.MaxSeeds = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{src: src, keywords: keywords, cfg: cfg, logger: logger}
}

// Keywords returns the keywords a request searches with.
func (r *Ranker) Keywords(req Request) []string {
	if req.Query != "" {
		return r.keywords.Extract(req.Query)
	}
	return req.RepoKeywords
}

type phaseFunc func(ctx context.Context, req Request, keywords []string, limit int) ([]Ranked, error)

// Retrieve runs every phase with a positive quota and merges the results:
// concatenated in phase order, later duplicates dropped, truncated to the
// profile cap. Phase failures are joined into the returned error; the
// memories the other phases found are still returned.
func (r *Ranker) Retrieve(ctx context.Context, req Request) ([]Ranked, error) {
	p := req.Profile
	keywords := r.Keywords(req)

	phases := []struct {
		phase Phase
		quota int
		run   phaseFunc
	}{
		{PhaseSemantic, p.Semantic, r.semantic},
		{PhaseKeyword, p.Keyword, r.keyword},
		{PhaseRecent, p.Recent, r.recent},
		{PhaseImportant, p.Important, r.important},
		{PhaseFallback, p.Fallback, r.fallback},
	}

	taken := make(map[string]bool)
	var out []Ranked
	var errs []error
	for _, ph := range phases {
		if ph.quota <= 0 || len(out) >= p.Cap {
			continue
		}
		cands, err := ph.run(ctx, req, keywords, ph.quota+len(taken))
		if err != nil {
			r.logger.Debug("retrieval phase failed", zap.String("phase", string(ph.phase)), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ph.phase, err))
		}
		n := 0
		for _, c := range cands {
			if n >= ph.quota || len(out) >= p.Cap {
				break
			}
			if taken[c.Memory.ID] {
				continue
			}
			taken[c.Memory.ID] = true
			c.Phase = ph.phase
			out = append(out, c)
			n++
		}
	}
	return out, errors.Join(errs...)
}

func byImportance(mems []*memory.Memory) []Ranked {
	out := make([]Ranked, len(mems))
	for i, m := range mems {
		out[i] = Ranked{Memory: m, Score: float64(m.Importance)}
	}
	return out
}

func (r *Ranker) keyword(ctx context.Context, req Request, keywords []string, limit int) ([]Ranked, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	mems, err := r.src.Search(ctx, req.Project, keywords, limit)
	return byImportance(mems), err
}

func (r *Ranker) recent(ctx context.Context, req Request, _ []string, limit int) ([]Ranked, error) {
	mems, err := r.src.Recent(ctx, req.Project, r.cfg.Now().Add(-r.cfg.RecentWindow), limit)
	return byImportance(mems), err
}

func (r *Ranker) important(ctx context.Context, req Request, _ []string, limit int) ([]Ranked, error) {
	mems, err := r.src.Important(ctx, req.Project, r.cfg.ImportantMinImportance, r.cfg.ImportantTypes, limit)
	return byImportance(mems), err
}

func (r *Ranker) fallback(ctx context.Context, req Request, _ []string, limit int) ([]Ranked, error) {
	mems, err := r.src.Fallback(ctx, req.Project, limit)
	return byImportance(mems), err
}
