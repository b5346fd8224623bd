// Package capture turns conversation turns and commits into stored memories.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CanopyHQ/xylem/internal/classify"
	"github.com/CanopyHQ/xylem/internal/ledger"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/tags"
	"github.com/CanopyHQ/xylem/internal/textfilter"
	"go.uber.org/zap"
)

// Outcome is what a capture did.
type Outcome string

const (
	// Stored means a new memory was written.
	Stored Outcome = "stored"
	// Duplicate means the same content was already stored recently.
	Duplicate Outcome = "duplicate"
	// Skipped means the text was noise or carried a skip marker.
	Skipped Outcome = "skipped"
	// Refreshed means nothing classified; only the active context was touched.
	Refreshed Outcome = "refreshed"
	// Ignored means the input needed no work (seen or trivial commit, no files).
	Ignored Outcome = "ignored"
	// Failed means a store or ledger call returned an error.
	Failed Outcome = "failed"
)

// Result reports one capture. Err is set only for Failed.
type Result struct {
	Outcome Outcome
	Reason  string
	Memory  *memory.Memory
	Err     error
}

func failed(reason string, err error) Result {
	return Result{Outcome: Failed, Reason: reason, Err: err}
}

// Store is the write side of the memory store used by capture.
type Store interface {
	Write(ctx context.Context, m memory.NewMemory) (memory.WriteResult, error)
	TouchActiveContext(ctx context.Context, project string) error
	GetActiveContext(ctx context.Context, project string) (*memory.ActiveContext, error)
	UpsertActiveContext(ctx context.Context, ac memory.ActiveContext) error
	AddSession(ctx context.Context, sess memory.Session) (*memory.Session, error)
}

// Options configures a Pipeline. Nil fields take the built-in tables.
type Options struct {
	Filter     *textfilter.Filter
	Classifier *classify.Classifier
	Tagger     *tags.Extractor
	Ledger     *ledger.Ledger
	Trivial    *TrivialFilter
	Logger     *zap.Logger
}

// Pipeline runs the capture paths against one store.
type Pipeline struct {
	store      Store
	filter     *textfilter.Filter
	classifier *classify.Classifier
	tagger     *tags.Extractor
	ledger     *ledger.Ledger
	trivial    *TrivialFilter
	logger     *zap.Logger
}

// New builds a Pipeline. A nil Ledger disables commit capture.
func New(store Store, opts Options) *Pipeline {
	p := &Pipeline{
		store:      store,
		filter:     opts.Filter,
		classifier: opts.Classifier,
		tagger:     opts.Tagger,
		ledger:     opts.Ledger,
		trivial:    opts.Trivial,
		logger:     opts.Logger,
	}
	if p.filter == nil {
		p.filter = textfilter.New(textfilter.DefaultTables())
	}
	if p.classifier == nil {
		p.classifier = classify.New(classify.DefaultTaxonomy(), p.filter.ShouldSkip)
	}
	if p.tagger == nil {
		p.tagger = tags.New(tags.DefaultTables())
	}
	if p.trivial == nil {
		p.trivial = NewTrivialFilter(DefaultTrivialPatterns())
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Conversation captures one conversational fragment.
//
// A skip marker stops everything. A remember marker forces a write, typed by
// the taxonomy when it matches and as an observation otherwise. Without
// markers, noise is skipped and a classified fragment is written. Anything
// else, including text too short to classify, only refreshes the project's
// active context.
func (p *Pipeline) Conversation(ctx context.Context, project, text, source string) Result {
	if project == "" {
		return Result{Outcome: Ignored, Reason: "no project"}
	}
	override := p.filter.CheckOverride(text)
	if override.ForceSkip {
		return Result{Outcome: Skipped, Reason: "skip marker"}
	}
	clean := p.filter.StripMarkers(text)

	if override.ForceRemember {
		if clean == "" {
			return Result{Outcome: Skipped, Reason: "empty"}
		}
		c, ok := p.classifier.Match(clean)
		if !ok {
			c = classify.Observation()
		}
		return p.write(ctx, project, clean, c, nil, nil, source)
	}

	if reason, noise := p.filter.SkipReason(clean); noise {
		if reason == textfilter.RuleTooShort {
			return p.refresh(ctx, project, reason)
		}
		return Result{Outcome: Skipped, Reason: reason}
	}
	c, ok := p.classifier.Classify(clean)
	if !ok {
		return p.refresh(ctx, project, "unclassified")
	}
	return p.write(ctx, project, clean, c, nil, nil, source)
}

// refresh bumps the active context for a fragment that is not stored.
func (p *Pipeline) refresh(ctx context.Context, project, reason string) Result {
	if err := p.store.TouchActiveContext(ctx, project); err != nil {
		return failed("touch active context", err)
	}
	return Result{Outcome: Refreshed, Reason: reason}
}

// Remember stores text unconditionally, as the remember marker does. Only a
// skip marker stops it. extraTags come before the extracted ones.
func (p *Pipeline) Remember(ctx context.Context, project, text string, extraTags []string, source string) Result {
	if p.filter.CheckOverride(text).ForceSkip {
		return Result{Outcome: Skipped, Reason: "skip marker"}
	}
	clean := p.filter.StripMarkers(text)
	if project == "" || clean == "" {
		return Result{Outcome: Skipped, Reason: "empty"}
	}
	c, ok := p.classifier.Match(clean)
	if !ok {
		c = classify.Observation()
	}
	return p.write(ctx, project, clean, c, nil, extraTags, source)
}

func (p *Pipeline) write(ctx context.Context, project, text string, c classify.Classification, files, extraTags []string, source string) Result {
	res, err := p.store.Write(ctx, memory.NewMemory{
		Content:    text,
		Type:       string(c.Type),
		Tags:       mergeTags(extraTags, p.tagger.Extract(text, files)),
		Project:    project,
		Importance: c.Importance(),
		Source:     source,
	})
	if err != nil {
		return failed("write memory", err)
	}
	if res.Duplicate {
		return Result{Outcome: Duplicate, Reason: string(c.Type)}
	}
	p.logger.Debug("memory stored",
		zap.String("project", project),
		zap.String("type", string(c.Type)),
		zap.Int("importance", res.Memory.Importance))
	return Result{Outcome: Stored, Reason: string(c.Type), Memory: res.Memory}
}

func mergeTags(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, t := range l {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" || seen[t] || len(out) >= tags.MaxTags {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Touch bumps the active context's updated_at.
func (p *Pipeline) Touch(ctx context.Context, project string) Result {
	if project == "" {
		return Result{Outcome: Ignored, Reason: "no project"}
	}
	if err := p.store.TouchActiveContext(ctx, project); err != nil {
		return failed("touch active context", err)
	}
	return Result{Outcome: Refreshed}
}

// WorkingTree records the files changed in the working tree as the active
// context's recent files. The current state, blockers and verification are
// kept; a project without a state gets a short "Modified N files" line.
func (p *Pipeline) WorkingTree(ctx context.Context, project string, files []string) Result {
	if project == "" || len(files) == 0 {
		return Result{Outcome: Ignored, Reason: "no changes"}
	}
	ac, err := p.store.GetActiveContext(ctx, project)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return failed("load active context", err)
	}
	if ac == nil {
		ac = &memory.ActiveContext{Project: project}
	}
	ac.RecentFiles = files
	if strings.TrimSpace(ac.CurrentState) == "" {
		ac.CurrentState = fmt.Sprintf("Modified %d files", len(files))
	}
	if err := p.store.UpsertActiveContext(ctx, *ac); err != nil {
		return failed("upsert active context", err)
	}
	return Result{Outcome: Refreshed, Reason: "working tree"}
}

// Summarize counts outcomes, for log lines.
func Summarize(results []Result) map[Outcome]int {
	out := make(map[Outcome]int)
	for _, r := range results {
		out[r.Outcome]++
	}
	return out
}
