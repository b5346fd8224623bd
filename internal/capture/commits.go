package capture

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/CanopyHQ/xylem/internal/classify"
	"github.com/CanopyHQ/xylem/internal/git"
	"github.com/CanopyHQ/xylem/internal/memory"
	"go.uber.org/zap"
)

// SourceCommit is the memory source of commit captures.
const SourceCommit = "commit"

// MaxSummaryLength caps a commit session summary, in runes.
const MaxSummaryLength = 100

// ErrNoLedger is returned by Commits when the pipeline has no ledger.
var ErrNoLedger = errors.New("commit capture needs a ledger")

// CommitSource reads the log of one repository.
type CommitSource interface {
	RecentCommits(ctx context.Context, n int) ([]git.Commit, error)
	CommitFiles(ctx context.Context, id string) ([]string, error)
}

// TrivialFilter recognises commits that carry no knowledge worth storing.
type TrivialFilter struct {
	patterns []*regexp.Regexp
}

// DefaultTrivialPatterns matches work-in-progress, merge, typo, formatting
// and autosquash commits.
func DefaultTrivialPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*wip\b`),
		regexp.MustCompile(`(?i)^\s*merge (branch|pull request|remote-tracking branch|tag)\b`),
		regexp.MustCompile(`(?i)^\s*(fix(ed)? )?typos?\b`),
		regexp.MustCompile(`(?i)^\s*(fixup|squash|amend)!`),
		regexp.MustCompile(`(?i)^\s*(formatting|reformat(ted)?|lint|fmt|run (gofmt|prettier|eslint))\b`),
		regexp.MustCompile(`^\s*(오타|포맷|머지)`),
	}
}

// NewTrivialFilter builds a TrivialFilter.
func NewTrivialFilter(patterns []*regexp.Regexp) *TrivialFilter {
	return &TrivialFilter{patterns: append([]*regexp.Regexp(nil), patterns...)}
}

// Trivial reports whether subject matches a trivial pattern.
func (t *TrivialFilter) Trivial(subject string) bool {
	for _, p := range t.patterns {
		if p.MatchString(subject) {
			return true
		}
	}
	return false
}

// Commits captures the commits of repo the ledger has not seen yet, oldest
// first. A git failure yields no results and the error.
func (p *Pipeline) Commits(ctx context.Context, project string, repo CommitSource) ([]Result, error) {
	if p.ledger == nil {
		return nil, ErrNoLedger
	}
	log, err := repo.RecentCommits(ctx, p.ledger.Scan())
	if err != nil {
		return nil, err
	}
	novel, err := p.ledger.NewCommits(project, log)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(novel))
	for _, c := range novel {
		results = append(results, p.Commit(ctx, project, c, repo))
	}
	return results, nil
}

// Commit captures one commit. Trivial and duplicate commits are marked seen
// without a session; a stored commit also appends a Session and replaces the
// active context's state with the commit subject. A failed write leaves the
// commit unseen so a later run can pick it up.
func (p *Pipeline) Commit(ctx context.Context, project string, c git.Commit, repo CommitSource) Result {
	if p.ledger == nil {
		return failed("ledger", ErrNoLedger)
	}
	seen, err := p.ledger.Seen(project, c.ID)
	if err != nil {
		return failed("ledger", err)
	}
	if seen {
		return Result{Outcome: Ignored, Reason: "seen"}
	}

	if p.trivial.Trivial(c.Subject) {
		if err := p.ledger.MarkSeen(project, c.ID); err != nil {
			return failed("mark seen", err)
		}
		return Result{Outcome: Ignored, Reason: "trivial"}
	}

	text := strings.TrimSpace(c.Message)
	if text == "" {
		text = strings.TrimSpace(c.Subject)
	}
	if text == "" {
		if err := p.ledger.MarkSeen(project, c.ID); err != nil {
			return failed("mark seen", err)
		}
		return Result{Outcome: Ignored, Reason: "empty message"}
	}

	class, ok := p.classifier.Classify(text)
	if !ok {
		class = classify.Observation()
	}

	var files []string
	if repo != nil {
		files, err = repo.CommitFiles(ctx, c.ID)
		if err != nil {
			p.logger.Debug("commit files unavailable", zap.String("commit", c.ID), zap.Error(err))
			files = nil
		}
	}

	res := p.write(ctx, project, text, class, files, nil, SourceCommit)
	switch res.Outcome {
	case Stored:
		summary := truncate(firstLine(c.Subject, text), MaxSummaryLength)
		if _, err := p.store.AddSession(ctx, memory.Session{
			Project:       project,
			Summary:       summary,
			ModifiedFiles: files,
			CommitID:      c.ID,
		}); err != nil {
			p.logger.Warn("failed to record commit session", zap.String("commit", c.ID), zap.Error(err))
		}
		if err := p.commitContext(ctx, project, summary, files); err != nil {
			p.logger.Warn("failed to update active context", zap.String("commit", c.ID), zap.Error(err))
		}
	case Duplicate:
	default:
		return res
	}

	if err := p.ledger.MarkSeen(project, c.ID); err != nil {
		return failed("mark seen", fmt.Errorf("commit %s: %w", c.ID, err))
	}
	return res
}

func (p *Pipeline) commitContext(ctx context.Context, project, summary string, files []string) error {
	ac, err := p.store.GetActiveContext(ctx, project)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	if ac == nil {
		ac = &memory.ActiveContext{Project: project}
	}
	ac.CurrentState = summary
	if len(files) > 0 {
		ac.RecentFiles = files
	}
	return p.store.UpsertActiveContext(ctx, *ac)
}

func firstLine(subject, message string) string {
	if s := strings.TrimSpace(subject); s != "" {
		return s
	}
	line, _, _ := strings.Cut(message, "\n")
	return strings.TrimSpace(line)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
