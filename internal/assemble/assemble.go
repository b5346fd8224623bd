// Package assemble renders a project's stored context and ranked memories
// into the bounded text block injected into an assistant session.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/retrieval"
)

// Kind selects the wrapper tag.
type Kind int

const (
	// KindSession wraps in <session-context>, used at session start.
	KindSession Kind = iota
	// KindTurn wraps in <project-context>, used on each prompt.
	KindTurn
)

func (k Kind) tag() string {
	if k == KindSession {
		return "session-context"
	}
	return "project-context"
}

// Options bounds the rendered block.
type Options struct {
	// MaxChars bounds the body between the wrapper tags, in runes.
	MaxChars      int
	MaxTasks      int
	MaxSolutions  int
	MaxNextSteps  int
	MemoryChars   int
	SolutionChars int
}

// DefaultOptions returns the standard bounds.
func DefaultOptions() Options {
	return Options{
		MaxChars:      4000,
		MaxTasks:      5,
		MaxSolutions:  3,
		MaxNextSteps:  3,
		MemoryChars:   100,
		SolutionChars: 80,
	}
}

// Context is everything one block is rendered from.
type Context struct {
	Project     string
	Fixed       *memory.FixedContext
	Active      *memory.ActiveContext
	LastSession *memory.Session
	Tasks       []*memory.Task
	Solutions   []*memory.Solution
	Memories    []retrieval.Ranked
}

// Empty reports whether nothing at all is known about the project.
func (c Context) Empty() bool {
	return c.Fixed == nil && c.Active == nil && c.LastSession == nil &&
		len(c.Tasks) == 0 && len(c.Solutions) == 0 && len(c.Memories) == 0
}

// Reader is the read side of the store the loader needs.
type Reader interface {
	GetFixedContext(ctx context.Context, project string) (*memory.FixedContext, error)
	GetActiveContext(ctx context.Context, project string) (*memory.ActiveContext, error)
	LastSession(ctx context.Context, project string) (*memory.Session, error)
	OpenTasks(ctx context.Context, project string, limit int) ([]*memory.Task, error)
	RecentSolutions(ctx context.Context, project string, limit int) ([]*memory.Solution, error)
}

// Load reads the project's records. Missing records are left empty; other
// failures are joined into the error and the rest is still loaded.
func Load(ctx context.Context, r Reader, project string, ranked []retrieval.Ranked, opts Options) (Context, error) {
	c := Context{Project: project, Memories: ranked}
	var errs []error
	keep := func(what string, err error) {
		if err != nil && !errors.Is(err, memory.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	var err error
	c.Fixed, err = r.GetFixedContext(ctx, project)
	keep("project context", err)
	c.Active, err = r.GetActiveContext(ctx, project)
	keep("active context", err)
	c.LastSession, err = r.LastSession(ctx, project)
	keep("last session", err)
	c.Tasks, err = r.OpenTasks(ctx, project, opts.MaxTasks)
	keep("tasks", err)
	c.Solutions, err = r.RecentSolutions(ctx, project, opts.MaxSolutions)
	keep("solutions", err)
	return c, errors.Join(errs...)
}

var typeIcons = map[string]string{
	"observation":    "👀",
	"decision":       "🎯",
	"learning":       "📚",
	"error":          "⚠️",
	"pattern":        "🔄",
	"implementation": "🛠️",
	"important":      "❗",
	"code":           "💻",
}

func icon(memType string) string {
	if i, ok := typeIcons[memType]; ok {
		return i
	}
	return "💭"
}

// Render formats c as a complete wrapped block. An empty context renders the
// status="new" block. Turn blocks carry matches="N" with the number of ranked
// memories.
func Render(kind Kind, c Context, opts Options) string {
	attrs := fmt.Sprintf(`project="%s"`, html.EscapeString(c.Project))
	if c.Empty() {
		attrs += ` status="new"`
		return wrap(kind, attrs, "New project. Use `project_init` to enable context tracking.")
	}
	if kind == KindTurn {
		attrs += fmt.Sprintf(` matches="%d"`, len(c.Memories))
	}
	return wrap(kind, attrs, Body(kind, c, opts))
}

func wrap(kind Kind, attrs, body string) string {
	return fmt.Sprintf("<%s %s>\n%s\n</%s>\n", kind.tag(), attrs, body, kind.tag())
}

// Body renders the sections of c, bounded to opts.MaxChars runes. Sections
// are added in a fixed order; a section that no longer fits is cut at a line
// boundary and the rest are dropped.
func Body(kind Kind, c Context, opts Options) string {
	w := &writer{max: opts.MaxChars}
	if kind == KindSession {
		w.line(fmt.Sprintf("# 🚀 %s Context", c.Project))
	} else {
		w.line(fmt.Sprintf("# 🧠 %s Memory", c.Project))
	}
	w.blank()

	if c.Fixed != nil && len(c.Fixed.TechStack) > 0 {
		keys := make([]string, 0, len(c.Fixed.TechStack))
		for k, v := range c.Fixed.TechStack {
			if strings.TrimSpace(v) != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("**%s**: %s", k, c.Fixed.TechStack[k])
		}
		if len(parts) > 0 {
			w.section("## Tech Stack", strings.Join(parts, ", "))
		}
	}

	if c.Active != nil && strings.TrimSpace(c.Active.CurrentState) != "" {
		lines := []string{"📍 " + c.Active.CurrentState}
		if c.Active.Blockers != "" {
			lines = append(lines, "🚧 **Blocker**: "+c.Active.Blockers)
		}
		if v := c.Active.LastVerification; v != "" {
			mark := "❌"
			if strings.Contains(strings.ToLower(v), "passed") {
				mark = "✅"
			}
			lines = append(lines, mark+" Last verify: "+v)
		}
		w.section("## Current State", lines...)
	}

	if s := c.LastSession; s != nil {
		lines := []string{"**Work**: " + s.Summary}
		if next := limit(s.NextTasks, opts.MaxNextSteps); len(next) > 0 {
			lines = append(lines, "**Next**: "+strings.Join(next, " → "))
		}
		w.section(fmt.Sprintf("## Last Session (%s)", s.Timestamp.UTC().Format("2006-01-02")), lines...)
	}

	if len(c.Tasks) > 0 {
		var lines []string
		for i, t := range c.Tasks {
			if opts.MaxTasks > 0 && i >= opts.MaxTasks {
				break
			}
			mark := "⏳"
			if t.Status == memory.TaskInProgress {
				mark = "🔄"
			}
			lines = append(lines, fmt.Sprintf("- %s [P%d] %s (#%d)", mark, t.Priority, t.Title, t.ID))
		}
		w.section("## 📋 Pending Tasks", lines...)
	}

	if len(c.Memories) > 0 {
		lines := make([]string, 0, len(c.Memories))
		for _, r := range c.Memories {
			m := r.Memory
			line := fmt.Sprintf("- %s [%s] %s", icon(m.Type), m.Type, cut(m.Text(), opts.MemoryChars))
			if len(m.Tags) > 0 {
				line += " #" + strings.Join(m.Tags, " #")
			}
			lines = append(lines, line)
		}
		w.section("## 🧠 Key Memories", lines...)
	}

	if len(c.Solutions) > 0 {
		var lines []string
		for i, s := range c.Solutions {
			if opts.MaxSolutions > 0 && i >= opts.MaxSolutions {
				break
			}
			lines = append(lines, fmt.Sprintf("- **%s**: %s", s.ErrorSignature, cut(s.Solution, opts.SolutionChars)))
		}
		w.section("## 🔧 Recent Error Solutions", lines...)
	}

	w.line("---")
	w.line("_Auto-injected by xylem. Use `session_save` when done._")
	return strings.TrimRight(w.b.String(), "\n")
}

// writer appends whole lines while they fit in max runes. Once a line does
// not fit, every later write is dropped.
type writer struct {
	b    strings.Builder
	max  int
	used int
	full bool
}

func (w *writer) fits(n int) bool {
	return w.max <= 0 || w.used+n <= w.max
}

func (w *writer) line(s string) bool {
	if w.full {
		return false
	}
	n := utf8.RuneCountInString(s) + 1
	if !w.fits(n) {
		w.full = true
		return false
	}
	w.b.WriteString(s)
	w.b.WriteByte('\n')
	w.used += n
	return true
}

func (w *writer) blank() { w.line("") }

// section writes a heading and its lines. The heading is only written when
// its first line fits too.
func (w *writer) section(heading string, lines ...string) {
	if w.full || len(lines) == 0 {
		return
	}
	first := utf8.RuneCountInString(heading) + utf8.RuneCountInString(lines[0]) + 2
	if !w.fits(first) {
		w.full = true
		return
	}
	w.line(heading)
	for _, l := range lines {
		if !w.line(l) {
			return
		}
	}
	w.blank()
}

func cut(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

func limit(in []string, n int) []string {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}
