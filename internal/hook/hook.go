// Package hook runs the assistant lifecycle hooks: session start, prompt
// submit, post-prompt and stop. A hook never fails its caller. Problems are
// logged to stderr and the process exits 0 with whatever output it has.
package hook

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/CanopyHQ/xylem/internal/app"
	"github.com/CanopyHQ/xylem/internal/assemble"
	"github.com/CanopyHQ/xylem/internal/capture"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/project"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"github.com/CanopyHQ/xylem/internal/transcript"
	"go.uber.org/zap"
)

// Event names, as passed to `xylem hook <event>`.
const (
	EventSessionStart = "session-start"
	EventPrompt       = "prompt"
	EventPostPrompt   = "post-prompt"
	EventStop         = "stop"
)

// Events lists every hook event.
var Events = []string{EventSessionStart, EventPrompt, EventPostPrompt, EventStop}

// Memory sources of hook captures.
const (
	SourcePrompt    = "prompt"
	SourceAssistant = "assistant"
)

// maxPayload bounds what is read from stdin.
const maxPayload = 10 * 1024 * 1024

// Runner dispatches hook events.
type Runner struct {
	cfg      config.Config
	logger   *zap.Logger
	out      io.Writer
	resolver *project.Resolver
	repo     func(dir string) app.Repo
	getwd    func() (string, error)
}

// NewRunner builds a Runner writing hook output to out.
func NewRunner(cfg config.Config, logger *zap.Logger, out io.Writer) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		logger:   logger.Named("hook"),
		out:      out,
		resolver: project.NewResolver(cfg.WorkspaceRoot, cfg.ProjectRoots),
		getwd:    os.Getwd,
	}
}

// WithRepo replaces how project repositories are opened.
func (r *Runner) WithRepo(open func(dir string) app.Repo) *Runner {
	r.repo = open
	return r
}

// Run handles one event. The only error is an unknown event name.
func (r *Runner) Run(ctx context.Context, event string, stdin io.Reader) error {
	if r.cfg.HooksDisabled {
		return nil
	}
	var handle func(ctx context.Context, p Payload, key, dir string)
	switch event {
	case EventSessionStart:
		handle = r.sessionStart
	case EventPrompt:
		handle = r.prompt
	case EventPostPrompt:
		handle = r.postPrompt
	case EventStop:
		handle = r.stop
	default:
		return fmt.Errorf("unknown hook event %q", event)
	}

	var data []byte
	if stdin != nil {
		var err error
		data, err = io.ReadAll(io.LimitReader(stdin, maxPayload))
		if err != nil {
			r.logger.Warn("failed to read hook payload", zap.Error(err))
		}
	}
	p := ParsePayload(data)

	cwd := p.CWD
	if cwd == "" {
		wd, err := r.getwd()
		if err != nil {
			r.logger.Debug("no working directory", zap.Error(err))
			return nil
		}
		cwd = wd
	}
	key, dir, ok := r.resolver.Resolve(cwd)
	if !ok {
		r.logger.Debug("outside any project", zap.String("cwd", cwd))
		return nil
	}
	handle(ctx, p, key, dir)
	return nil
}

func (r *Runner) open(create bool) (*app.App, bool) {
	a, err := app.Open(r.cfg, r.logger, create)
	if err != nil {
		if !app.IsNoStore(err) {
			r.logger.Warn("failed to open store", zap.String("path", r.cfg.DBPath), zap.Error(err))
		}
		return nil, false
	}
	if r.repo != nil {
		a.Repo = r.repo
	}
	return a, true
}

func (r *Runner) emit(s string) {
	if s == "" {
		return
	}
	if _, err := fmt.Fprintln(r.out, s); err != nil {
		r.logger.Warn("failed to write hook output", zap.Error(err))
	}
}

func (r *Runner) logResult(what string, res capture.Result) {
	if res.Outcome == capture.Failed {
		r.logger.Warn(what+" capture failed", zap.String("reason", res.Reason), zap.Error(res.Err))
		return
	}
	r.logger.Debug(what+" capture", zap.String("outcome", string(res.Outcome)), zap.String("reason", res.Reason))
}

func (r *Runner) captureCommits(ctx context.Context, a *app.App, key string, repo app.Repo) {
	results, err := a.Capture.Commits(ctx, key, repo)
	if err != nil {
		r.logger.Debug("commit capture skipped", zap.Error(err))
		return
	}
	for _, res := range results {
		r.logResult("commit", res)
	}
	if len(results) > 0 {
		r.logger.Info("captured commits", zap.String("project", key), zap.Any("outcomes", capture.Summarize(results)))
	}
}

// sessionStart catches up on commits made since the last session, then
// prints the session context.
func (r *Runner) sessionStart(ctx context.Context, _ Payload, key, dir string) {
	a, ok := r.open(true)
	if !ok {
		return
	}
	defer a.Close()

	r.captureCommits(ctx, a, key, a.Repo(dir))

	ranked, err := a.Retrieve(ctx, key, dir, "", retrieval.SessionProfile())
	if err != nil {
		r.logger.Warn("retrieval incomplete", zap.Error(err))
	}
	out, err := a.Render(ctx, assemble.KindSession, key, ranked)
	if err != nil {
		r.logger.Warn("context incomplete", zap.Error(err))
	}
	r.emit(out)
}

// prompt prints the memories relevant to the turn, then captures the turn.
// Retrieval runs first so a turn never recalls itself.
func (r *Runner) prompt(ctx context.Context, p Payload, key, dir string) {
	if p.Prompt == "" {
		return
	}
	a, ok := r.open(true)
	if !ok {
		return
	}
	defer a.Close()

	ranked, err := a.Retrieve(ctx, key, dir, p.Prompt, retrieval.TurnProfile())
	if err != nil {
		r.logger.Warn("retrieval incomplete", zap.Error(err))
	}
	out, err := a.Render(ctx, assemble.KindTurn, key, ranked)
	if err != nil {
		r.logger.Warn("context incomplete", zap.Error(err))
	}
	r.emit(out)

	r.logResult("prompt", a.Capture.Conversation(ctx, key, p.Prompt, SourcePrompt))
}

// postPrompt marks the project active. It never creates the store.
func (r *Runner) postPrompt(ctx context.Context, _ Payload, key, _ string) {
	a, ok := r.open(false)
	if !ok {
		return
	}
	defer a.Close()
	r.logResult("touch", a.Capture.Touch(ctx, key))
}

// stop captures the final assistant message, any new commits and the files
// changed in the working tree.
func (r *Runner) stop(ctx context.Context, p Payload, key, dir string) {
	a, ok := r.open(true)
	if !ok {
		return
	}
	defer a.Close()

	if p.TranscriptPath != "" {
		turns, _, err := transcript.ReadFile(p.TranscriptPath)
		if err != nil {
			r.logger.Debug("transcript unavailable", zap.Error(err))
		}
		if text, ok := transcript.LastAssistantText(turns); ok {
			r.logResult("assistant", a.Capture.Conversation(ctx, key, text, SourceAssistant))
		}
	}

	repo := a.Repo(dir)
	r.captureCommits(ctx, a, key, repo)
	r.logResult("working tree", a.Capture.WorkingTree(ctx, key, repo.WorkingTreeChanges(ctx, app.RepoKeywordFiles)))
}
