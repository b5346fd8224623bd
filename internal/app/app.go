// Package app wires the store, ledger, capture pipeline and ranker from a
// Config. Every entry point (hooks, CLI commands, MCP server) opens one App
// per process.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/CanopyHQ/xylem/internal/assemble"
	"github.com/CanopyHQ/xylem/internal/capture"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/git"
	"github.com/CanopyHQ/xylem/internal/ledger"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/project"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"go.uber.org/zap"
)

// Number of commits and changed files that seed repository keywords.
const (
	RepoKeywordCommits = 5
	RepoKeywordFiles   = 10
)

// Repo is the version-control view of one project directory.
type Repo interface {
	RecentCommits(ctx context.Context, n int) ([]git.Commit, error)
	CommitFiles(ctx context.Context, id string) ([]string, error)
	ChangedFilesSince(ctx context.Context, ref string) ([]string, error)
	WorkingTreeChanges(ctx context.Context, max int) []string
}

// App is the opened runtime.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    *memory.Store
	Ledger   *ledger.Ledger
	Capture  *capture.Pipeline
	Ranker   *retrieval.Ranker
	Keywords *retrieval.Keywords
	Resolver *project.Resolver
	Assemble assemble.Options

	// Repo opens the repository of a project directory; tests replace it.
	Repo func(dir string) Repo
}

// Open opens the store and builds everything on top of it. Without create,
// a missing store yields memory.ErrNoStore.
func Open(cfg config.Config, logger *zap.Logger, create bool) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := memory.Open(memory.Options{
		Path:        cfg.DBPath,
		Create:      create,
		DedupWindow: cfg.DedupWindow,
		VecIndex:    cfg.VecIndex,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	backend, err := ledgerBackend(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	l := ledger.New(backend, ledger.Config{Cap: cfg.LedgerCap})

	keywords := retrieval.NewKeywords(retrieval.DefaultKeywordTables())
	rcfg := retrieval.DefaultConfig()
	rcfg.UseVecIndex = cfg.VecIndex

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Ledger:   l,
		Capture:  capture.New(store, capture.Options{Ledger: l, Logger: logger.Named("capture")}),
		Ranker:   retrieval.NewRanker(store, keywords, rcfg, logger.Named("retrieval")),
		Keywords: keywords,
		Resolver: project.NewResolver(cfg.WorkspaceRoot, cfg.ProjectRoots),
		Assemble: assemble.DefaultOptions(),
	}
	a.Repo = func(dir string) Repo {
		return git.NewReader(dir, cfg.GitTimeout, logger.Named("git"))
	}
	return a, nil
}

func ledgerBackend(cfg config.Config, store *memory.Store) (ledger.Backend, error) {
	if cfg.LedgerBackend == config.LedgerSQLite {
		b, err := ledger.NewSQLBackend(store.DB())
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger table: %w", err)
		}
		return b, nil
	}
	return ledger.NewFileBackend(cfg.LedgerPath), nil
}

// Close closes the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// RepoKeywords derives keywords from the recent commits and changed files of
// the repository at dir. Git failures contribute nothing.
func (a *App) RepoKeywords(ctx context.Context, dir string) []string {
	repo := a.Repo(dir)
	commits, _ := repo.RecentCommits(ctx, RepoKeywordCommits)
	files := repo.WorkingTreeChanges(ctx, RepoKeywordFiles)
	if len(files) < RepoKeywordFiles && len(commits) > 1 {
		if since, err := repo.ChangedFilesSince(ctx, commits[len(commits)-1].ID); err == nil {
			files = append(files, since...)
		}
	}
	return a.Keywords.RepoKeywords(commits, files)
}

// Retrieve ranks memories for project. An empty query falls back to the
// repository keywords of dir.
func (a *App) Retrieve(ctx context.Context, projectKey, dir, query string, profile retrieval.Profile) ([]retrieval.Ranked, error) {
	req := retrieval.Request{Project: projectKey, Query: query, Profile: profile}
	if query == "" && dir != "" {
		req.RepoKeywords = a.RepoKeywords(ctx, dir)
	}
	return a.Ranker.Retrieve(ctx, req)
}

// Render loads the project's records and renders them with ranked.
func (a *App) Render(ctx context.Context, kind assemble.Kind, projectKey string, ranked []retrieval.Ranked) (string, error) {
	c, err := assemble.Load(ctx, a.Store, projectKey, ranked, a.Assemble)
	return assemble.Render(kind, c, a.Assemble), err
}

// IsNoStore reports whether err means the store has not been created yet.
func IsNoStore(err error) bool {
	return errors.Is(err, memory.ErrNoStore)
}
