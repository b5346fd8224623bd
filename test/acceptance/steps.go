package acceptance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/capture"
	"github.com/CanopyHQ/xylem/internal/git"
	"github.com/CanopyHQ/xylem/internal/ledger"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"github.com/cucumber/godog"
	"go.uber.org/zap"
)

// TestContext holds state between steps
type TestContext struct {
	ctx      context.Context
	dir      string
	now      time.Time
	project  string
	store    *memory.Store
	ledger   *ledger.Ledger
	pipeline *capture.Pipeline
	repo     *fakeRepo

	lastResult  capture.Result
	lastResults []capture.Result
	retrievals  [][]retrieval.Ranked
	similarity  float64
}

// fakeRepo serves a fixed log, newest first.
type fakeRepo struct {
	log []git.Commit
}

func (r *fakeRepo) RecentCommits(_ context.Context, n int) ([]git.Commit, error) {
	if len(r.log) > n {
		return r.log[:n], nil
	}
	return r.log, nil
}

func (r *fakeRepo) CommitFiles(context.Context, string) ([]string, error) {
	return nil, nil
}

func (tc *TestContext) setup(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
	dir, err := os.MkdirTemp("", "xylem-acceptance-*")
	if err != nil {
		return ctx, err
	}
	*tc = TestContext{
		ctx:  ctx,
		dir:  dir,
		now:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		repo: &fakeRepo{},
	}
	return ctx, nil
}

func (tc *TestContext) teardown(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
	if tc.store != nil {
		tc.store.Close()
	}
	if tc.dir != "" {
		os.RemoveAll(tc.dir)
	}
	return ctx, err
}

func (tc *TestContext) clock() time.Time {
	return tc.now
}

// ============================================================================
// Conversation capture
// ============================================================================

func (tc *TestContext) freshStore(project string) error {
	store, err := memory.Open(memory.Options{
		Path:   filepath.Join(tc.dir, ".claude", "sessions.db"),
		Create: true,
		Logger: zap.NewNop(),
		Now:    tc.clock,
	})
	if err != nil {
		return err
	}
	tc.store = store
	tc.project = project
	tc.ledger = ledger.New(ledger.NewFileBackend(filepath.Join(tc.dir, ".claude", "commit_ledger.json")), ledger.DefaultConfig())
	tc.pipeline = capture.New(store, capture.Options{Ledger: tc.ledger, Logger: zap.NewNop()})
	return nil
}

func (tc *TestContext) userSays(text string) error {
	tc.lastResult = tc.pipeline.Conversation(tc.ctx, tc.project, text, "prompt")
	return nil
}

func (tc *TestContext) userRemembers(text string) error {
	tc.lastResult = tc.pipeline.Remember(tc.ctx, tc.project, text, nil, "cli")
	return nil
}

func (tc *TestContext) hoursPass(hours int) error {
	tc.now = tc.now.Add(time.Duration(hours) * time.Hour)
	return nil
}

func (tc *TestContext) outcomeShouldBe(want string) error {
	if got := string(tc.lastResult.Outcome); got != want {
		return fmt.Errorf("expected outcome %q, got %q (%s)", want, got, tc.lastResult.Reason)
	}
	return nil
}

func (tc *TestContext) projectMemories(want int) error {
	n, err := tc.store.Count(tc.ctx, tc.project)
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("expected %d memories, got %d", want, n)
	}
	return nil
}

func (tc *TestContext) lastMemory() (*memory.Memory, error) {
	if tc.lastResult.Memory == nil {
		return nil, fmt.Errorf("no memory was written (outcome %q)", tc.lastResult.Outcome)
	}
	return tc.lastResult.Memory, nil
}

func (tc *TestContext) lastMemoryTyped(want string) error {
	m, err := tc.lastMemory()
	if err != nil {
		return err
	}
	if m.Type != want {
		return fmt.Errorf("expected type %q, got %q", want, m.Type)
	}
	return nil
}

func (tc *TestContext) lastMemoryImportance(want int) error {
	m, err := tc.lastMemory()
	if err != nil {
		return err
	}
	if m.Importance != want {
		return fmt.Errorf("expected importance %d, got %d", want, m.Importance)
	}
	return nil
}

func (tc *TestContext) hasActiveContext() error {
	_, err := tc.store.GetActiveContext(tc.ctx, tc.project)
	return err
}

func (tc *TestContext) noActiveContext() error {
	_, err := tc.store.GetActiveContext(tc.ctx, tc.project)
	if errors.Is(err, memory.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("expected no active context for %s", tc.project)
}

// ============================================================================
// Commits and the ledger
// ============================================================================

// repositoryHasCommits loads a "| id | message |" table, newest first.
func (tc *TestContext) repositoryHasCommits(table *godog.Table) error {
	tc.repo.log = nil
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		if len(row.Cells) < 2 {
			return fmt.Errorf("row %d: expected id and message", i)
		}
		tc.repo.log = append(tc.repo.log, commit(row.Cells[0].Value, row.Cells[1].Value))
	}
	return nil
}

func (tc *TestContext) newCommit(id, message string) error {
	tc.repo.log = append([]git.Commit{commit(id, message)}, tc.repo.log...)
	return nil
}

func commit(id, message string) git.Commit {
	subject := strings.SplitN(message, "\n", 2)[0]
	return git.Commit{ID: id, Subject: subject, Message: message}
}

func (tc *TestContext) commitsCaptured() error {
	results, err := tc.pipeline.Commits(tc.ctx, tc.project, tc.repo)
	if err != nil {
		return err
	}
	tc.lastResults = results
	return nil
}

func (tc *TestContext) commitsWithOutcome(want int, outcome string) error {
	got := capture.Summarize(tc.lastResults)[capture.Outcome(outcome)]
	if got != want {
		return fmt.Errorf("expected %d %s commit(s), got %d", want, outcome, got)
	}
	return nil
}

func (tc *TestContext) projectSessions(want int) error {
	sessions, err := tc.store.Sessions(tc.ctx, tc.project, 1000)
	if err != nil {
		return err
	}
	if len(sessions) != want {
		return fmt.Errorf("expected %d sessions, got %d", want, len(sessions))
	}
	return nil
}

func (tc *TestContext) ledgerSeen(id string) error {
	seen, err := tc.ledger.Seen(tc.project, id)
	if err != nil {
		return err
	}
	if !seen {
		return fmt.Errorf("commit %s is not in the ledger", id)
	}
	return nil
}

func (tc *TestContext) markSeen(n int) error {
	for i := 1; i <= n; i++ {
		if err := tc.ledger.MarkSeen(tc.project, fmt.Sprintf("c%03d", i)); err != nil {
			return err
		}
	}
	return nil
}

func (tc *TestContext) ledgerHolds(want int) error {
	ids, err := tc.ledger.IDs(tc.project)
	if err != nil {
		return err
	}
	if len(ids) != want {
		return fmt.Errorf("expected %d ledger ids, got %d", want, len(ids))
	}
	return nil
}

func (tc *TestContext) oldestLedgerID(want string) error {
	ids, err := tc.ledger.IDs(tc.project)
	if err != nil {
		return err
	}
	if len(ids) == 0 || ids[0] != want {
		return fmt.Errorf("expected oldest id %q, got %v", want, ids)
	}
	return nil
}

// ============================================================================
// Retrieval
// ============================================================================

// projectHasMemories loads a "| content | type | importance |" table.
func (tc *TestContext) projectHasMemories(table *godog.Table) error {
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		if len(row.Cells) < 3 {
			return fmt.Errorf("row %d: expected content, type and importance", i)
		}
		importance, err := strconv.Atoi(row.Cells[2].Value)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		// distinct creation times keep the recency order stable
		tc.now = tc.now.Add(time.Minute)
		if _, err := tc.store.Write(tc.ctx, memory.NewMemory{
			Content:    row.Cells[0].Value,
			Type:       row.Cells[1].Value,
			Project:    tc.project,
			Importance: importance,
			Source:     "acceptance",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (tc *TestContext) ranker() *retrieval.Ranker {
	cfg := retrieval.DefaultConfig()
	cfg.UseVecIndex = false
	cfg.Now = tc.clock
	return retrieval.NewRanker(tc.store, retrieval.NewKeywords(retrieval.DefaultKeywordTables()), cfg, zap.NewNop())
}

func (tc *TestContext) retrieve(query string) error {
	ranked, err := tc.ranker().Retrieve(tc.ctx, retrieval.Request{
		Project: tc.project,
		Query:   query,
		Profile: retrieval.TurnProfile(),
	})
	if err != nil {
		return err
	}
	tc.retrievals = append(tc.retrievals, ranked)
	return nil
}

func (tc *TestContext) retrieveTwice(query string) error {
	if err := tc.retrieve(query); err != nil {
		return err
	}
	return tc.retrieve(query)
}

func (tc *TestContext) latest() []retrieval.Ranked {
	if len(tc.retrievals) == 0 {
		return nil
	}
	return tc.retrievals[len(tc.retrievals)-1]
}

func (tc *TestContext) retrievalNotEmpty() error {
	if len(tc.latest()) == 0 {
		return fmt.Errorf("retrieval returned nothing")
	}
	return nil
}

func ids(ranked []retrieval.Ranked) []string {
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = string(r.Phase) + ":" + r.Memory.ID
	}
	return out
}

func (tc *TestContext) retrievalsIdentical() error {
	if len(tc.retrievals) < 2 {
		return fmt.Errorf("expected two retrievals, got %d", len(tc.retrievals))
	}
	a, b := ids(tc.retrievals[0]), ids(tc.retrievals[1])
	if !reflect.DeepEqual(a, b) {
		return fmt.Errorf("retrievals differ:\n  %v\n  %v", a, b)
	}
	return nil
}

func (tc *TestContext) firstRetrievedContains(text string) error {
	ranked := tc.latest()
	if len(ranked) == 0 {
		return fmt.Errorf("retrieval returned nothing")
	}
	if got := ranked[0].Memory.Text(); !strings.Contains(got, text) {
		return fmt.Errorf("expected first memory to contain %q, got %q", text, got)
	}
	return nil
}

func parseVector(s string) ([]float32, error) {
	var vec []float32
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, err
		}
		vec = append(vec, float32(v))
	}
	return vec, nil
}

func (tc *TestContext) compareVectors(a, b string) error {
	va, err := parseVector(a)
	if err != nil {
		return err
	}
	vb, err := parseVector(b)
	if err != nil {
		return err
	}
	tc.similarity = memory.CosineSimilarity(va, vb)
	return nil
}

func (tc *TestContext) similarityShouldBe(want float64) error {
	if math.Abs(tc.similarity-want) > 1e-6 {
		return fmt.Errorf("expected similarity %v, got %v", want, tc.similarity)
	}
	return nil
}
