package capture

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CanopyHQ/xylem/internal/git"
	"github.com/CanopyHQ/xylem/internal/ledger"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/textfilter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	pipeline *Pipeline
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.Open(memory.Options{
		Path:   filepath.Join(dir, "sessions.db"),
		Create: true,
		Logger: zap.NewNop(),
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.New(ledger.NewFileBackend(filepath.Join(dir, "commit_ledger.json")), ledger.DefaultConfig())
	return &fixture{
		store:    store,
		ledger:   l,
		pipeline: New(store, Options{Ledger: l, Logger: zap.NewNop()}),
	}
}

func (f *fixture) count(t *testing.T, project string) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), project)
	require.NoError(t, err)
	return n
}

func (f *fixture) sessions(t *testing.T, project string) []*memory.Session {
	t.Helper()
	s, err := f.store.Sessions(context.Background(), project, 100)
	require.NoError(t, err)
	return s
}

type fakeRepo struct {
	log   []git.Commit
	files map[string][]string
	err   error
}

func (r *fakeRepo) RecentCommits(_ context.Context, n int) ([]git.Commit, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.log) > n {
		return r.log[:n], nil
	}
	return r.log, nil
}

func (r *fakeRepo) CommitFiles(_ context.Context, id string) ([]string, error) {
	return r.files[id], nil
}

func commit(id, message string) git.Commit {
	subject, _, _ := strings.Cut(message, "\n")
	return git.Commit{ID: id, Subject: subject, Message: message, Time: testNow}
}

// =============================================================================
// Conversation
// =============================================================================

func TestConversation_DecisionEndToEnd(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile",
		"We decided to use zustand instead of redux for global state", "prompt")
	require.NoError(t, res.Err)
	require.Equal(t, Stored, res.Outcome)
	require.NotNil(t, res.Memory)

	assert.Equal(t, "decision", res.Memory.Type)
	assert.Equal(t, 10, res.Memory.Importance)
	assert.Contains(t, res.Memory.Tags, "state")
	assert.Equal(t, "prompt", res.Memory.Source)
	assert.True(t, strings.HasPrefix(res.Memory.Content, "["+res.Memory.Hash+"] "))
}

func TestConversation_DecisionBeatsError(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile",
		"Decided to drop the retry wrapper because it hid a crash in the api client", "prompt")
	require.Equal(t, Stored, res.Outcome)
	assert.Equal(t, "decision", res.Memory.Type)
}

func TestConversation_SkipBeatsRemember(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile",
		"<remember> <skip> the api key rotated today and everything broke", "prompt")
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "skip marker", res.Reason)
	assert.Equal(t, 0, f.count(t, "mobile"))
}

func TestConversation_RememberForcesObservation(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile", "#remember use pnpm", "prompt")
	require.Equal(t, Stored, res.Outcome)
	assert.Equal(t, "observation", res.Memory.Type)
	assert.Equal(t, 5, res.Memory.Importance)
	assert.Equal(t, "use pnpm", res.Memory.Text())
}

func TestConversation_RememberKeepsMatchedType(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile",
		"[remember] the payments crash was fixed by pinning the sdk", "prompt")
	require.Equal(t, Stored, res.Outcome)
	assert.Equal(t, "error", res.Memory.Type)
	assert.NotContains(t, res.Memory.Content, "[remember]")
}

func TestConversation_NoiseIsSkipped(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile", "thanks!", "prompt")
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "thanks", res.Reason)

	_, err := f.store.GetActiveContext(context.Background(), "mobile")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestConversation_MinLengthGatesToActiveContext(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile", "we decided on pnpm today", "prompt")
	assert.Equal(t, Refreshed, res.Outcome)
	assert.Equal(t, 0, f.count(t, "mobile"))

	ac, err := f.store.GetActiveContext(context.Background(), "mobile")
	require.NoError(t, err)
	assert.True(t, testNow.Equal(ac.UpdatedAt), "updated_at %v", ac.UpdatedAt)
}

func TestConversation_ShortErrorOnlyRefreshes(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "mobile", "bug crash!", "prompt")
	assert.Equal(t, Refreshed, res.Outcome)
	assert.Equal(t, textfilter.RuleTooShort, res.Reason)
	assert.Equal(t, 0, f.count(t, "mobile"))

	_, err := f.store.GetActiveContext(context.Background(), "mobile")
	require.NoError(t, err)

	// Acknowledgements stay noise however short
	res = f.pipeline.Conversation(context.Background(), "other", "ok", "prompt")
	assert.Equal(t, Skipped, res.Outcome)
	_, err = f.store.GetActiveContext(context.Background(), "other")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestConversation_Duplicate(t *testing.T) {
	f := setup(t)
	text := "Always run the migrations before seeding the database"

	first := f.pipeline.Conversation(context.Background(), "mobile", text, "prompt")
	require.Equal(t, Stored, first.Outcome)

	second := f.pipeline.Conversation(context.Background(), "mobile", "  ALWAYS run the migrations   before seeding the database ", "prompt")
	assert.Equal(t, Duplicate, second.Outcome)
	assert.Equal(t, 1, f.count(t, "mobile"))
}

func TestConversation_NoProject(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Conversation(context.Background(), "", "We decided to use zustand instead of redux", "prompt")
	assert.Equal(t, Ignored, res.Outcome)
}

func TestRemember_ExtraTags(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Remember(context.Background(), "mobile", "Staging lives on the second cluster", []string{"Infra", "infra", " "}, "cli")
	require.Equal(t, Stored, res.Outcome)
	assert.Equal(t, "cli", res.Memory.Source)
	assert.Equal(t, []string{"infra"}, res.Memory.Tags)

	res = f.pipeline.Remember(context.Background(), "mobile", "   ", nil, "cli")
	assert.Equal(t, Skipped, res.Outcome)
}

func TestRemember_SkipMarkerWins(t *testing.T) {
	f := setup(t)

	res := f.pipeline.Remember(context.Background(), "mobile", "#skip <remember> scratch note", nil, "cli")
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "skip marker", res.Reason)
	assert.Zero(t, f.count(t, "mobile"))
}

// =============================================================================
// Commits
// =============================================================================

func TestCommits_TrivialMarkedSeenWithoutWrites(t *testing.T) {
	f := setup(t)
	repo := &fakeRepo{
		log: []git.Commit{
			commit("c3", "Fix crash when token refresh races"),
			commit("c2", "wip"),
			commit("c1", "Merge branch 'main' into feature/login"),
		},
		files: map[string][]string{"c3": {"src/auth/refresh.ts"}},
	}

	results, err := f.pipeline.Commits(context.Background(), "mobile", repo)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, Ignored, results[0].Outcome)
	assert.Equal(t, "trivial", results[0].Reason)
	assert.Equal(t, Ignored, results[1].Outcome)
	require.Equal(t, Stored, results[2].Outcome)
	assert.Equal(t, "error", results[2].Memory.Type)
	assert.Contains(t, results[2].Memory.Tags, "typescript")
	assert.Equal(t, SourceCommit, results[2].Memory.Source)

	sessions := f.sessions(t, "mobile")
	require.Len(t, sessions, 1)
	assert.Equal(t, "c3", sessions[0].CommitID)
	assert.Equal(t, "Fix crash when token refresh races", sessions[0].Summary)
	assert.Equal(t, []string{"src/auth/refresh.ts"}, sessions[0].ModifiedFiles)

	ac, err := f.store.GetActiveContext(context.Background(), "mobile")
	require.NoError(t, err)
	assert.Equal(t, "Fix crash when token refresh races", ac.CurrentState)

	ids, err := f.ledger.IDs("mobile")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, ids)
}

func TestCommits_Idempotent(t *testing.T) {
	f := setup(t)
	repo := &fakeRepo{log: []git.Commit{commit("a1", "Implemented offline queue for draft uploads")}}

	_, err := f.pipeline.Commits(context.Background(), "mobile", repo)
	require.NoError(t, err)

	results, err := f.pipeline.Commits(context.Background(), "mobile", repo)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.Equal(t, 1, f.count(t, "mobile"))
	assert.Len(t, f.sessions(t, "mobile"), 1)

	res := f.pipeline.Commit(context.Background(), "mobile", repo.log[0], repo)
	assert.Equal(t, Ignored, res.Outcome)
	assert.Equal(t, "seen", res.Reason)
}

func TestCommits_IdenticalMessagesAcrossInvocations(t *testing.T) {
	f := setup(t)
	msg := "Refactored the auth middleware to share the token cache"

	_, err := f.pipeline.Commits(context.Background(), "mobile", &fakeRepo{log: []git.Commit{commit("a", msg)}})
	require.NoError(t, err)

	results, err := f.pipeline.Commits(context.Background(), "mobile", &fakeRepo{log: []git.Commit{commit("b", msg), commit("a", msg)}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Duplicate, results[0].Outcome)

	assert.Equal(t, 1, f.count(t, "mobile"))
	assert.Len(t, f.sessions(t, "mobile"), 1)

	seen, err := f.ledger.Seen("mobile", "b")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestCommits_OnlyMostRecentNovel(t *testing.T) {
	f := setup(t)
	var log []git.Commit
	for _, id := range []string{"e", "d", "c", "b", "a"} {
		log = append(log, commit(id, "Implemented feature "+id+" for the checkout flow screens"))
	}

	results, err := f.pipeline.Commits(context.Background(), "mobile", &fakeRepo{log: log})
	require.NoError(t, err)
	require.Len(t, results, 3)

	sessions := f.sessions(t, "mobile")
	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.CommitID)
	}
	assert.ElementsMatch(t, []string{"c", "d", "e"}, ids)
}

func TestCommits_GitFailure(t *testing.T) {
	f := setup(t)

	results, err := f.pipeline.Commits(context.Background(), "mobile", &fakeRepo{err: git.ErrNoData})
	assert.ErrorIs(t, err, git.ErrNoData)
	assert.Empty(t, results)
}

func TestCommits_NoLedger(t *testing.T) {
	f := setup(t)
	p := New(f.store, Options{})

	_, err := p.Commits(context.Background(), "mobile", &fakeRepo{})
	assert.ErrorIs(t, err, ErrNoLedger)
}

func TestCommit_SummaryTruncated(t *testing.T) {
	f := setup(t)
	subject := "Implemented " + strings.Repeat("x", 150)

	res := f.pipeline.Commit(context.Background(), "mobile", commit("long", subject), nil)
	require.Equal(t, Stored, res.Outcome)

	sessions := f.sessions(t, "mobile")
	require.Len(t, sessions, 1)
	assert.Equal(t, MaxSummaryLength, len([]rune(sessions[0].Summary)))
}

type failingWrites struct {
	*memory.Store
}

func (failingWrites) Write(context.Context, memory.NewMemory) (memory.WriteResult, error) {
	return memory.WriteResult{}, errors.New("database is locked")
}

func TestCommit_FailedWriteLeavesCommitUnseen(t *testing.T) {
	f := setup(t)
	p := New(failingWrites{f.store}, Options{Ledger: f.ledger})

	res := p.Commit(context.Background(), "mobile", commit("x1", "Implemented the settings screen toggles"), nil)
	assert.Equal(t, Failed, res.Outcome)
	assert.Error(t, res.Err)

	seen, err := f.ledger.Seen("mobile", "x1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestTrivialFilter(t *testing.T) {
	tf := NewTrivialFilter(DefaultTrivialPatterns())

	for _, s := range []string{
		"wip", "WIP: half done", "Merge branch 'main'", "Merge pull request #12 from x/y",
		"fix typo", "Typo in readme", "fixup! add login", "squash! tidy", "formatting", "오타 수정",
	} {
		assert.True(t, tf.Trivial(s), s)
	}
	for _, s := range []string{
		"Fix crash on resume", "Add merge strategy for drafts", "wipe cache on logout", "Format dates in UTC",
	} {
		assert.False(t, tf.Trivial(s), s)
	}
}

// =============================================================================
// Active context
// =============================================================================

func TestWorkingTree_KeepsState(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertActiveContext(ctx, memory.ActiveContext{
		Project: "mobile", CurrentState: "Wiring payments", Blockers: "sandbox keys",
	}))

	res := f.pipeline.WorkingTree(ctx, "mobile", []string{"a.ts", "b.ts"})
	assert.Equal(t, Refreshed, res.Outcome)

	ac, err := f.store.GetActiveContext(ctx, "mobile")
	require.NoError(t, err)
	assert.Equal(t, "Wiring payments", ac.CurrentState)
	assert.Equal(t, "sandbox keys", ac.Blockers)
	assert.Equal(t, []string{"a.ts", "b.ts"}, ac.RecentFiles)
}

func TestWorkingTree_NewProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assert.Equal(t, Ignored, f.pipeline.WorkingTree(ctx, "mobile", nil).Outcome)

	res := f.pipeline.WorkingTree(ctx, "mobile", []string{"a.ts"})
	assert.Equal(t, Refreshed, res.Outcome)
	ac, err := f.store.GetActiveContext(ctx, "mobile")
	require.NoError(t, err)
	assert.Equal(t, "Modified 1 files", ac.CurrentState)
}

func TestSummarize(t *testing.T) {
	got := Summarize([]Result{{Outcome: Stored}, {Outcome: Ignored}, {Outcome: Ignored}})
	assert.Equal(t, map[Outcome]int{Stored: 1, Ignored: 2}, got)
}
