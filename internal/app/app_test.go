package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CanopyHQ/xylem/internal/assemble"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/git"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRepo struct {
	commits []git.Commit
	changed []string
}

func (r *fakeRepo) RecentCommits(context.Context, int) ([]git.Commit, error) { return r.commits, nil }
func (r *fakeRepo) CommitFiles(context.Context, string) ([]string, error)    { return nil, nil }
func (r *fakeRepo) ChangedFilesSince(context.Context, string) ([]string, error) {
	return nil, nil
}
func (r *fakeRepo) WorkingTreeChanges(context.Context, int) []string { return r.changed }

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	ws := t.TempDir()
	env["WORKSPACE_ROOT"] = ws
	env["XYLEM_VEC_INDEX"] = "off"
	return config.FromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
}

func TestOpen_NoStore(t *testing.T) {
	cfg := testConfig(t, map[string]string{})

	_, err := Open(cfg, zap.NewNop(), false)
	assert.True(t, IsNoStore(err))

	a, err := Open(cfg, zap.NewNop(), true)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = Open(cfg, zap.NewNop(), false)
	require.NoError(t, err)
	a.Close()
}

func TestOpen_SQLiteLedger(t *testing.T) {
	cfg := testConfig(t, map[string]string{"XYLEM_LEDGER_BACKEND": "sqlite"})

	a, err := Open(cfg, zap.NewNop(), true)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Ledger.MarkSeen("mobile", "c1"))
	seen, err := a.Ledger.Seen("mobile", "c1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.NoFileExists(t, filepath.Join(cfg.WorkspaceRoot, ".claude", "commit_ledger.json"))
}

func TestRetrieve_RepoKeywordsWithoutQuery(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	a, err := Open(cfg, zap.NewNop(), true)
	require.NoError(t, err)
	defer a.Close()

	repo := &fakeRepo{
		commits: []git.Commit{{ID: "c1", Subject: "Fix login token refresh"}},
		changed: []string{"src/screens/LoginScreen.tsx"},
	}
	a.Repo = func(string) Repo { return repo }

	keywords := a.RepoKeywords(context.Background(), "/ws/apps/mobile")
	assert.Contains(t, keywords, "login")

	ctx := context.Background()
	res := a.Capture.Remember(ctx, "mobile", "the login token refresh must run before any api call", nil, "cli")
	require.NotNil(t, res.Memory)

	ranked, err := a.Retrieve(ctx, "mobile", "/ws/apps/mobile", "", retrieval.SessionProfile())
	require.NoError(t, err)
	require.NotEmpty(t, ranked)
	assert.Equal(t, res.Memory.ID, ranked[0].Memory.ID)

	out, err := a.Render(ctx, assemble.KindSession, "mobile", ranked)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<session-context project=\"mobile\""))
	assert.Contains(t, out, "login token refresh")
}
