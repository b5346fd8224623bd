package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRunner(outputs map[string]string) Runner {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		out, ok := outputs[strings.Join(args, " ")]
		if !ok {
			return nil, errors.New("exit status 128")
		}
		return []byte(out), nil
	}
}

func TestParseLog(t *testing.T) {
	out := "aaa111\x1f1767225600\x1fAdd login screen\n\nWith remember-me toggle\n\x1e\n" +
		"bbb222\x1f1767222000\x1fwip\n\x1e\n"

	commits := parseLog(out)
	require.Len(t, commits, 2)
	assert.Equal(t, "aaa111", commits[0].ID)
	assert.Equal(t, "Add login screen", commits[0].Subject)
	assert.Equal(t, "Add login screen\n\nWith remember-me toggle", commits[0].Message)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), commits[0].Time)
	assert.Equal(t, "wip", commits[1].Subject)
}

func TestParseLog_SkipsGarbage(t *testing.T) {
	assert.Empty(t, parseLog(""))
	assert.Empty(t, parseLog("not a record\x1e"))
}

func TestReader_FailuresAreNoData(t *testing.T) {
	r := NewReader(t.TempDir(), time.Second, nil).WithRunner(fakeRunner(nil))
	ctx := context.Background()

	_, err := r.RecentCommits(ctx, 10)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = r.ChangedFilesSince(ctx, "HEAD~3")
	assert.ErrorIs(t, err, ErrNoData)
	_, err = r.DiffNameOnly(ctx, DiffMode(42))
	assert.ErrorIs(t, err, ErrNoData)
	assert.Empty(t, r.WorkingTreeChanges(ctx, 10))
}

func TestReader_Timeout(t *testing.T) {
	slow := func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, errors.New("killed")
	}
	r := NewReader(t.TempDir(), 20*time.Millisecond, nil).WithRunner(slow)

	start := time.Now()
	_, err := r.RecentCommits(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReader_WorkingTreeChanges(t *testing.T) {
	r := NewReader(t.TempDir(), time.Second, nil).WithRunner(fakeRunner(map[string]string{
		"diff --name-only HEAD":                "src/a.ts\nsrc/b.ts\n",
		"diff --name-only --cached":            "src/b.ts\nsrc/c.ts\n",
		"ls-files --others --exclude-standard": "notes.md\n",
	}))

	files := r.WorkingTreeChanges(context.Background(), 10)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts", "src/c.ts", "notes.md"}, files)

	files = r.WorkingTreeChanges(context.Background(), 2)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, files)
}

func TestReader_ChangedFilesSinceArgs(t *testing.T) {
	r := NewReader(t.TempDir(), time.Second, nil).WithRunner(fakeRunner(map[string]string{
		"diff --name-only abc HEAD":   "one.go\n",
		"diff --name-only abc~1..abc": "two.go\n",
	}))
	ctx := context.Background()

	files, err := r.ChangedFilesSince(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"one.go"}, files)

	files, err = r.CommitFiles(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"two.go"}, files)
}

// TestReader_RealRepository exercises the real git binary when available.
func TestReader_RealRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	run("add", "a.txt")
	run("commit", "-q", "-m", "Add a")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))
	run("add", "b.txt")
	run("commit", "-q", "-m", "Add b\n\nbody line")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("c"), 0644))

	r := NewReader(dir, 5*time.Second, nil)
	ctx := context.Background()

	commits, err := r.RecentCommits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "Add b", commits[0].Subject)
	assert.Equal(t, "Add b\n\nbody line", commits[0].Message)

	files, err := r.CommitFiles(ctx, commits[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, files)

	// The root commit has no parent: no data, not a crash
	_, err = r.CommitFiles(ctx, commits[1].ID)
	assert.ErrorIs(t, err, ErrNoData)

	assert.Equal(t, []string{"c.txt"}, r.WorkingTreeChanges(ctx, 10))

	root, err := FindRoot(filepath.Join(dir))
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}

func TestFindRoot_NotARepo(t *testing.T) {
	dir := t.TempDir()
	_, err := FindRoot(dir)
	if err == nil {
		t.Skip("temp dir is inside a git repository")
	}
	assert.Error(t, err)
}

func TestParseRemoteURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{name: "HTTPS with .git", url: "https://github.com/CanopyHQ/xylem.git", wantOwner: "CanopyHQ", wantRepo: "xylem"},
		{name: "HTTPS without .git", url: "https://github.com/CanopyHQ/xylem\n", wantOwner: "CanopyHQ", wantRepo: "xylem"},
		{name: "SSH with .git", url: "git@github.com:user/repo.git", wantOwner: "user", wantRepo: "repo"},
		{name: "empty", url: "", wantErr: true},
		{name: "invalid SSH", url: "git@github.com/invalid", wantErr: true},
		{name: "invalid HTTPS", url: "https://github.com/invalid", wantErr: true},
		{name: "unsupported protocol", url: "ftp://github.com/user/repo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := parseRemoteURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}
