package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_ExportImport(t *testing.T) {
	ws := setupWorkspace(t)

	_, err := execute(t, "", "remember", "we decided to keep auth tokens in secure storage", "--project", "mobile")
	require.NoError(t, err)
	_, err = execute(t, "", "remember", "the api client retries twice on 503", "--project", "mobile")
	require.NoError(t, err)

	bundlePath := filepath.Join(ws, "mobile")
	out, err := execute(t, "", "export", bundlePath, "--project", "mobile", "--description", "handover")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 memories of mobile")
	_, err = os.Stat(bundlePath + ".xyl")
	require.NoError(t, err)

	out, err = execute(t, "", "import", "bundle", bundlePath+".xyl", "--project", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "Memories imported: 2")

	out, err = execute(t, "", "import", "bundle", bundlePath+".xyl", "--project", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "Memories imported: 0")
	assert.Contains(t, out, "Duplicates: 2")

	out, err = execute(t, "", "recall", "retries", "--project", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "retries twice on 503")
}

func TestExecute_ImportTranscript(t *testing.T) {
	ws := setupWorkspace(t)
	path := filepath.Join(ws, "session.jsonl")
	lines := `{"type":"user","sessionId":"s1","message":{"role":"user","content":"We decided to use zustand instead of redux for global state"}}
{"type":"assistant","sessionId":"s1","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))

	out, err := execute(t, "", "import", "transcript", path, "--project", "mobile")
	require.NoError(t, err)
	assert.Contains(t, out, "Turns processed: 2")
	assert.Contains(t, out, "Memories created: 1")
}

func TestExecute_Import_UnknownSource(t *testing.T) {
	setupWorkspace(t)

	_, err := execute(t, "", "import", "chatgpt", "export.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestExecute_Import_MissingBundle(t *testing.T) {
	ws := setupWorkspace(t)

	_, err := execute(t, "", "import", "bundle", filepath.Join(ws, "nope.xyl"))
	assert.Error(t, err)
}
