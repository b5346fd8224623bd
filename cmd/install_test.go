package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readSettings(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	settings := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(data, &settings))
	return settings
}

func countXylemHooks(settings map[string]interface{}) int {
	hooks, _ := settings["hooks"].(map[string]interface{})
	n := 0
	for _, raw := range hooks {
		groups, _ := raw.([]interface{})
		for _, g := range groups {
			group, _ := g.(map[string]interface{})
			entries, _ := group["hooks"].([]interface{})
			for _, e := range entries {
				if isXylemHook(hookCommand(e)) {
					n++
				}
			}
		}
	}
	return n
}

func TestExecute_Install(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude", "settings.local.json")

	out, err := execute(t, "", "install", "--settings", path, "--command", "/opt/bin/xylem")
	require.NoError(t, err)
	assert.Contains(t, out, "Hooks installed to")

	settings := readSettings(t, path)
	assert.Equal(t, 3, countXylemHooks(settings))
	assert.Empty(t, missingHooks(settings))

	out, err = execute(t, "", "install", "--settings", path, "--command", "/opt/bin/xylem")
	require.NoError(t, err)
	assert.Contains(t, out, "Hooks already installed")
	assert.Equal(t, 3, countXylemHooks(readSettings(t, path)))

	// a new location replaces the old entries
	_, err = execute(t, "", "install", "--settings", path, "--command", "/usr/bin/xylem")
	require.NoError(t, err)
	settings = readSettings(t, path)
	assert.Equal(t, 3, countXylemHooks(settings))
	assert.NotContains(t, mustJSON(t, settings), "/opt/bin/xylem")
}

func TestExecute_Install_KeepsForeignHooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	existing := `{
  "model": "opus",
  "hooks": {
    "Stop": [{"hooks": [{"type": "command", "command": "notify-send done"}]}]
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(existing), 0600))

	_, err := execute(t, "", "install", "--settings", path, "--command", "xylem")
	require.NoError(t, err)
	settings := readSettings(t, path)
	assert.Equal(t, "opus", settings["model"])
	assert.Contains(t, mustJSON(t, settings), "notify-send done")

	out, err := execute(t, "", "install", "--settings", path, "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Stop:")
	assert.Contains(t, out, "notify-send done")

	out, err = execute(t, "", "install", "--settings", path, "--remove")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 3 hook(s)")
	settings = readSettings(t, path)
	assert.Zero(t, countXylemHooks(settings))
	assert.Contains(t, mustJSON(t, settings), "notify-send done")

	out, err = execute(t, "", "install", "--settings", path, "--remove")
	require.NoError(t, err)
	assert.Contains(t, out, "No xylem hooks found")
}

func TestExecute_Install_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hooks": [`), 0600))

	_, err := execute(t, "", "install", "--settings", path, "--command", "xylem")
	assert.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"hooks": [`, string(data))
}

func TestRemoveHooks_DropsEmptyEvents(t *testing.T) {
	settings := map[string]interface{}{}
	installHooks(settings, "xylem")
	assert.Equal(t, 3, removeHooks(settings))
	_, ok := settings["hooks"]
	assert.False(t, ok)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
