package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Version(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "xylem "))
}

func TestExecute_Serve(t *testing.T) {
	setupWorkspace(t)

	stdin := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"memory_save","arguments":{"content":"we decided to ship the beta on testflight"}}}`,
	}, "\n") + "\n"

	out, err := execute(t, stdin, "serve", "--project", "mobile")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var init struct {
		Result struct {
			ServerInfo struct{ Name string } `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &init))
	assert.Equal(t, "xylem", init.Result.ServerInfo.Name)
	assert.Contains(t, lines[1], `\"status\": \"stored\"`)

	out, err = execute(t, "", "recall", "testflight", "--project", "mobile")
	require.NoError(t, err)
	assert.Contains(t, out, "ship the beta on testflight")
}

func TestExecute_Status(t *testing.T) {
	setupWorkspace(t)

	out, err := execute(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "xylem status")
	assert.Contains(t, out, "No store yet")

	_, err = execute(t, "", "remember", "the login screen uses biometric unlock", "--project", "mobile")
	require.NoError(t, err)

	out, err = execute(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "sessions.db")
	assert.Contains(t, out, "memories")
	assert.Contains(t, out, "mobile")
	assert.NotContains(t, out, "biometric")
}
