// xylem - per-project session memory
// Assistant hooks and an MCP server over a local SQLite store
package main

import (
	"fmt"
	"os"

	"github.com/CanopyHQ/xylem/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
