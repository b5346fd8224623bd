package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register the xylem hooks with Claude Code",
	Long: `Add the xylem hook commands to the Claude Code settings file under
SessionStart, UserPromptSubmit and Stop. Running it again replaces the
existing xylem entries, so the file never holds duplicates. Hooks that
belong to other tools are left alone.

Examples:
  xylem install            # add the hooks to ~/.claude/settings.local.json
  xylem install --status   # show the configured hooks
  xylem install --remove   # remove the xylem hooks`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetBool("remove")
		status, _ := cmd.Flags().GetBool("status")
		path, _ := cmd.Flags().GetString("settings")
		command, _ := cmd.Flags().GetString("command")
		return runInstall(cmd.OutOrStdout(), path, command, remove, status)
	},
}

func init() {
	installCmd.Flags().Bool("remove", false, "Remove the xylem hooks")
	installCmd.Flags().Bool("status", false, "Show the configured hooks")
	installCmd.Flags().String("settings", "", "Settings file (default ~/.claude/settings.local.json)")
	installCmd.Flags().String("command", "", "Command that runs xylem (default: this executable)")
}

// hookEvents maps Claude Code hook events to xylem hook names, in the order
// they are written.
var hookEvents = []struct{ event, hook string }{
	{"SessionStart", "session-start"},
	{"UserPromptSubmit", "prompt"},
	{"Stop", "stop"},
}

func defaultSettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "settings.local.json"), nil
}

func runInstall(out io.Writer, path, command string, remove, status bool) error {
	if path == "" {
		p, err := defaultSettingsPath()
		if err != nil {
			return err
		}
		path = p
	}
	settings, err := loadSettings(path)
	if err != nil {
		return err
	}

	if status {
		printHookStatus(out, path, settings)
		return nil
	}

	before, _ := json.Marshal(settings)
	if remove {
		n := removeHooks(settings)
		if n == 0 {
			fmt.Fprintln(out, "ℹ️  No xylem hooks found")
			return nil
		}
		if err := saveSettings(path, settings); err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Removed %d hook(s) from %s\n", n, path)
		return nil
	}

	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate xylem executable: %w", err)
		}
		command = exe
	}
	installHooks(settings, command)
	after, _ := json.Marshal(settings)
	if bytes.Equal(before, after) {
		fmt.Fprintf(out, "ℹ️  Hooks already installed in %s\n", path)
		return nil
	}
	if err := saveSettings(path, settings); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ Hooks installed to: %s\n\n", path)
	for _, h := range hookEvents {
		fmt.Fprintf(out, "   • %-17s %s hook %s\n", h.event+":", command, h.hook)
	}
	fmt.Fprintln(out, "\n💡 To disable temporarily: XYLEM_HOOKS_DISABLED=true")
	fmt.Fprintln(out, "💡 To remove: xylem install --remove")
	return nil
}

// loadSettings reads a settings file. A missing file is an empty object; an
// unparsable one is an error so it is never overwritten.
func loadSettings(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	settings := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return settings, nil
}

func saveSettings(path string, settings map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// isXylemHook reports whether a hook command runs `xylem hook ...`.
func isXylemHook(command string) bool {
	fields := strings.Fields(command)
	return len(fields) >= 3 && filepath.Base(fields[0]) == "xylem" && fields[1] == "hook"
}

func hookCommand(h interface{}) string {
	m, _ := h.(map[string]interface{})
	c, _ := m["command"].(string)
	return c
}

// installHooks replaces any xylem entries with one group per event.
func installHooks(settings map[string]interface{}, command string) {
	removeHooks(settings)
	hooks, _ := settings["hooks"].(map[string]interface{})
	if hooks == nil {
		hooks = map[string]interface{}{}
		settings["hooks"] = hooks
	}
	for _, h := range hookEvents {
		groups, _ := hooks[h.event].([]interface{})
		hooks[h.event] = append(groups, map[string]interface{}{
			"hooks": []interface{}{
				map[string]interface{}{"type": "command", "command": command + " hook " + h.hook},
			},
		})
	}
}

// removeHooks drops every xylem hook command and the groups and events left
// empty by that. It returns how many commands were removed.
func removeHooks(settings map[string]interface{}) int {
	hooks, _ := settings["hooks"].(map[string]interface{})
	removed := 0
	for event, raw := range hooks {
		groups, ok := raw.([]interface{})
		if !ok {
			continue
		}
		var keptGroups []interface{}
		for _, g := range groups {
			group, ok := g.(map[string]interface{})
			if !ok {
				keptGroups = append(keptGroups, g)
				continue
			}
			entries, _ := group["hooks"].([]interface{})
			var kept []interface{}
			for _, e := range entries {
				if isXylemHook(hookCommand(e)) {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			if len(entries) > 0 && len(kept) == 0 {
				continue
			}
			if len(kept) != len(entries) {
				group["hooks"] = kept
			}
			keptGroups = append(keptGroups, group)
		}
		if len(keptGroups) == 0 {
			delete(hooks, event)
		} else {
			hooks[event] = keptGroups
		}
	}
	if hooks != nil && len(hooks) == 0 {
		delete(settings, "hooks")
	}
	return removed
}

func printHookStatus(out io.Writer, path string, settings map[string]interface{}) {
	fmt.Fprintf(out, "📋 Hooks in %s\n\n", path)
	hooks, _ := settings["hooks"].(map[string]interface{})
	found := false
	for _, h := range hookEvents {
		groups, _ := hooks[h.event].([]interface{})
		for _, g := range groups {
			group, _ := g.(map[string]interface{})
			entries, _ := group["hooks"].([]interface{})
			for _, e := range entries {
				c := hookCommand(e)
				if c == "" {
					continue
				}
				mark := " "
				if isXylemHook(c) {
					mark = "✓"
					found = true
				}
				fmt.Fprintf(out, "  %s %-17s %s\n", mark, h.event+":", c)
			}
		}
	}
	if !found {
		fmt.Fprintln(out, "  xylem hooks are not installed. Run 'xylem install'.")
	}
}
