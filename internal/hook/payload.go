package hook

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Payload is the descriptor an assistant passes to a hook on stdin.
type Payload struct {
	CWD            string `json:"cwd"`
	Prompt         string `json:"prompt"`
	TranscriptPath string `json:"transcript_path"`
	HookEventName  string `json:"hook_event_name"`
	SessionID      string `json:"session_id"`
}

// ParsePayload accepts a JSON descriptor or raw turn text. Anything that is
// not a JSON object becomes the prompt.
func ParsePayload(data []byte) Payload {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p Payload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			p.Prompt = strings.TrimSpace(p.Prompt)
			return p
		}
	}
	return Payload{Prompt: string(trimmed)}
}
