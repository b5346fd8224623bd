// Package transcript reads assistant session transcripts (JSONL, one event
// per line) and replays their turns through the capture pipeline.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/CanopyHQ/xylem/internal/capture"
)

// Role is who spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SourceTranscript is the memory source of transcript captures.
const SourceTranscript = "transcript"

// Turn is one user or assistant message with its text blocks joined.
type Turn struct {
	Role      Role
	Text      string
	SessionID string
	Timestamp time.Time
}

type event struct {
	Type      string          `json:"type"`
	IsMeta    bool            `json:"isMeta"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Read parses a transcript. Lines that are not user or assistant messages,
// meta entries, and entries without text (tool calls and results) are
// skipped. Malformed lines are counted in bad and skipped too.
func Read(r io.Reader) (turns []Turn, bad int, err error) {
	scanner := bufio.NewScanner(r)
	// Assistant turns with large code blocks exceed the default 64KB.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			bad++
			continue
		}
		if ev.IsMeta || (ev.Type != string(RoleUser) && ev.Type != string(RoleAssistant)) || len(ev.Message) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			bad++
			continue
		}
		text := contentText(msg.Content)
		if text == "" {
			continue
		}
		role := Role(msg.Role)
		if role == "" {
			role = Role(ev.Type)
		}
		turns = append(turns, Turn{Role: role, Text: text, SessionID: ev.SessionID, Timestamp: ev.Timestamp})
	}
	if err := scanner.Err(); err != nil {
		return turns, bad, fmt.Errorf("failed to read transcript: %w", err)
	}
	return turns, bad, nil
}

// contentText accepts a plain string or an array of content blocks and joins
// the text blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var blocks []block
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n\n")
}

// ReadFile parses the transcript at path.
func ReadFile(path string) ([]Turn, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// LastAssistantText returns the text of the final assistant turn.
func LastAssistantText(turns []Turn) (string, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleAssistant {
			return turns[i].Text, true
		}
	}
	return "", false
}

// ImportResult summarizes a replay.
type ImportResult struct {
	TurnsProcessed  int
	MemoriesCreated int
	Duplicates      int
	Skipped         int
	Errors          []string
	Duration        time.Duration
}

// Importer replays transcripts through a capture pipeline.
type Importer struct {
	pipeline *capture.Pipeline
}

// NewImporter creates an Importer.
func NewImporter(p *capture.Pipeline) *Importer {
	return &Importer{pipeline: p}
}

// ImportFile captures every user and assistant turn of the transcript at
// path into project. Dedup makes a second import of the same file a no-op.
func (i *Importer) ImportFile(ctx context.Context, project, path string) (*ImportResult, error) {
	start := time.Now()
	turns, bad, err := ReadFile(path)
	if err != nil && len(turns) == 0 {
		return nil, err
	}
	result := &ImportResult{}
	if bad > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("%d malformed lines skipped", bad))
	}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	for _, t := range turns {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.TurnsProcessed++
		res := i.pipeline.Conversation(ctx, project, t.Text, SourceTranscript)
		switch res.Outcome {
		case capture.Stored:
			result.MemoriesCreated++
		case capture.Duplicate:
			result.Duplicates++
		case capture.Failed:
			result.Errors = append(result.Errors, fmt.Sprintf("%s turn: %v", t.Role, res.Err))
		default:
			result.Skipped++
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}
