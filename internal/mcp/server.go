// Package mcp implements the Model Context Protocol server for xylem: the
// explicit tools an assistant calls to save memories, tasks, solutions and
// session summaries, and to pull the assembled project context.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/CanopyHQ/xylem/internal/app"
	"github.com/CanopyHQ/xylem/internal/assemble"
	"github.com/CanopyHQ/xylem/internal/capture"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"go.uber.org/zap"
)

// SourceMCP is the memory source of tool captures.
const SourceMCP = "mcp"

// ProtocolVersion is the MCP revision the server speaks.
const ProtocolVersion = "2024-11-05"

// maxLine bounds one JSON-RPC message.
const maxLine = 4 * 1024 * 1024

var errNoProject = errors.New("no project: pass `project` or start the server inside a project directory")

// Server implements the MCP protocol over stdio
type Server struct {
	app     *app.App
	project string
	dir     string
	version string
	in      io.Reader
	out     io.Writer
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewServer creates a server over a. The default project is resolved from
// the working directory; tools can name another one.
func NewServer(a *app.App, in io.Reader, out io.Writer, version string) *Server {
	s := &Server{
		app:     a,
		version: version,
		in:      in,
		out:     out,
		logger:  a.Logger.Named("mcp"),
	}
	if wd, err := os.Getwd(); err == nil {
		s.project, s.dir, _ = a.Resolver.Resolve(wd)
	}
	return s
}

// SetProject overrides the default project.
func (s *Server) SetProject(key string) {
	s.project = key
	s.dir, _ = s.app.Resolver.Dir(key)
}

// Start serves requests until the input ends or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("MCP server ready", zap.String("project", s.project))

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var request JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &request); err != nil {
			s.sendError(nil, -32700, "Parse error", err.Error())
			continue
		}
		s.handleRequest(ctx, &request)
	}
	return scanner.Err()
}

// handleRequest processes a JSON-RPC request
func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "notifications/initialized":
		// notifications get no response
	case "ping":
		s.sendResult(req.ID, map[string]interface{}{})
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolCall(ctx, req)
	case "resources/list":
		s.handleResourcesList(req)
	case "resources/read":
		s.handleResourceRead(ctx, req)
	case "prompts/list":
		s.handlePromptsList(req)
	case "prompts/get":
		s.handlePromptsGet(ctx, req)
	default:
		if req.ID == nil {
			return
		}
		s.sendError(req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	s.sendResult(req.ID, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
			"prompts":   map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    "xylem",
			"version": s.version,
		},
	})
}

func object(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func stringList(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}

var projectProp = prop("string", "Project key (defaults to the project of the server's working directory)")

// handleToolsList returns available tools
func (s *Server) handleToolsList(req *JSONRPCRequest) {
	tools := []map[string]interface{}{
		{
			"name":        "memory_save",
			"description": "Store a memory for the project. The type is inferred from the text (decision, error, learning, ...), falling back to observation.",
			"inputSchema": object([]string{"content"}, map[string]interface{}{
				"content": prop("string", "The content to remember"),
				"tags":    stringList("Extra tags"),
				"project": projectProp,
			}),
		},
		{
			"name":        "memory_search",
			"description": "Find the project's memories relevant to a query, ranked by the same phases the prompt hook uses.",
			"inputSchema": object([]string{"query"}, map[string]interface{}{
				"query":   prop("string", "What you're looking for"),
				"limit":   prop("integer", "Maximum number of memories (default 5)"),
				"project": projectProp,
			}),
		},
		{
			"name":        "project_init",
			"description": "Describe the project: tech stack, architecture decisions and notes. Enables context tracking.",
			"inputSchema": object(nil, map[string]interface{}{
				"tech_stack": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": map[string]interface{}{"type": "string"},
					"description":          "Component to technology, e.g. {\"frontend\": \"React Native\"}",
				},
				"architecture_decisions": stringList("Key architecture decisions"),
				"notes":                  prop("string", "Anything else worth knowing"),
				"project":                projectProp,
			}),
		},
		{
			"name":        "session_save",
			"description": "Record what this session did and what comes next. Updates the project's current state.",
			"inputSchema": object([]string{"summary"}, map[string]interface{}{
				"summary":        prop("string", "What was done"),
				"status":         prop("string", "Current state of the work (defaults to the summary)"),
				"modified_files": stringList("Files touched"),
				"next_tasks":     stringList("Next steps"),
				"blockers":       prop("string", "What is blocking progress"),
				"verification":   prop("string", "Result of the last build or test run"),
				"project":        projectProp,
			}),
		},
		{
			"name":        "task_add",
			"description": "Track a unit of work.",
			"inputSchema": object([]string{"title"}, map[string]interface{}{
				"title":       prop("string", "Task title"),
				"description": prop("string", "Details"),
				"priority":    prop("integer", "Higher is more urgent (default 0)"),
				"project":     projectProp,
			}),
		},
		{
			"name":        "task_update",
			"description": "Change a task's status.",
			"inputSchema": object([]string{"id", "status"}, map[string]interface{}{
				"id": prop("integer", "Task id"),
				"status": map[string]interface{}{
					"type": "string",
					"enum": []string{memory.TaskPending, memory.TaskInProgress, memory.TaskDone, memory.TaskBlocked},
				},
			}),
		},
		{
			"name":        "solution_save",
			"description": "Record how an error was fixed so it surfaces next time.",
			"inputSchema": object([]string{"error_signature", "solution"}, map[string]interface{}{
				"error_signature": prop("string", "The error message or a recognizable part of it"),
				"solution":        prop("string", "What fixed it"),
				"project":         projectProp,
			}),
		},
		{
			"name":        "context_get",
			"description": "Return the assembled project context. With a query, returns the turn context for it.",
			"inputSchema": object(nil, map[string]interface{}{
				"query":   prop("string", "Optional turn text"),
				"project": projectProp,
			}),
		},
	}

	s.sendResult(req.ID, map[string]interface{}{"tools": tools})
}

// textResult is returned as-is instead of JSON.
type textResult string

// handleToolCall executes a tool
func (s *Server) handleToolCall(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	var result interface{}
	var err error

	switch params.Name {
	case "memory_save":
		result, err = s.toolMemorySave(ctx, params.Arguments)
	case "memory_search":
		result, err = s.toolMemorySearch(ctx, params.Arguments)
	case "project_init":
		result, err = s.toolProjectInit(ctx, params.Arguments)
	case "session_save":
		result, err = s.toolSessionSave(ctx, params.Arguments)
	case "task_add":
		result, err = s.toolTaskAdd(ctx, params.Arguments)
	case "task_update":
		result, err = s.toolTaskUpdate(ctx, params.Arguments)
	case "solution_save":
		result, err = s.toolSolutionSave(ctx, params.Arguments)
	case "context_get":
		result, err = s.toolContextGet(ctx, params.Arguments)
	default:
		s.sendError(req.ID, -32602, "Unknown tool", params.Name)
		return
	}

	if err != nil {
		s.logger.Debug("tool failed", zap.String("tool", params.Name), zap.Error(err))
		s.sendResult(req.ID, map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": fmt.Sprintf("Error: %v", err)},
			},
			"isError": true,
		})
		return
	}

	var text string
	if t, ok := result.(textResult); ok {
		text = string(t)
	} else {
		data, _ := json.MarshalIndent(result, "", "  ")
		text = string(data)
	}
	s.sendResult(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": text},
		},
	})
}

// ============================================================================
// Argument helpers
// ============================================================================

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func intArg(args map[string]interface{}, key string, def int) int {
	// JSON numbers decode as float64
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func stringsArg(args map[string]interface{}, key string) []string {
	raw, _ := args[key].([]interface{})
	var out []string
	for _, r := range raw {
		if s, ok := r.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func (s *Server) projectArg(args map[string]interface{}) (key, dir string, err error) {
	if p := stringArg(args, "project"); p != "" {
		dir, _ := s.app.Resolver.Dir(p)
		return p, dir, nil
	}
	if s.project == "" {
		return "", "", errNoProject
	}
	return s.project, s.dir, nil
}

// ============================================================================
// Tool implementations
// ============================================================================

func (s *Server) toolMemorySave(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	content := stringArg(args, "content")
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	project, _, err := s.projectArg(args)
	if err != nil {
		return nil, err
	}

	res := s.app.Capture.Remember(ctx, project, content, stringsArg(args, "tags"), SourceMCP)
	switch res.Outcome {
	case capture.Failed:
		return nil, res.Err
	case capture.Duplicate:
		return map[string]interface{}{"status": string(res.Outcome), "type": res.Reason, "project": project}, nil
	case capture.Stored:
		return map[string]interface{}{
			"status":     string(res.Outcome),
			"id":         res.Memory.ID,
			"type":       res.Memory.Type,
			"importance": res.Memory.Importance,
			"tags":       res.Memory.Tags,
			"project":    project,
		}, nil
	default:
		return map[string]interface{}{"status": string(res.Outcome), "reason": res.Reason}, nil
	}
}

func (s *Server) toolMemorySearch(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := stringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	project, dir, err := s.projectArg(args)
	if err != nil {
		return nil, err
	}
	limit := intArg(args, "limit", 5)

	profile := retrieval.TurnProfile()
	if limit > profile.Cap {
		profile = retrieval.SessionProfile()
	}
	ranked, err := s.app.Retrieve(ctx, project, dir, query, profile)
	if err != nil && len(ranked) == 0 {
		return nil, err
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	results := make([]map[string]interface{}, len(ranked))
	for i, r := range ranked {
		results[i] = map[string]interface{}{
			"id":         r.Memory.ID,
			"content":    r.Memory.Text(),
			"type":       r.Memory.Type,
			"tags":       r.Memory.Tags,
			"importance": r.Memory.Importance,
			"project":    r.Memory.Project,
			"phase":      string(r.Phase),
			"created_at": r.Memory.CreatedAt.Format(time.RFC3339),
		}
	}
	return map[string]interface{}{
		"query":    query,
		"count":    len(results),
		"memories": results,
	}, nil
}

func (s *Server) toolProjectInit(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	project, _, err := s.projectArg(args)
	if err != nil {
		return nil, err
	}
	stack := map[string]string{}
	if raw, ok := args["tech_stack"].(map[string]interface{}); ok {
		for k, v := range raw {
			if sv, ok := v.(string); ok {
				stack[k] = sv
			}
		}
	}
	fc := memory.FixedContext{
		Project:               project,
		TechStack:             stack,
		ArchitectureDecisions: stringsArg(args, "architecture_decisions"),
		Notes:                 stringArg(args, "notes"),
	}
	if err := s.app.Store.SaveFixedContext(ctx, fc); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "initialized", "project": project}, nil
}

func (s *Server) toolSessionSave(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	summary := stringArg(args, "summary")
	if summary == "" {
		return nil, fmt.Errorf("summary is required")
	}
	project, _, err := s.projectArg(args)
	if err != nil {
		return nil, err
	}
	status := stringArg(args, "status")
	files := stringsArg(args, "modified_files")

	sess, err := s.app.Store.AddSession(ctx, memory.Session{
		Project:       project,
		Summary:       summary,
		Status:        status,
		ModifiedFiles: files,
		NextTasks:     stringsArg(args, "next_tasks"),
	})
	if err != nil {
		return nil, err
	}

	if status == "" {
		status = summary
	}
	ac := memory.ActiveContext{
		Project:          project,
		CurrentState:     status,
		RecentFiles:      files,
		Blockers:         stringArg(args, "blockers"),
		LastVerification: stringArg(args, "verification"),
	}
	if err := s.app.Store.UpsertActiveContext(ctx, ac); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "saved", "session_id": sess.ID, "project": project}, nil
}

func (s *Server) toolTaskAdd(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	title := stringArg(args, "title")
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	project, _, err := s.projectArg(args)
	if err != nil {
		return nil, err
	}
	task, err := s.app.Store.AddTask(ctx, memory.Task{
		Project:     project,
		Title:       title,
		Description: stringArg(args, "description"),
		Priority:    intArg(args, "priority", 0),
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Server) toolTaskUpdate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := intArg(args, "id", 0)
	if id <= 0 {
		return nil, fmt.Errorf("id is required")
	}
	status := stringArg(args, "status")
	switch status {
	case memory.TaskPending, memory.TaskInProgress, memory.TaskDone, memory.TaskBlocked:
	default:
		return nil, fmt.Errorf("invalid status %q", status)
	}
	if err := s.app.Store.UpdateTaskStatus(ctx, int64(id), status); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil, fmt.Errorf("task %d not found", id)
		}
		return nil, err
	}
	return map[string]interface{}{"status": "updated", "id": id, "task_status": status}, nil
}

func (s *Server) toolSolutionSave(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	project, _, err := s.projectArg(args)
	if err != nil {
		return nil, err
	}
	sol, err := s.app.Store.AddSolution(ctx, memory.Solution{
		Project:        project,
		ErrorSignature: stringArg(args, "error_signature"),
		Solution:       stringArg(args, "solution"),
	})
	if err != nil {
		return nil, err
	}
	return sol, nil
}

func (s *Server) toolContextGet(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	project, dir, err := s.projectArg(args)
	if err != nil {
		return nil, err
	}
	text, err := s.context(ctx, project, dir, stringArg(args, "query"))
	if err != nil {
		return nil, err
	}
	return textResult(text), nil
}

// context renders the session context, or the turn context when query is
// set. Partial retrieval failures still render.
func (s *Server) context(ctx context.Context, project, dir, query string) (string, error) {
	kind, profile := assemble.KindSession, retrieval.SessionProfile()
	if query != "" {
		kind, profile = assemble.KindTurn, retrieval.TurnProfile()
	}
	ranked, err := s.app.Retrieve(ctx, project, dir, query, profile)
	if err != nil {
		s.logger.Warn("retrieval incomplete", zap.Error(err))
	}
	return s.app.Render(ctx, kind, project, ranked)
}

// ============================================================================
// Resources and prompts
// ============================================================================

const (
	resourceSession = "xylem://context/session"
	resourceStats   = "xylem://stats"
)

// handleResourcesList returns available resources
func (s *Server) handleResourcesList(req *JSONRPCRequest) {
	resources := []map[string]interface{}{
		{
			"uri":         resourceSession,
			"name":        "Session Context",
			"description": "The assembled context of the default project",
			"mimeType":    "text/markdown",
		},
		{
			"uri":         resourceStats,
			"name":        "Store Statistics",
			"description": "Row counts per table and memories per project",
			"mimeType":    "application/json",
		},
	}
	s.sendResult(req.ID, map[string]interface{}{"resources": resources})
}

// handleResourceRead reads a resource
func (s *Server) handleResourceRead(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	var text, mimeType string
	switch params.URI {
	case resourceSession:
		if s.project == "" {
			s.sendError(req.ID, -32603, "Internal error", errNoProject.Error())
			return
		}
		md, err := s.context(ctx, s.project, s.dir, "")
		if err != nil {
			s.logger.Warn("context incomplete", zap.Error(err))
		}
		text, mimeType = md, "text/markdown"
	case resourceStats:
		tables, err := s.app.Store.TableCounts(ctx)
		if err != nil {
			s.sendError(req.ID, -32603, "Internal error", err.Error())
			return
		}
		projects, err := s.app.Store.ProjectCounts(ctx)
		if err != nil {
			s.sendError(req.ID, -32603, "Internal error", err.Error())
			return
		}
		data, _ := json.MarshalIndent(map[string]interface{}{"tables": tables, "projects": projects}, "", "  ")
		text, mimeType = string(data), "application/json"
	default:
		s.sendError(req.ID, -32602, "Unknown resource", params.URI)
		return
	}

	s.sendResult(req.ID, map[string]interface{}{
		"contents": []map[string]interface{}{
			{"uri": params.URI, "mimeType": mimeType, "text": text},
		},
	})
}

// handlePromptsList returns available prompts
func (s *Server) handlePromptsList(req *JSONRPCRequest) {
	prompts := []map[string]interface{}{
		{
			"name":        "with_memory",
			"description": "Enhance your prompt with relevant project memories",
			"arguments": []map[string]interface{}{
				{"name": "query", "description": "Your current task or question", "required": true},
			},
		},
	}
	s.sendResult(req.ID, map[string]interface{}{"prompts": prompts})
}

// handlePromptsGet returns a prompt with the turn context prepended
func (s *Server) handlePromptsGet(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	if params.Name != "with_memory" {
		s.sendError(req.ID, -32602, "Unknown prompt", params.Name)
		return
	}
	query := strings.TrimSpace(params.Arguments["query"])
	if query == "" {
		s.sendError(req.ID, -32602, "Missing required argument", "query")
		return
	}

	text := query
	if s.project != "" {
		if block, err := s.context(ctx, s.project, s.dir, query); err == nil || block != "" {
			text = block + "\n" + query
		}
	}
	s.sendResult(req.ID, map[string]interface{}{
		"description": "Query enhanced with relevant memories",
		"messages": []map[string]interface{}{
			{
				"role":    "user",
				"content": map[string]interface{}{"type": "text", "text": text},
			},
		},
	})
}

// ============================================================================
// JSON-RPC types and helpers
// ============================================================================

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (s *Server) send(resp JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, string(data))
}

func (s *Server) sendResult(id interface{}, result interface{}) {
	s.send(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id interface{}, code int, message, data string) {
	s.send(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}
