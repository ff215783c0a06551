// Package mcpapi implements the chat-tool surface: POST /mcp exposing the
// same capability set as internal/rpcapi's JSON-RPC methods as named tools
// with declared parameter schemas, gated by either the shared bearer token
// or an OAuth 2.1 access token issued by OAuthServer.
package mcpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/orchestra-systems/orchestrator/internal/jobs"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/rpcapi"
)

const protocolVersion = "2024-11-05"

// tool is one declared chat tool, matching the shape chat-tool clients
// expect from a tools/list response.
type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolDescriptions declares the parameter schema for every method
// internal/rpcapi can register. Only methods whose collaborator was wired
// in Config end up in a given Handler's catalog.
var toolDescriptions = map[string]tool{
	"task/start": {
		Name: "task_start", Description: "Start an autonomous run that plans, implements, verifies, and opens a PR for one task.",
		InputSchema: schema(map[string]string{
			"taskId": "string", "branch": "string", "objective": "string",
			"maxPhaseFixes": "integer", "qualityThreshold": "number",
			"autoCommit": "boolean", "autoPR": "boolean", "autoReview": "boolean", "baseBranch": "string",
		}, "taskId", "branch", "objective"),
	},
	"verify/run": {
		Name: "verify_run", Description: "Run the verify-and-fix loop for a task's in-progress thread until it passes or exhausts its iteration budget.",
		InputSchema: schema(map[string]string{"taskId": "string", "threadId": "string"}, "taskId", "threadId"),
	},
	"mutation/run": {
		Name: "mutation_run", Description: "Drive one task through mutate, verify, commit, and pull-request creation for a single implementation turn.",
		InputSchema: schema(map[string]string{"taskId": "string", "branch": "string", "prompt": "string"}, "taskId", "branch", "prompt"),
	},
	"alert/send": {
		Name: "alert_send", Description: "Dispatch an alert to every configured notification channel.",
		InputSchema: schema(map[string]string{"severity": "string", "source": "string", "title": "string", "message": "string"}, "severity", "source", "title", "message"),
	},
	"merge/enqueue": {
		Name: "merge_enqueue", Description: "Add a pull request to the automerge queue.",
		InputSchema: schema(map[string]string{"taskId": "string", "branch": "string", "prNumber": "integer", "priority": "integer"}, "taskId", "branch", "prNumber"),
	},
	"scheduler/start": {
		Name: "scheduler_start", Description: "Start the periodic job scheduler.",
		InputSchema: schema(nil),
	},
	"scheduler/trigger": {
		Name: "scheduler_trigger", Description: "Force an immediate run of a named scheduled job.",
		InputSchema: schema(map[string]string{"name": "string"}, "name"),
	},
	"job/get": {
		Name: "job_get", Description: "Retrieve the status and result of a previously submitted asynchronous job.",
		InputSchema: schema(map[string]string{"id": "string"}, "id"),
	},
}

func schema(properties map[string]string, required ...string) map[string]any {
	props := make(map[string]any, len(properties))
	for name, typ := range properties {
		props[name] = map[string]string{"type": typ}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// entry pairs a tool's declared schema with the domain operation backing
// it, keyed by tool name (the rpcapi method name with "/" replaced by "_").
type entry struct {
	tool tool
	rpc  rpcapi.MethodEntry
}

// Handler serves POST /mcp.
type Handler struct {
	bearerToken string
	tokens      *TokenManager
	jobs        *jobs.Registry
	logger      *logging.Logger
	tools       map[string]entry
}

// Config groups Handler's collaborators. Methods is reused verbatim from
// internal/rpcapi.Config so both surfaces dispatch through identical
// domain operations.
type Config struct {
	BearerToken string
	Tokens      *TokenManager // nil disables OAuth bearer tokens; static BearerToken still works
	Methods     rpcapi.Config
	Logger      *logging.Logger
}

// New constructs a Handler, declaring one tool per rpcapi method its
// Config.Methods collaborators make available.
func New(cfg Config) *Handler {
	h := &Handler{
		bearerToken: cfg.BearerToken,
		tokens:      cfg.Tokens,
		jobs:        cfg.Methods.Jobs,
		logger:      cfg.Logger,
		tools:       make(map[string]entry),
	}
	for method, rpcEntry := range rpcapi.BuildMethods(cfg.Methods) {
		decl, ok := toolDescriptions[method]
		if !ok {
			continue
		}
		h.tools[decl.Name] = entry{tool: decl, rpc: rpcEntry}
	}
	return h
}

type mcpRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if (h.bearerToken != "" || h.tokens != nil) && !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req mcpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMCP(w, mcpResponse{JSONRPC: "2.0", Error: &mcpError{Code: -32600, Message: "malformed request"}})
		return
	}

	switch req.Method {
	case "initialize":
		writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]string{"name": "orchestrator", "version": protocolVersion},
		}})
	case "tools/list":
		writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": h.toolList()}})
	case "tools/call":
		h.handleToolCall(w, r.Context(), req)
	default:
		writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Error: &mcpError{Code: -32601, Message: "unknown method: " + req.Method}})
	}
}

func (h *Handler) toolList() []tool {
	list := make([]tool, 0, len(h.tools))
	for _, e := range h.tools {
		list = append(list, e.tool)
	}
	return list
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) handleToolCall(w http.ResponseWriter, ctx context.Context, req mcpRequest) {
	var call toolCallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Error: &mcpError{Code: -32600, Message: "malformed tool call"}})
		return
	}
	e, ok := h.tools[call.Name]
	if !ok {
		writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Error: &mcpError{Code: -32601, Message: "unknown tool: " + call.Name}})
		return
	}

	if e.rpc.Async {
		jobID, err := h.jobs.Submit(context.Background(), call.Name, func(ctx context.Context) (any, error) {
			return e.rpc.Handle(ctx, call.Arguments)
		})
		if err != nil {
			writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Error: &mcpError{Code: -32000, Message: err.Error()}})
			return
		}
		writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Result: toolResult(map[string]any{"accepted": true, "jobId": jobID})})
		return
	}

	result, err := e.rpc.Handle(ctx, call.Arguments)
	if err != nil {
		h.log("mcp tool call failed", "tool", call.Name, "error", err.Error())
		writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Error: &mcpError{Code: -32000, Message: err.Error()}})
		return
	}
	writeMCP(w, mcpResponse{JSONRPC: "2.0", ID: req.ID, Result: toolResult(result)})
}

// toolResult wraps a tool's return value in the text-content envelope chat
// clients expect from a tools/call response.
func toolResult(v any) map[string]any {
	encoded, err := json.Marshal(v)
	if err != nil {
		encoded = []byte(`null`)
	}
	return map[string]any{
		"content": []map[string]string{{"type": "text", "text": string(encoded)}},
		"isError": false,
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)

	if h.bearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.bearerToken)) == 1 {
		return true
	}
	if h.tokens != nil {
		if _, err := h.tokens.ParseAccessToken(token); err == nil {
			return true
		}
	}
	return false
}

func (h *Handler) log(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Info(msg, args...)
	}
}

func writeMCP(w http.ResponseWriter, resp mcpResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
