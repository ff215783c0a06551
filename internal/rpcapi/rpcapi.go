// Package rpcapi implements the JSON-RPC 2.0 surface exposed at POST /rpc:
// a bearer-token-gated, noun/verb method dispatch table where long-running
// methods accept immediately and finish in the background via the job
// layer, and everything else runs synchronously.
package rpcapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/orchestra-systems/orchestrator/internal/alerts"
	"github.com/orchestra-systems/orchestrator/internal/autonomous"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/jobs"
	"github.com/orchestra-systems/orchestrator/internal/lifecycle"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/merge"
	"github.com/orchestra-systems/orchestrator/internal/scheduler"
)

// JSON-RPC 2.0 error codes.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeApplicationErr = -32000
)

// request is a single JSON-RPC 2.0 call. Batched requests are not
// supported; every call this surface exposes is a single round trip.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// acceptedResult is returned immediately by an async method while its work
// continues in the job layer.
type acceptedResult struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"jobId"`
}

// MethodFunc handles one method's params and returns its synchronous
// result, or the value an async method's job will resolve to.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// MethodEntry is one registered method: its handler and whether it is
// dispatched through the job layer rather than run synchronously.
type MethodEntry struct {
	Handle MethodFunc
	Async  bool
}

// Handler serves POST /rpc. It is a plain http.Handler, mounted by the HTTP
// server package the same way internal/webhook's Router is mounted.
type Handler struct {
	bearerToken string
	jobs        *jobs.Registry
	logger      *logging.Logger
	methods     map[string]MethodEntry
}

// Config groups Handler's collaborators. Any collaborator may be nil; the
// methods it would back simply are not registered.
type Config struct {
	BearerToken string // empty disables the gate
	Jobs        *jobs.Registry
	Autonomous  *autonomous.Orchestrator
	Fixer       *fixloop.FixLoop
	Lifecycle   *lifecycle.Orchestrator
	Alerts      *alerts.Manager
	Queue       *merge.Queue
	Scheduler   *scheduler.Scheduler
	Logger      *logging.Logger
}

// BuildMethods constructs the noun/verb method table from cfg's available
// collaborators. Shared by the JSON-RPC surface and the chat-tool surface
// (internal/mcpapi) so both dispatch through identical domain operations
// rather than keeping two tables in sync by hand.
func BuildMethods(cfg Config) map[string]MethodEntry {
	methods := make(map[string]MethodEntry)

	if cfg.Autonomous != nil {
		methods["task/start"] = MethodEntry{Async: true, Handle: taskStartHandler(cfg.Autonomous)}
	}
	if cfg.Fixer != nil {
		methods["verify/run"] = MethodEntry{Async: true, Handle: verifyRunHandler(cfg.Fixer)}
	}
	if cfg.Lifecycle != nil {
		methods["mutation/run"] = MethodEntry{Async: true, Handle: mutationRunHandler(cfg.Lifecycle)}
	}
	if cfg.Alerts != nil {
		methods["alert/send"] = MethodEntry{Handle: alertSendHandler(cfg.Alerts)}
	}
	if cfg.Queue != nil {
		methods["merge/enqueue"] = MethodEntry{Handle: mergeEnqueueHandler(cfg.Queue)}
	}
	if cfg.Scheduler != nil {
		methods["scheduler/start"] = MethodEntry{Handle: schedulerStartHandler(cfg.Scheduler)}
		methods["scheduler/trigger"] = MethodEntry{Handle: schedulerTriggerHandler(cfg.Scheduler)}
	}
	if cfg.Jobs != nil {
		methods["job/get"] = MethodEntry{Handle: jobGetHandler(cfg.Jobs)}
	}

	return methods
}

// New constructs a Handler, registering one method per available
// collaborator.
func New(cfg Config) *Handler {
	return &Handler{
		bearerToken: cfg.BearerToken,
		jobs:        cfg.Jobs,
		logger:      cfg.Logger,
		methods:     BuildMethods(cfg),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.bearerToken != "" && !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "malformed JSON-RPC request"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "request must set jsonrpc=\"2.0\" and a method"}})
		return
	}

	entry, ok := h.methods[req.Method]
	if !ok {
		writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + req.Method}})
		return
	}

	if entry.Async {
		jobID, err := h.jobs.Submit(context.Background(), req.Method, func(ctx context.Context) (any, error) {
			return entry.Handle(ctx, req.Params)
		})
		if err != nil {
			writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeApplicationErr, Message: err.Error()}})
			return
		}
		writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Result: acceptedResult{Accepted: true, JobID: jobID}})
		return
	}

	result, err := entry.Handle(r.Context(), req.Params)
	if err != nil {
		h.log("rpc method failed", "method", req.Method, "error", err.Error())
		writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeApplicationErr, Message: err.Error()}})
		return
	}
	writeJSON(w, response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (h *Handler) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.bearerToken)) == 1
}

func (h *Handler) log(msg string, args ...any) {
	if h.logger != nil {
		h.logger.Info(msg, args...)
	}
}

func writeJSON(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK) // JSON-RPC reports errors in-body, not via HTTP status
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// --- method handlers ---

type taskStartParams struct {
	TaskID           core.TaskID `json:"taskId"`
	Branch           string      `json:"branch"`
	Objective        string      `json:"objective"`
	MaxPhaseFixes    int         `json:"maxPhaseFixes"`
	QualityThreshold float64     `json:"qualityThreshold"`
	AutoCommit       bool        `json:"autoCommit"`
	AutoPR           bool        `json:"autoPR"`
	AutoReview       bool        `json:"autoReview"`
	BaseBranch       string      `json:"baseBranch"`
}

func taskStartHandler(o *autonomous.Orchestrator) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p taskStartParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, core.NewInvalidInput("bad_params", err.Error())
		}
		return o.StartRun(ctx, autonomous.Params{
			TaskID: p.TaskID, Branch: p.Branch, Objective: p.Objective,
			MaxPhaseFixes: p.MaxPhaseFixes, QualityThreshold: p.QualityThreshold,
			AutoCommit: p.AutoCommit, AutoPR: p.AutoPR, AutoReview: p.AutoReview,
			BaseBranch: p.BaseBranch,
		})
	}
}

type verifyRunParams struct {
	TaskID   core.TaskID `json:"taskId"`
	ThreadID string      `json:"threadId"`
}

func verifyRunHandler(f *fixloop.FixLoop) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p verifyRunParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, core.NewInvalidInput("bad_params", err.Error())
		}
		return f.FixUntilGreen(ctx, p.TaskID, p.ThreadID)
	}
}

type mutationRunParams struct {
	TaskID core.TaskID `json:"taskId"`
	Branch string      `json:"branch"`
	Prompt string      `json:"prompt"`
}

func mutationRunHandler(o *lifecycle.Orchestrator) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p mutationRunParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, core.NewInvalidInput("bad_params", err.Error())
		}
		return o.RunMutation(ctx, p.TaskID, p.Branch, p.Prompt)
	}
}

type alertSendParams struct {
	Severity string         `json:"severity"`
	Source   string         `json:"source"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func alertSendHandler(m *alerts.Manager) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p alertSendParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, core.NewInvalidInput("bad_params", err.Error())
		}
		event := m.SendAlert(ctx, alerts.Severity(p.Severity), p.Source, p.Title, p.Message, p.Metadata)
		return event, nil
	}
}

type mergeEnqueueParams struct {
	TaskID   core.TaskID `json:"taskId"`
	Branch   string      `json:"branch"`
	PRNumber int         `json:"prNumber"`
	Priority int         `json:"priority"`
}

func mergeEnqueueHandler(q *merge.Queue) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p mergeEnqueueParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, core.NewInvalidInput("bad_params", err.Error())
		}
		return q.Enqueue(p.TaskID, p.Branch, p.PRNumber, p.Priority)
	}
}

func schedulerStartHandler(s *scheduler.Scheduler) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		if err := s.Start(); err != nil {
			return nil, err
		}
		return map[string]bool{"started": true}, nil
	}
}

type schedulerTriggerParams struct {
	Name string `json:"name"`
}

func schedulerTriggerHandler(s *scheduler.Scheduler) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p schedulerTriggerParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, core.NewInvalidInput("bad_params", err.Error())
		}
		if err := s.TriggerJob(ctx, p.Name); err != nil {
			return nil, err
		}
		return map[string]bool{"triggered": true}, nil
	}
}

type jobGetParams struct {
	ID string `json:"id"`
}

func jobGetHandler(r *jobs.Registry) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p jobGetParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, core.NewInvalidInput("bad_params", err.Error())
		}
		return r.GetJob(p.ID)
	}
}
