// Package webhook implements the WebhookRouter: the signed GitHub inbound
// endpoint that turns push/PR/review/check/issue events into lifecycle
// actions.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/jobs"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
)

const (
	maxBodyBytes  = 256 * 1024
	auditCapacity = 1000
)

// codexCommandPattern extracts the argument of a `/codex <cmd>` slash
// command from a comment body, one per line.
var codexCommandPattern = regexp.MustCompile(`(?m)^/codex (.+)$`)

// AuditEntry is one processed delivery, retained in a capped FIFO log.
type AuditEntry struct {
	DeliveryID string    `json:"delivery_id"`
	Event      string    `json:"event"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// CheckRun is one recorded check_suite/check_run completion against a task.
type CheckRun struct {
	TaskID     core.TaskID `json:"task_id"`
	Name       string      `json:"name"`
	Conclusion string      `json:"conclusion"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Router handles the single POST /webhooks/github endpoint.
type Router struct {
	secret     string
	registry   *tasks.Registry
	dispatcher *dispatch.Dispatcher
	fixer      *fixloop.FixLoop
	jobs       *jobs.Registry
	host       hostclient.Client
	logger     *logging.Logger

	deliverySeq atomic.Uint64

	mu        sync.Mutex
	audit     []AuditEntry
	checkRuns []CheckRun
}

// Config groups the Router's collaborators.
type Config struct {
	Secret     string // empty disables signature verification
	Registry   *tasks.Registry
	Dispatcher *dispatch.Dispatcher
	Fixer      *fixloop.FixLoop
	Jobs       *jobs.Registry
	Host       hostclient.Client
	Logger     *logging.Logger
}

// New constructs a Router.
func New(cfg Config) *Router {
	return &Router{
		secret:     cfg.Secret,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		fixer:      cfg.Fixer,
		jobs:       cfg.Jobs,
		host:       cfg.Host,
		logger:     cfg.Logger,
	}
}

// ServeHTTP implements http.Handler for POST /webhooks/github.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventType := req.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	if r.secret != "" && !r.verifySignature(req.Header.Get("X-Hub-Signature-256"), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	deliveryID := req.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = fmt.Sprintf("delivery-%d", r.deliverySeq.Add(1))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"deliveryId": deliveryID})

	go r.process(context.Background(), deliveryID, eventType, payload)
}

func (r *Router) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(r.secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// process routes a validated delivery to the action for its event type.
func (r *Router) process(ctx context.Context, deliveryID, eventType string, payload map[string]json.RawMessage) {
	var message string
	switch eventType {
	case "push":
		message = r.handlePush(ctx, payload)
	case "pull_request":
		message = r.handlePullRequest(ctx, payload)
	case "pull_request_review":
		message = "pull request review received; audited only"
	case "check_suite", "check_run":
		message = r.handleCheck(eventType, payload)
	case "issues":
		message = r.handleIssue(ctx, payload)
	case "issue_comment":
		message = r.handleIssueComment(ctx, payload)
	default:
		message = fmt.Sprintf("no route for event %q; audited only", eventType)
	}
	r.recordAudit(AuditEntry{DeliveryID: deliveryID, Event: eventType, Message: message, Timestamp: time.Now()})
	r.log("webhook processed", "delivery_id", deliveryID, "event", eventType)
}

func branchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func (r *Router) handlePush(ctx context.Context, payload map[string]json.RawMessage) string {
	var body struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(payload["ref"], &body.Ref); err != nil {
		return "push event had no ref"
	}
	branch := branchFromRef(body.Ref)

	task, ok := r.registry.GetTaskByBranch(branch)
	if !ok {
		return fmt.Sprintf("push to %s - no task tracks this branch", branch)
	}

	if r.jobs != nil && r.fixer != nil {
		taskID, threadID := task.ID, task.ThreadID
		_, _ = r.jobs.Submit(ctx, "verify.run", func(ctx context.Context) (any, error) {
			return r.fixer.FixUntilGreen(ctx, taskID, threadID)
		})
	}
	return fmt.Sprintf("push to %s - triggered verify for task %s", branch, task.ID)
}

func (r *Router) handlePullRequest(ctx context.Context, payload map[string]json.RawMessage) string {
	var action string
	_ = json.Unmarshal(payload["action"], &action)
	if action != "opened" && action != "synchronize" {
		return fmt.Sprintf("pull_request action %q ignored", action)
	}

	var pr struct {
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Number int `json:"number"`
	}
	if raw, ok := payload["pull_request"]; ok {
		_ = json.Unmarshal(raw, &pr)
	}

	task, ok := r.registry.GetTaskByBranch(pr.Head.Ref)
	if !ok {
		return fmt.Sprintf("pull_request %s for %s - no task tracks this branch", action, pr.Head.Ref)
	}

	if r.jobs != nil && r.host != nil {
		_, _ = r.jobs.Submit(ctx, "review.run", func(ctx context.Context) (any, error) {
			return nil, r.host.PostComment(ctx, pr.Number, "Automated review queued after "+action+".")
		})
	}
	return fmt.Sprintf("pull_request %s on %s - triggered review for task %s", action, pr.Head.Ref, task.ID)
}

func (r *Router) handleCheck(eventType string, payload map[string]json.RawMessage) string {
	var status string
	key := "check_suite"
	if eventType == "check_run" {
		key = "check_run"
	}
	if raw, ok := payload[key]; ok {
		var body struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
			HeadBranch string `json:"head_branch"`
			Name       string `json:"name"`
		}
		_ = json.Unmarshal(raw, &body)
		status = body.Status
		if status != "completed" {
			return fmt.Sprintf("%s not yet completed (status %q); ignored", eventType, status)
		}
		task, ok := r.registry.GetTaskByBranch(body.HeadBranch)
		if !ok {
			return fmt.Sprintf("%s completed on %s - no task tracks this branch", eventType, body.HeadBranch)
		}
		r.recordCheckRun(CheckRun{TaskID: task.ID, Name: body.Name, Conclusion: body.Conclusion, Timestamp: time.Now()})
		return fmt.Sprintf("%s completed (%s) - recorded for task %s", eventType, body.Conclusion, task.ID)
	}
	return fmt.Sprintf("%s payload missing %s object", eventType, key)
}

func (r *Router) handleIssue(ctx context.Context, payload map[string]json.RawMessage) string {
	var action string
	_ = json.Unmarshal(payload["action"], &action)
	if action != "opened" {
		return fmt.Sprintf("issues action %q ignored", action)
	}

	var issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	}
	if raw, ok := payload["issue"]; ok {
		_ = json.Unmarshal(raw, &issue)
	}

	if r.jobs == nil || r.dispatcher == nil {
		return fmt.Sprintf("issue #%d opened - triage skipped, no dispatcher configured", issue.Number)
	}

	_, _ = r.jobs.Submit(ctx, "issue.triage", func(ctx context.Context) (any, error) {
		threadID, err := r.dispatcher.StartThread(ctx, "")
		if err != nil {
			return nil, err
		}
		prompt := fmt.Sprintf(
			"Triage this issue. Classify it (bug/feature/question), suggest labels, and estimate complexity (small/medium/large).\n\nTitle: %s\n\nBody:\n%s",
			issue.Title, issue.Body,
		)
		return nil, r.dispatcher.Dispatch(ctx, dispatch.Input{ThreadID: threadID, Prompt: prompt})
	})
	return fmt.Sprintf("issue #%d opened - triage queued", issue.Number)
}

// handleIssueComment implements the issue_comment route: a created comment
// whose body contains a line `/codex <cmd>` where cmd begins with "fix"
// converts the issue into a tracked task and dispatches the command as its
// first turn.
func (r *Router) handleIssueComment(ctx context.Context, payload map[string]json.RawMessage) string {
	var action string
	_ = json.Unmarshal(payload["action"], &action)
	if action != "created" {
		return fmt.Sprintf("issue_comment action %q ignored", action)
	}

	var comment struct {
		Body string `json:"body"`
	}
	if raw, ok := payload["comment"]; ok {
		_ = json.Unmarshal(raw, &comment)
	}

	match := codexCommandPattern.FindStringSubmatch(comment.Body)
	if match == nil {
		return "issue_comment has no /codex command; audited only"
	}
	command := strings.TrimSpace(match[1])
	if !strings.HasPrefix(command, "fix") {
		return fmt.Sprintf("issue_comment /codex command %q is not a fix; audited only", command)
	}

	var issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	}
	if raw, ok := payload["issue"]; ok {
		_ = json.Unmarshal(raw, &issue)
	}

	taskID := core.TaskID(fmt.Sprintf("issue-%d", issue.Number))
	branch := fmt.Sprintf("codex/issue-%d", issue.Number)
	if _, err := r.registry.CreateTask(taskID, branch); err != nil {
		return fmt.Sprintf("issue #%d /codex fix - task conversion failed: %s", issue.Number, err.Error())
	}

	if r.jobs == nil || r.dispatcher == nil {
		return fmt.Sprintf("issue #%d converted to task %s - dispatch skipped, no dispatcher configured", issue.Number, taskID)
	}

	_, _ = r.jobs.Submit(ctx, "issue.convert", func(ctx context.Context) (any, error) {
		threadID, err := r.dispatcher.StartThread(ctx, "")
		if err != nil {
			return nil, err
		}
		if err := r.registry.SetThreadID(taskID, threadID); err != nil {
			return nil, err
		}
		prompt := fmt.Sprintf(
			"%s\n\nIssue: %s\n\n%s",
			command, issue.Title, issue.Body,
		)
		return nil, r.dispatcher.Dispatch(ctx, dispatch.Input{ThreadID: threadID, TaskID: taskID, Prompt: prompt})
	})
	return fmt.Sprintf("issue #%d converted to task %s - fix dispatched", issue.Number, taskID)
}

func (r *Router) recordAudit(entry AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, entry)
	if len(r.audit) > auditCapacity {
		r.audit = r.audit[len(r.audit)-auditCapacity:]
	}
}

func (r *Router) recordCheckRun(run CheckRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkRuns = append(r.checkRuns, run)
	if len(r.checkRuns) > auditCapacity {
		r.checkRuns = r.checkRuns[len(r.checkRuns)-auditCapacity:]
	}
}

// Audit returns a snapshot of the capped delivery audit log, oldest first.
func (r *Router) Audit() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEntry, len(r.audit))
	copy(out, r.audit)
	return out
}

// CheckRuns returns a snapshot of recorded CI check completions.
func (r *Router) CheckRuns() []CheckRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CheckRun, len(r.checkRuns))
	copy(out, r.checkRuns)
	return out
}

func (r *Router) log(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}
