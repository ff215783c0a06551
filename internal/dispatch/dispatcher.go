// Package dispatch implements the TurnDispatcher: the component that drives
// exactly one turn of the external coding model and applies the guardrails
// (turn budget, completion deadline, blocked-file edits) that keep a task
// from running away.
package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/adapters/git"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/modelprocess"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
)

// blockedFiles is the set of repo-root files a turn may never edit, unless
// the caller explicitly allows coordinator.ts.
var blockedFiles = map[string]bool{
	"package.json":      true,
	"tsconfig.json":     true,
	"eslint.config.mjs": true,
	"coordinator.ts":    true,
}

func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

const defaultMaxTurnsPerTask = 5

// Input is one dispatch request.
type Input struct {
	TaskID           core.TaskID // optional; budget and guardrails only apply when set
	ThreadID         string
	Prompt           string
	Cwd              string
	AllowBlockedEdit bool
}

// Config tunes TurnDispatcher defaults; see config.TurnConfig.
type Config struct {
	MaxPerTask int
	Deadline   time.Duration
}

// DefaultConfig matches the distilled spec's defaults.
func DefaultConfig() Config {
	return Config{MaxPerTask: defaultMaxTurnsPerTask, Deadline: 20 * time.Minute}
}

// pendingTurn is a one-shot future resolved by the model process's
// notification reader, generalizing the teacher's events.EventBus
// subscribe/publish idiom into a future keyed by (threadId, turnId).
type pendingTurn struct {
	threadID string
	turnID   string
	done     chan turnOutcome
}

type turnOutcome struct {
	status  string
	message string
}

// Dispatcher drives turns against one running model process.
type Dispatcher struct {
	proc     *modelprocess.Process
	registry *tasks.Registry
	cfg      Config
	logger   *logging.Logger

	mu      sync.Mutex
	waiters []*pendingTurn
}

// New constructs a Dispatcher. proc must already be started.
func New(proc *modelprocess.Process, registry *tasks.Registry, cfg Config, logger *logging.Logger) *Dispatcher {
	d := &Dispatcher{proc: proc, registry: registry, cfg: cfg, logger: logger}
	go d.watchNotifications()
	return d
}

// StartThread opens a new conversation thread rooted at cwd, for callers
// that need a thread id before their first Dispatch call.
func (d *Dispatcher) StartThread(ctx context.Context, cwd string) (string, error) {
	return d.proc.StartThread(ctx, cwd)
}

// watchNotifications runs for the dispatcher's lifetime, resolving whichever
// pending turn a turn/completed notification matches.
func (d *Dispatcher) watchNotifications() {
	for n := range d.proc.Notifications {
		if n.Method != "turn/completed" {
			continue
		}
		var params struct {
			ThreadID string `json:"threadId"`
			TurnID   string `json:"turnId"`
			Status   string `json:"status"`
			Message  string `json:"message"`
		}
		if err := decodeParams(n.Params, &params); err != nil {
			continue
		}
		d.resolve(params.ThreadID, params.TurnID, turnOutcome{status: params.Status, message: params.Message})
	}
}

func (d *Dispatcher) resolve(threadID, turnID string, outcome turnOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining := d.waiters[:0]
	for _, w := range d.waiters {
		if w.threadID == threadID && w.turnID == turnID {
			w.done <- outcome
			continue
		}
		remaining = append(remaining, w)
	}
	d.waiters = remaining
}

func (d *Dispatcher) register(threadID, turnID string) *pendingTurn {
	w := &pendingTurn{threadID: threadID, turnID: turnID, done: make(chan turnOutcome, 1)}
	d.mu.Lock()
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()
	return w
}

func (d *Dispatcher) unregister(w *pendingTurn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, ww := range d.waiters {
		if ww == w {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}

// Dispatch drives exactly one turn to completion, applying every guardrail
// in spec §4.4's order.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) error {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return core.NewInvalidInput("EMPTY_PROMPT", "prompt must not be empty")
	}

	if in.TaskID != "" {
		max := d.cfg.MaxPerTask
		if max <= 0 {
			max = defaultMaxTurnsPerTask
		}
		used, err := d.registry.IncrementTurnCount(in.TaskID)
		if err != nil {
			return err
		}
		if used > max {
			_ = d.registry.UpdateTaskStatus(in.TaskID, core.TaskStatusFailed)
			return core.NewBudgetExceeded(string(in.TaskID), used, max)
		}
	}

	turnID, err := d.proc.StartTurn(ctx, in.ThreadID, prompt)
	if err != nil {
		d.failTask(in.TaskID)
		return err
	}

	if d.logger != nil {
		d.logger.WithTurn(in.ThreadID, turnID).Info("turn dispatched")
	}

	waiter := d.register(in.ThreadID, turnID)
	defer d.unregister(waiter)

	deadline := d.cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultConfig().Deadline
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case outcome := <-waiter.done:
		return d.finish(ctx, in, outcome)
	case ev := <-d.proc.Exit:
		d.failTask(in.TaskID)
		return core.NewTurnFailed("model process exited unexpectedly").WithDetail("exit_code", ev.Code).WithDetail("signal", ev.Signal)
	case err := <-d.proc.Errors:
		d.failTask(in.TaskID)
		return core.NewTurnFailed(err.Error())
	case <-timer.C:
		_ = d.proc.Stop()
		d.failTask(in.TaskID)
		return core.NewTurnTimeout(in.ThreadID, turnID)
	case <-ctx.Done():
		d.failTask(in.TaskID)
		return ctx.Err()
	}
}

func (d *Dispatcher) finish(ctx context.Context, in Input, outcome turnOutcome) error {
	switch outcome.status {
	case "failed", "interrupted":
		d.failTask(in.TaskID)
		msg := outcome.message
		if msg == "" {
			msg = "turn reported status " + outcome.status
		}
		return core.NewTurnFailed(msg)
	}

	if in.TaskID == "" || in.Cwd == "" {
		return nil
	}
	return d.checkBlockedFiles(ctx, in)
}

// checkBlockedFiles runs the blocked-file guardrail against in.Cwd.
func (d *Dispatcher) checkBlockedFiles(ctx context.Context, in Input) error {
	client, err := git.NewClient(in.Cwd)
	if err != nil {
		return core.NewStorageError("turn_guardrail_git_client", err)
	}
	changed, err := client.DiffFilesFromHead(ctx)
	if err != nil {
		return core.NewStorageError("turn_guardrail_diff", err)
	}

	for _, f := range changed {
		if filepath.Dir(f) != "." {
			continue // "at the repo root (no slash)"
		}
		if !blockedFiles[f] {
			continue
		}
		if in.AllowBlockedEdit && f == "coordinator.ts" {
			continue
		}
		_ = d.registry.UpdateTaskStatus(in.TaskID, core.TaskStatusFailed)
		return core.NewBlockedEdit(f)
	}
	return nil
}

func (d *Dispatcher) failTask(taskID core.TaskID) {
	if taskID == "" {
		return
	}
	_ = d.registry.UpdateTaskStatus(taskID, core.TaskStatusFailed)
}
