// Package lifecycle implements the LifecycleOrchestrator's runMutation
// chain: create task, deploy the agent-instructions template, drive one
// implementation turn, compact context, verify-and-fix, commit, and open
// the pull request.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/adapters/git"
	"github.com/orchestra-systems/orchestrator/internal/compaction"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/workspace"
)

// instructionsFileName is the agent-instructions template deployed to every
// workspace root before the implementation turn.
const instructionsFileName = "AGENTS.md"

const instructionsTemplate = `# Task instructions

You are working in an isolated git workspace on a single focused change.

- Implement the task's objective completely; do not leave TODOs for work
  you were asked to do.
- Do not edit package.json, tsconfig.json, eslint.config.mjs, or
  coordinator.ts at the repository root.
- Run ` + "`pnpm verify`" + ` yourself before finishing if you can; the
  controller will run it for you regardless and will ask you to fix any
  failures it finds.
- Keep commits out of scope: the controller commits and opens the pull
  request once verification passes.
`

// Result is runMutation's outcome.
type Result struct {
	TaskID core.TaskID
	PRURL  string
}

// Orchestrator drives one task through the full mutate-verify-PR chain.
type Orchestrator struct {
	registry   *tasks.Registry
	workspaces *workspace.Manager
	dispatcher *dispatch.Dispatcher
	compactor  *compaction.Manager
	fixer      *fixloop.FixLoop
	host       hostclient.Client
	baseBranch string
	logger     *logging.Logger
}

// Config groups the orchestrator's collaborators and the branch pull
// requests are opened against.
type Config struct {
	Registry   *tasks.Registry
	Workspaces *workspace.Manager
	Dispatcher *dispatch.Dispatcher
	Compactor  *compaction.Manager
	Fixer      *fixloop.FixLoop
	Host       hostclient.Client
	BaseBranch string
	Logger     *logging.Logger
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	baseBranch := cfg.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Orchestrator{
		registry:   cfg.Registry,
		workspaces: cfg.Workspaces,
		dispatcher: cfg.Dispatcher,
		compactor:  cfg.Compactor,
		fixer:      cfg.Fixer,
		host:       cfg.Host,
		baseBranch: baseBranch,
		logger:     cfg.Logger,
	}
}

// RunMutation drives taskID through the chain described in this package's
// doc comment, given the prompt for the single implementation turn.
func (o *Orchestrator) RunMutation(ctx context.Context, taskID core.TaskID, branch, prompt string) (*Result, error) {
	task, ok := o.registry.GetTask(taskID)
	if !ok {
		if _, err := o.registry.CreateTask(taskID, branch); err != nil {
			return nil, err
		}
		task, _ = o.registry.GetTask(taskID)
	}

	path, err := o.workspaces.CreateWorkspace(ctx, string(taskID))
	if err != nil {
		return nil, o.fail(taskID, err)
	}
	if err := o.registry.SetWorkspace(taskID, path); err != nil {
		return nil, o.fail(taskID, err)
	}

	if err := deployInstructions(path); err != nil {
		return nil, o.fail(taskID, core.NewStorageError("deploy-instructions", err))
	}

	threadID := task.ThreadID
	if threadID == "" {
		threadID, err = o.dispatcher.StartThread(ctx, path)
		if err != nil {
			return nil, o.fail(taskID, err)
		}
		if err := o.registry.SetThreadID(taskID, threadID); err != nil {
			return nil, o.fail(taskID, err)
		}
	}

	if err := o.registry.UpdateTaskStatus(taskID, core.TaskStatusMutating); err != nil {
		return nil, o.fail(taskID, err)
	}

	if err := o.dispatcher.Dispatch(ctx, dispatch.Input{
		TaskID:   taskID,
		ThreadID: threadID,
		Prompt:   prompt,
		Cwd:      path,
	}); err != nil {
		return nil, o.fail(taskID, err)
	}

	if o.compactor != nil {
		if _, err := o.compactor.TrackAndCompactIfNeeded(ctx, threadID, prompt); err != nil {
			o.log("compaction failed, continuing", "task_id", string(taskID), "error", err.Error())
		}
	}

	if err := o.registry.UpdateTaskStatus(taskID, core.TaskStatusVerifying); err != nil {
		return nil, o.fail(taskID, err)
	}

	verifyResult, err := o.fixer.FixUntilGreen(ctx, taskID, threadID)
	if err != nil {
		return nil, err // FixLoop already transitions the task to failed
	}
	if !verifyResult.Success {
		note := "verification did not pass within the allotted fix iterations"
		_ = o.registry.SetFailureNote(taskID, note)
		_ = o.registry.UpdateTaskStatus(taskID, core.TaskStatusFailed)
		return nil, core.NewTurnFailed(note)
	}

	if err := o.registry.UpdateTaskStatus(taskID, core.TaskStatusReady); err != nil {
		return nil, o.fail(taskID, err)
	}

	gitClient, err := git.NewClient(path)
	if err != nil {
		return nil, o.fail(taskID, err)
	}
	// CreateWorkspace leaves the worktree on a detached HEAD; give it the
	// task's branch name before committing so there is something to push.
	if err := gitClient.Checkout(ctx, task.Branch, true); err != nil {
		return nil, o.fail(taskID, err)
	}
	if _, err := gitClient.CommitAll(ctx, commitMessage(taskID)); err != nil {
		return nil, o.fail(taskID, err)
	}
	if err := gitClient.Push(ctx, "origin", task.Branch); err != nil {
		return nil, o.fail(taskID, err)
	}

	pr, err := o.host.OpenPR(ctx, task.Branch, o.baseBranch, prTitle(taskID), prBody(taskID), false)
	if err != nil {
		return nil, o.fail(taskID, err)
	}
	if err := o.registry.SetPRURL(taskID, pr.URL); err != nil {
		return nil, o.fail(taskID, err)
	}
	if err := o.registry.UpdateTaskStatus(taskID, core.TaskStatusPROpened); err != nil {
		return nil, o.fail(taskID, err)
	}

	return &Result{TaskID: taskID, PRURL: pr.URL}, nil
}

// fail marks taskID failed best-effort and returns the triggering error.
func (o *Orchestrator) fail(taskID core.TaskID, err error) error {
	_ = o.registry.SetFailureNote(taskID, err.Error())
	_ = o.registry.UpdateTaskStatus(taskID, core.TaskStatusFailed)
	return err
}

func (o *Orchestrator) log(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Info(msg, args...)
	}
}

func deployInstructions(workspacePath string) error {
	return os.WriteFile(filepath.Join(workspacePath, instructionsFileName), []byte(instructionsTemplate), 0o644)
}

func commitMessage(taskID core.TaskID) string {
	return fmt.Sprintf("Automated change for task %s\n\nGenerated by the orchestrator at %s.", taskID, time.Now().UTC().Format(time.RFC3339))
}

func prTitle(taskID core.TaskID) string {
	return fmt.Sprintf("Task %s", taskID)
}

func prBody(taskID core.TaskID) string {
	return fmt.Sprintf("Automated pull request for task `%s`, opened after verification passed.", taskID)
}
