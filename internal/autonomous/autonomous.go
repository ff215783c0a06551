// Package autonomous implements the AutonomousOrchestrator: a six-phase
// (plan, implement, verify, commit, PR, review) run driven end to end
// without a human approving each step, gated by a weighted quality score.
package autonomous

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/adapters/git"
	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/dispatch"
	"github.com/orchestra-systems/orchestrator/internal/fixloop"
	"github.com/orchestra-systems/orchestrator/internal/hostclient"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/store"
	"github.com/orchestra-systems/orchestrator/internal/tasks"
	"github.com/orchestra-systems/orchestrator/internal/workspace"
)

// Phase is one of the run's six ordered stages.
type Phase string

const (
	PhasePlan      Phase = "plan"
	PhaseImplement Phase = "implement"
	PhaseVerify    Phase = "verify"
	PhaseCommit    Phase = "commit"
	PhasePR        Phase = "pr"
	PhaseReview    Phase = "review"
)

var phaseOrder = []Phase{PhasePlan, PhaseImplement, PhaseVerify, PhaseCommit, PhasePR, PhaseReview}

// checkerWeights are the fixed aggregation weights for the quality gate,
// applied in (eval, ci, lint, architecture, docs) order.
var checkerWeights = map[CheckerName]float64{
	CheckerEval:         0.30,
	CheckerCI:           0.25,
	CheckerLint:         0.20,
	CheckerArchitecture: 0.15,
	CheckerDocs:         0.10,
}

// CheckerName identifies one of the five quality dimensions a run is scored
// against.
type CheckerName string

const (
	CheckerEval         CheckerName = "eval"
	CheckerCI           CheckerName = "ci"
	CheckerLint         CheckerName = "lint"
	CheckerArchitecture CheckerName = "architecture"
	CheckerDocs         CheckerName = "docs"
)

// CheckReport is one checker's verdict on a task.
type CheckReport struct {
	Passed   bool     `json:"passed"`
	Score    float64  `json:"score"` // 0..1
	Findings []string `json:"findings,omitempty"`
}

// Checker is the external contract every quality dimension implements:
// lint, architecture validation, doc validation, and eval scoring are each
// a pluggable checker behind this one method.
type Checker interface {
	Name() CheckerName
	Validate(ctx context.Context, taskID core.TaskID) (CheckReport, error)
}

// RunID identifies one autonomous run.
type RunID string

// RunStatus is a run's coarse lifecycle state.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// PhaseAttempt records one attempt at one phase, for the run's audit trail.
type PhaseAttempt struct {
	Phase     Phase     `json:"phase"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is a persisted, queryable record of one startRun call.
type Run struct {
	ID            RunID                  `json:"id"`
	TaskID        core.TaskID            `json:"task_id"`
	Objective     string                 `json:"objective"`
	Status        RunStatus              `json:"status"`
	CurrentPhase  Phase                  `json:"current_phase,omitempty"`
	QualityScore  float64                `json:"quality_score"`
	CheckReports  map[string]CheckReport `json:"check_reports,omitempty"`
	Attempts      []PhaseAttempt         `json:"attempts,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	PRURL         string                 `json:"pr_url,omitempty"`
	PRNumber      int                    `json:"pr_number,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Params configures one startRun call.
type Params struct {
	TaskID           core.TaskID
	Branch           string
	Objective        string
	MaxPhaseFixes    int
	QualityThreshold float64 // [0,1]
	AutoCommit       bool
	AutoPR           bool
	AutoReview       bool
	BaseBranch       string
}

// Orchestrator drives Params through the six-phase chain and persists every
// Run it creates.
type Orchestrator struct {
	registry   *tasks.Registry
	workspaces *workspace.Manager
	dispatcher *dispatch.Dispatcher
	host       hostclient.Client
	checkers   []Checker
	logger     *logging.Logger

	runs      *store.Collection[RunID, Run]
	cancelled map[RunID]*atomic.Bool
}

// Config groups an Orchestrator's collaborators.
type Config struct {
	Registry   *tasks.Registry
	Workspaces *workspace.Manager
	Dispatcher *dispatch.Dispatcher
	Host       hostclient.Client
	Checkers   []Checker
	Logger     *logging.Logger
}

// New constructs an Orchestrator. runsFilePath may be empty for
// in-memory-only run history (tests).
func New(cfg Config, runsFilePath string) (*Orchestrator, error) {
	runs := store.NewCollection[RunID, Run](store.CollectionConfig{FilePath: runsFilePath, Name: "runs"})
	if err := runs.EnsureDir(); err != nil {
		return nil, err
	}
	if err := runs.Load(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		registry:   cfg.Registry,
		workspaces: cfg.Workspaces,
		dispatcher: cfg.Dispatcher,
		host:       cfg.Host,
		checkers:   cfg.Checkers,
		logger:     cfg.Logger,
		runs:       runs,
		cancelled:  make(map[RunID]*atomic.Bool),
	}, nil
}

// GetRun returns the current snapshot of runID, or false if unknown.
func (o *Orchestrator) GetRun(runID RunID) (Run, bool) {
	return o.runs.Get(runID)
}

// ListRuns returns every run sorted most-recently-updated first, for the
// dashboard's recent-runs read.
func (o *Orchestrator) ListRuns() []Run {
	snap := o.runs.Snapshot()
	list := make([]Run, 0, len(snap))
	for _, r := range snap {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list
}

// Cancel flips runID's cooperative cancellation flag, observed between
// phase boundaries; it does not interrupt a phase already in progress.
func (o *Orchestrator) Cancel(runID RunID) {
	if flag, ok := o.cancelled[runID]; ok {
		flag.Store(true)
	}
}

// StartRun drives params through plan/implement/verify/commit/pr/review,
// persisting a Run throughout, and returns the finished record.
func (o *Orchestrator) StartRun(ctx context.Context, params Params) (*Run, error) {
	if params.MaxPhaseFixes <= 0 {
		params.MaxPhaseFixes = 1
	}
	runID := RunID(fmt.Sprintf("%s-run", params.TaskID))
	cancelFlag, ok := o.cancelled[runID]
	if !ok {
		cancelFlag = &atomic.Bool{}
		o.cancelled[runID] = cancelFlag
	}

	now := time.Now()
	run := Run{
		ID:        runID,
		TaskID:    params.TaskID,
		Objective: params.Objective,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.putRun(run); err != nil {
		return nil, err
	}

	if _, ok := o.registry.GetTask(params.TaskID); !ok {
		if _, err := o.registry.CreateTask(params.TaskID, params.Branch); err != nil {
			return o.finishFailed(run, err)
		}
	}

	path, err := o.workspaces.CreateWorkspace(ctx, string(params.TaskID))
	if err != nil {
		return o.finishFailed(run, err)
	}
	if err := o.registry.SetWorkspace(params.TaskID, path); err != nil {
		return o.finishFailed(run, err)
	}

	threadID, err := o.dispatcher.StartThread(ctx, path)
	if err != nil {
		return o.finishFailed(run, err)
	}
	_ = o.registry.SetThreadID(params.TaskID, threadID)

	for _, phase := range phaseOrder {
		if cancelFlag.Load() {
			run.Status = RunStatusCancelled
			return o.finish(run)
		}

		run.CurrentPhase = phase
		_ = o.putRun(run)

		var phaseErr error
		for attempt := 1; attempt <= params.MaxPhaseFixes; attempt++ {
			phaseErr = o.runPhase(ctx, phase, params, path, threadID, &run)
			run.Attempts = append(run.Attempts, PhaseAttempt{
				Phase: phase, Attempt: attempt, Timestamp: time.Now(),
				Error: errString(phaseErr),
			})
			if phaseErr == nil {
				break
			}
		}
		if phaseErr != nil {
			return o.finishFailed(run, phaseErr)
		}

		if phase == PhaseVerify {
			score, reports, err := o.runCheckers(ctx, params.TaskID)
			if err != nil {
				return o.finishFailed(run, err)
			}
			run.QualityScore = score
			run.CheckReports = reports
			if score < params.QualityThreshold {
				return o.finishFailed(run, fmt.Errorf("quality score %.2f below threshold %.2f", score, params.QualityThreshold))
			}
		}
	}

	run.Status = RunStatusSucceeded
	return o.finish(run)
}

// runPhase executes a single attempt of one phase.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, params Params, path, threadID string, run *Run) error {
	switch phase {
	case PhasePlan:
		return o.dispatcher.Dispatch(ctx, dispatch.Input{
			TaskID: params.TaskID, ThreadID: threadID, Cwd: path,
			Prompt: fmt.Sprintf("Plan the work for this objective before implementing anything: %s", params.Objective),
		})
	case PhaseImplement:
		if err := o.registry.UpdateTaskStatus(params.TaskID, core.TaskStatusMutating); err != nil {
			return err
		}
		return o.dispatcher.Dispatch(ctx, dispatch.Input{
			TaskID: params.TaskID, ThreadID: threadID, Cwd: path,
			Prompt: fmt.Sprintf("Implement: %s", params.Objective),
		})
	case PhaseVerify:
		if err := o.registry.UpdateTaskStatus(params.TaskID, core.TaskStatusVerifying); err != nil {
			return err
		}
		fl := fixloop.New(o.workspaces, o.dispatcher, o.registry, fixloop.Config{
			MaxIterations:        params.MaxPhaseFixes,
			MaxIdenticalFixDiffs: fixloop.DefaultConfig().MaxIdenticalFixDiffs,
		}, o.logger)
		result, err := fl.FixUntilGreen(ctx, params.TaskID, threadID)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("verification did not pass within %d phase fix attempts", params.MaxPhaseFixes)
		}
		return o.registry.UpdateTaskStatus(params.TaskID, core.TaskStatusReady)
	case PhaseCommit:
		if !params.AutoCommit {
			return nil
		}
		return o.commit(ctx, params, path)
	case PhasePR:
		if !params.AutoPR {
			return nil
		}
		return o.openPR(ctx, params, run)
	case PhaseReview:
		if !params.AutoReview || run.PRURL == "" {
			return nil
		}
		return o.requestReview(ctx, run)
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
}

func (o *Orchestrator) commit(ctx context.Context, params Params, path string) error {
	gitClient, err := git.NewClient(path)
	if err != nil {
		return err
	}
	if err := gitClient.Checkout(ctx, params.Branch, true); err != nil {
		return err
	}
	_, err = gitClient.CommitAll(ctx, fmt.Sprintf("Autonomous run for task %s\n\n%s", params.TaskID, params.Objective))
	return err
}

func (o *Orchestrator) openPR(ctx context.Context, params Params, run *Run) error {
	gitClient, err := git.NewClient(o.mustPath(params.TaskID))
	if err != nil {
		return err
	}
	baseBranch := params.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	if err := gitClient.Push(ctx, "origin", params.Branch); err != nil {
		return err
	}
	pr, err := o.host.OpenPR(ctx, params.Branch, baseBranch, fmt.Sprintf("Task %s", params.TaskID), params.Objective, false)
	if err != nil {
		return err
	}
	run.PRURL = pr.URL
	run.PRNumber = pr.Number
	_ = o.registry.SetPRURL(params.TaskID, pr.URL)
	return o.registry.UpdateTaskStatus(params.TaskID, core.TaskStatusPROpened)
}

func (o *Orchestrator) requestReview(ctx context.Context, run *Run) error {
	return o.host.PostComment(ctx, run.PRNumber, "Autonomous run complete; requesting review.")
}

func (o *Orchestrator) mustPath(taskID core.TaskID) string {
	path, err := o.workspaces.Path(string(taskID))
	if err != nil {
		return ""
	}
	return path
}

// runCheckers runs every configured checker concurrently-free (sequential,
// since checkers are external collaborators whose own concurrency is not
// this orchestrator's concern) and aggregates the fixed-weight score.
func (o *Orchestrator) runCheckers(ctx context.Context, taskID core.TaskID) (float64, map[string]CheckReport, error) {
	reports := make(map[string]CheckReport, len(o.checkers))
	var total float64
	for _, c := range o.checkers {
		report, err := c.Validate(ctx, taskID)
		if err != nil {
			return 0, nil, fmt.Errorf("checker %s: %w", c.Name(), err)
		}
		reports[string(c.Name())] = report
		total += checkerWeights[c.Name()] * report.Score
	}
	return total, reports, nil
}

func (o *Orchestrator) finishFailed(run Run, err error) (*Run, error) {
	run.Status = RunStatusFailed
	run.FailureReason = err.Error()
	_ = o.registry.UpdateTaskStatus(run.TaskID, core.TaskStatusFailed)
	finished, putErr := o.finish(run)
	if putErr != nil {
		return nil, putErr
	}
	return finished, err
}

func (o *Orchestrator) finish(run Run) (*Run, error) {
	run.UpdatedAt = time.Now()
	if err := o.putRun(run); err != nil {
		return nil, err
	}
	delete(o.cancelled, run.ID)
	return &run, nil
}

func (o *Orchestrator) putRun(run Run) error {
	run.UpdatedAt = time.Now()
	return o.runs.Put(run.ID, run)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
