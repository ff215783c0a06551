// Package scheduler implements the four named periodic jobs
// (quality-scan, architecture-sweep, doc-gardening, gc-sweep) and the
// non-overlapping, forced-run semantics they share.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/logging"
)

// Executor is the work one named job runs when triggered, by schedule or
// by force.
type Executor func(ctx context.Context) error

// jobSpec pairs a job name with the standard cron expression that encodes
// both its interval and its wall-clock first-run rule: robfig/cron computes
// the next matching time from "now" the same way for the first run as for
// every run after it, so no separate first-run computation is needed.
type jobSpec struct {
	name     string
	schedule string
}

var jobSpecs = []jobSpec{
	{name: "quality-scan", schedule: "0 * * * *"},       // next full hour
	{name: "architecture-sweep", schedule: "0 6 * * *"}, // today 06:00, else tomorrow
	{name: "doc-gardening", schedule: "0 7 * * *"},      // today 07:00, else tomorrow
	{name: "gc-sweep", schedule: "0 3 * * 0"},           // next Sunday 03:00
}

// Status is a queryable snapshot of one named job's run history.
type Status struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Running   bool      `json:"running"`
	RunCount  int       `json:"run_count"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// job tracks one named job's executor and run bookkeeping. Non-overlap is
// enforced by the running flag, checked both by the cron-driven call and
// by TriggerJob so a forced run can never race a scheduled one.
type job struct {
	spec     jobSpec
	executor Executor
	entryID  cron.EntryID

	running atomic.Bool

	mu        sync.Mutex
	runCount  int
	lastRun   time.Time
	lastError error
}

// Scheduler owns one cron.Cron instance and the four named jobs registered
// against it.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New constructs a Scheduler. Call Register for each enabled job before
// Start.
func New(logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// Register wires executor to one of the four named jobs. name must match a
// name in jobSpecs, e.g. "quality-scan".
func (s *Scheduler) Register(name string, executor Executor) error {
	var spec jobSpec
	found := false
	for _, candidate := range jobSpecs {
		if candidate.name == name {
			spec, found = candidate, true
			break
		}
	}
	if !found {
		return core.NewInvalidInput("UNKNOWN_JOB_NAME", fmt.Sprintf("%q is not a recognized scheduler job", name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{spec: spec, executor: executor}
	return nil
}

// Start installs a cron entry for every registered job and starts the
// underlying cron runner. Safe to call once.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, j := range s.jobs {
		j := j
		entryID, err := s.cron.AddFunc(j.spec.schedule, func() { s.runLocked(j) })
		if err != nil {
			return core.NewInvalidInput("INVALID_SCHEDULE", fmt.Sprintf("job %q: %v", name, err))
		}
		j.entryID = entryID
	}
	s.cron.Start()
	s.log("scheduler started", "job_count", len(s.jobs))
	return nil
}

// Stop stops the cron runner and waits for any in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerJob forces an immediate run of name outside its schedule. Returns
// InvalidInput if name is unknown, or the job's own run error.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return core.NewInvalidInput("UNKNOWN_JOB_NAME", fmt.Sprintf("%q is not a registered job", name))
	}
	return s.execute(ctx, j)
}

// Statuses returns a snapshot of every registered job's run history.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := Status{
			Name:     j.spec.name,
			Schedule: j.spec.schedule,
			Running:  j.running.Load(),
			RunCount: j.runCount,
			LastRun:  j.lastRun,
		}
		if j.lastError != nil {
			st.LastError = j.lastError.Error()
		}
		if j.entryID != 0 {
			st.NextRun = s.cron.Entry(j.entryID).Next
		}
		j.mu.Unlock()
		statuses = append(statuses, st)
	}
	return statuses
}

// runLocked is cron's callback; it runs with a background context since
// cron gives callbacks no context of their own.
func (s *Scheduler) runLocked(j *job) {
	_ = s.execute(context.Background(), j)
}

// execute enforces the non-overlap guarantee and records the outcome,
// shared by both the scheduled path and TriggerJob.
func (s *Scheduler) execute(ctx context.Context, j *job) error {
	if !j.running.CompareAndSwap(false, true) {
		s.log("job skipped, already running", "job", j.spec.name)
		return core.NewInvalidInput("JOB_ALREADY_RUNNING", fmt.Sprintf("job %q is already running", j.spec.name))
	}
	defer j.running.Store(false)

	err := j.executor(ctx)

	j.mu.Lock()
	j.runCount++
	j.lastRun = time.Now()
	j.lastError = err
	j.mu.Unlock()

	if err != nil {
		s.log("job failed", "job", j.spec.name, "error", err.Error())
	} else {
		s.log("job succeeded", "job", j.spec.name)
	}
	return err
}

func (s *Scheduler) log(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}
