// Package jobs implements the JobLayer: async submission of a named method
// and callback, status polling, and bounded FIFO retention of finished
// jobs.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/store"
)

const defaultRetention = 200

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Func is the work a submitted job runs. Its return value is recorded as
// the job's result on success.
type Func func(ctx context.Context) (any, error)

// Job is a persisted snapshot of one submit call.
type Job struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Status     Status    `json:"status"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// terminal reports whether the job has stopped running.
func (j Job) terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Registry tracks every submitted job, running each in its own goroutine
// and evicting the oldest terminal job once retention is exceeded.
type Registry struct {
	jobs      *store.Collection[string, Job]
	logger    *logging.Logger
	retention int
	seq       atomic.Uint64

	mu    sync.Mutex // guards eviction ordering, not job.Status updates
	order []string   // insertion order, oldest first
}

// New constructs a Registry retaining at most retention terminal jobs.
// retention <= 0 uses the package default.
func New(retention int, logger *logging.Logger) *Registry {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Registry{
		jobs:      store.NewCollection[string, Job](store.CollectionConfig{Name: "jobs"}),
		logger:    logger,
		retention: retention,
	}
}

// Submit enqueues a job running fn under method's name and returns its id
// immediately; fn runs in a background goroutine.
func (r *Registry) Submit(ctx context.Context, method string, fn Func) (string, error) {
	id := fmt.Sprintf("job-%d", r.seq.Add(1))
	job := Job{ID: id, Method: method, Status: StatusQueued, CreatedAt: time.Now()}
	if err := r.jobs.Put(id, job); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.order = append(r.order, id)
	r.mu.Unlock()

	go r.run(ctx, id, fn)
	return id, nil
}

// GetJob returns the current snapshot of id, or UnknownJob if it was never
// submitted or has already been evicted.
func (r *Registry) GetJob(id string) (Job, error) {
	job, ok := r.jobs.Get(id)
	if !ok {
		return Job{}, core.NewUnknownJob(id)
	}
	return job, nil
}

func (r *Registry) run(ctx context.Context, id string, fn Func) {
	r.transition(id, func(j *Job) { j.Status = StatusRunning; j.StartedAt = time.Now() })

	result, err := fn(ctx)

	r.transition(id, func(j *Job) {
		j.FinishedAt = time.Now()
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusSucceeded
		j.Result = result
	})
	r.evictBeyondRetention()
	r.log("job finished", "job_id", id)
}

func (r *Registry) transition(id string, mutate func(j *Job)) {
	job, ok := r.jobs.Get(id)
	if !ok {
		return
	}
	mutate(&job)
	_ = r.jobs.Put(id, job)
}

// evictBeyondRetention drops the oldest terminal jobs once the retained
// count exceeds r.retention, scanning insertion order so FIFO eviction
// never removes a job still queued or running.
func (r *Registry) evictBeyondRetention() {
	r.mu.Lock()
	defer r.mu.Unlock()

	terminalCount := 0
	for _, id := range r.order {
		if job, ok := r.jobs.Get(id); ok && job.terminal() {
			terminalCount++
		}
	}
	if terminalCount <= r.retention {
		return
	}

	toEvict := terminalCount - r.retention
	remaining := r.order[:0]
	for _, id := range r.order {
		if toEvict > 0 {
			if job, ok := r.jobs.Get(id); ok && job.terminal() {
				_ = r.jobs.Delete(id)
				toEvict--
				continue
			}
		}
		remaining = append(remaining, id)
	}
	r.order = remaining
}

// ListJobs returns every retained job, oldest first by creation time.
func (r *Registry) ListJobs() []Job {
	snap := r.jobs.Snapshot()
	list := make([]Job, 0, len(snap))
	for _, j := range snap {
		list = append(list, j)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

func (r *Registry) log(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}
