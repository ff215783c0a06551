// Package tasks implements the in-memory task registry: the authoritative
// record of every task's identity, branch, and lifecycle status.
package tasks

import (
	"sort"

	"github.com/orchestra-systems/orchestrator/internal/core"
	"github.com/orchestra-systems/orchestrator/internal/store"
)

// Registry is the task store. It wraps store.Collection so every mutation
// is atomically persisted, and adds the duplicate-id and duplicate-branch
// rejection rules the generic collection doesn't know about.
type Registry struct {
	tasks *store.Collection[core.TaskID, core.Task]
}

// NewRegistry creates a Registry persisted at filePath. Pass an empty
// filePath for an in-memory-only registry (tests).
func NewRegistry(filePath string) (*Registry, error) {
	c := store.NewCollection[core.TaskID, core.Task](store.CollectionConfig{
		FilePath: filePath,
		Name:     "tasks",
	})
	if err := c.EnsureDir(); err != nil {
		return nil, err
	}
	if err := c.Load(); err != nil {
		return nil, err
	}
	return &Registry{tasks: c}, nil
}

// CreateTask registers a new task in the created state. Fails if id is
// already registered, or if branch is already used by another task.
func (r *Registry) CreateTask(id core.TaskID, branch string) (*core.Task, error) {
	if !core.ValidTaskID(string(id)) {
		return nil, core.NewInvalidTaskID(string(id))
	}

	var created *core.Task
	err := r.tasks.Mutate(func(items map[core.TaskID]core.Task) error {
		if _, exists := items[id]; exists {
			return core.NewInvalidInput("TASK_EXISTS", "task id already registered").WithDetail("task_id", string(id))
		}
		for _, t := range items {
			if t.Branch == branch {
				return core.NewInvalidInput("BRANCH_EXISTS", "branch already used by another task").WithDetail("branch", branch)
			}
		}
		task := core.NewTask(id, branch)
		items[id] = *task
		created = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetTask returns the task for id, or WorkspaceMissing-shaped lookup
// failure via the task's own zero value and a false ok — callers that need
// a hard error should check ok themselves.
func (r *Registry) GetTask(id core.TaskID) (core.Task, bool) {
	return r.tasks.Get(id)
}

// UpdateTaskStatus validates and applies the transition in §3's table.
// Self-transitions are idempotent no-ops with respect to the transition
// table, but still bump UpdatedAt so callers can observe liveness.
func (r *Registry) UpdateTaskStatus(id core.TaskID, to core.TaskStatus) error {
	return r.tasks.Mutate(func(items map[core.TaskID]core.Task) error {
		task, ok := items[id]
		if !ok {
			return core.NewInvalidInput("TASK_NOT_FOUND", "task not registered").WithDetail("task_id", string(id))
		}
		if err := task.Transition(to); err != nil {
			return err
		}
		items[id] = task
		return nil
	})
}

// SetFailureNote records a human-readable failure reason on a task without
// changing its status (the caller is expected to also call
// UpdateTaskStatus(id, TaskStatusFailed)).
func (r *Registry) SetFailureNote(id core.TaskID, note string) error {
	return r.tasks.Mutate(func(items map[core.TaskID]core.Task) error {
		task, ok := items[id]
		if !ok {
			return core.NewInvalidInput("TASK_NOT_FOUND", "task not registered").WithDetail("task_id", string(id))
		}
		task.FailureNote = note
		items[id] = task
		return nil
	})
}

// SetWorkspace records a task's provisioned workspace path.
func (r *Registry) SetWorkspace(id core.TaskID, workspace string) error {
	return r.tasks.Mutate(func(items map[core.TaskID]core.Task) error {
		task, ok := items[id]
		if !ok {
			return core.NewInvalidInput("TASK_NOT_FOUND", "task not registered").WithDetail("task_id", string(id))
		}
		task.Workspace = workspace
		items[id] = task
		return nil
	})
}

// SetThreadID records the conversation thread id a task's turns are
// dispatched against.
func (r *Registry) SetThreadID(id core.TaskID, threadID string) error {
	return r.tasks.Mutate(func(items map[core.TaskID]core.Task) error {
		task, ok := items[id]
		if !ok {
			return core.NewInvalidInput("TASK_NOT_FOUND", "task not registered").WithDetail("task_id", string(id))
		}
		task.ThreadID = threadID
		items[id] = task
		return nil
	})
}

// SetPRURL records the opened pull request's URL on a task.
func (r *Registry) SetPRURL(id core.TaskID, url string) error {
	return r.tasks.Mutate(func(items map[core.TaskID]core.Task) error {
		task, ok := items[id]
		if !ok {
			return core.NewInvalidInput("TASK_NOT_FOUND", "task not registered").WithDetail("task_id", string(id))
		}
		task.PRURL = url
		items[id] = task
		return nil
	})
}

// IncrementTurnCount bumps a task's turn counter and returns the new value,
// for the TurnDispatcher's per-task budget check.
func (r *Registry) IncrementTurnCount(id core.TaskID) (int, error) {
	var count int
	err := r.tasks.Mutate(func(items map[core.TaskID]core.Task) error {
		task, ok := items[id]
		if !ok {
			return core.NewInvalidInput("TASK_NOT_FOUND", "task not registered").WithDetail("task_id", string(id))
		}
		task.TurnCount++
		count = task.TurnCount
		items[id] = task
		return nil
	})
	return count, err
}

// GetTaskByBranch returns the task using branch, if any. Branches are
// unique across tasks, so at most one match exists.
func (r *Registry) GetTaskByBranch(branch string) (core.Task, bool) {
	for _, t := range r.tasks.Snapshot() {
		if t.Branch == branch {
			return t, true
		}
	}
	return core.Task{}, false
}

// ListTasks returns every task sorted by id, for stable serialization.
func (r *Registry) ListTasks() []core.Task {
	snap := r.tasks.Snapshot()
	list := make([]core.Task, 0, len(snap))
	for _, t := range snap {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// DeleteTask removes a task record. Used by workspace cleanup after a
// terminal task is garbage-collected.
func (r *Registry) DeleteTask(id core.TaskID) error {
	return r.tasks.Delete(id)
}
