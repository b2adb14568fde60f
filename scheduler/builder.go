package scheduler

import (
	"context"

	"dmlistener.evalgo.org/resourcelock"
	"dmlistener.evalgo.org/task"
)

// TaskBuilder accumulates a single task's parameters and resource keys
// before staging it on its owning Scheduler. It is not safe for concurrent
// use; build one task at a time per goroutine.
type TaskBuilder struct {
	scheduler     *Scheduler
	action        string
	params        map[string]interface{}
	resources     []resourcelock.ResourceKey
	allowCollapse bool
}

// Parameter sets a single parameter key.
func (b *TaskBuilder) Parameter(key string, value interface{}) *TaskBuilder {
	b.params[key] = value
	return b
}

// Resource appends a resource key the built task must hold before running.
func (b *TaskBuilder) Resource(key resourcelock.ResourceKey) *TaskBuilder {
	b.resources = append(b.resources, key)
	return b
}

// AllowCollapse marks the task eligible for signature-based collapsing
// against another pending task of the same action, params, and resources.
func (b *TaskBuilder) AllowCollapse(allow bool) *TaskBuilder {
	b.allowCollapse = allow
	return b
}

// Schedule finalizes the task and stages it on the owning Scheduler. It does
// not become visible to the dispatcher until Commit is called; if
// commitImmediately is true, Schedule commits the scheduler's entire staged
// batch right away using ctx.
func (b *TaskBuilder) Schedule(ctx context.Context, commitImmediately bool) (*task.Task, error) {
	t, err := task.New(b.action, b.params, b.resources, b.allowCollapse, nil)
	if err != nil {
		return nil, err
	}
	b.scheduler.stage(t)
	if commitImmediately {
		if err := b.scheduler.Commit(ctx); err != nil {
			return nil, err
		}
	}
	return t, nil
}
