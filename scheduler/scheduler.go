package scheduler

import (
	"context"
	"sync"

	"dmlistener.evalgo.org/common"
	"dmlistener.evalgo.org/task"
)

// Scheduler is the handle a MessageProcessor (or a task handler building
// follow-up work) uses to stage and commit tasks. It is scoped to a single
// TaskGroup: every task committed through it becomes an observer of that
// group, so the originating InfoMessage's completion tracking sees it.
//
// Staged tasks are not visible to the dispatcher until Commit applies
// signature collapsing and persists the survivors; Rollback discards them
// instead. Staged tasks are not attached to the group, so Rollback leaves the
// group unchanged.
type Scheduler struct {
	svc   *Service
	group *task.TaskGroup

	mu     sync.Mutex
	staged []*task.Task
}

// CreateTaskBuilder begins staging a new task for the given action.
func (s *Scheduler) CreateTaskBuilder(action string) *TaskBuilder {
	return &TaskBuilder{scheduler: s, action: action, params: map[string]interface{}{}}
}

func (s *Scheduler) stage(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, t)
}

// Commit applies the commit protocol of §4.E: under the scheduler's lock,
// each staged task is checked against the dispatcher's signature table; a
// collapsible duplicate of a survivor not yet dispatched attaches this
// scheduler's group as an additional observer instead of becoming a new
// task, while a survivor is persisted to the follow-up store, marked
// SCHEDULED, and handed to the dispatcher.
func (s *Scheduler) Commit(ctx context.Context) error {
	s.mu.Lock()
	batch := s.staged
	s.staged = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	defer common.LogDuration(s.svc.log.WithField("batchSize", len(batch)), "scheduler.Commit")()

	svc := s.svc
	svc.mu.Lock()

	var survivors []*task.Task
	for _, t := range batch {
		if t.AllowCollapse() {
			if existing, ok := svc.bySignature[t.Signature()]; ok {
				if st := existing.State(); st == task.Unscheduled || st == task.Scheduled {
					existing.AddObserverGroup(s.group)
					continue
				}
			}
		}
		t.AddObserverGroup(s.group)
		if t.AllowCollapse() {
			svc.bySignature[t.Signature()] = t
		}
		survivors = append(survivors, t)
	}
	svc.mu.Unlock()

	if len(survivors) == 0 {
		return nil
	}

	if svc.store != nil {
		if err := svc.store.PersistBatch(ctx, survivors); err != nil {
			return err
		}
	}

	for _, t := range survivors {
		if err := t.Schedule(); err != nil {
			return err
		}
	}

	svc.mu.Lock()
	svc.ready = append(svc.ready, survivors...)
	svc.mu.Unlock()

	svc.notifyWake()
	return nil
}

// Rollback discards every staged task without scheduling it. Tasks built via
// TaskBuilder are not attached to the group until Commit, so there is
// nothing to detach; Rollback simply drops the staged batch.
func (s *Scheduler) Rollback() {
	s.mu.Lock()
	s.staged = nil
	s.mu.Unlock()
}
