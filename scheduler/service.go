// Package scheduler implements the Scheduling Service: a Scheduler handle
// exposed to a MessageProcessor for building and committing tasks, and a
// Service that owns the follow-up store, resource locks, and the dispatcher
// that maps SCHEDULED tasks onto a worker pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dmlistener.evalgo.org/common"
	"dmlistener.evalgo.org/resourcelock"
	"dmlistener.evalgo.org/task"
)

// FailureObserver is the scheduler's callback into the consumer core so a
// task's terminal failure can increment the originating InfoMessage's
// failure counter (§4.E).
type FailureObserver func(t *task.Task, cause error)

// Config configures a Service.
type Config struct {
	Concurrency  int
	MaxRetries   int
	PollInterval time.Duration
}

// Service owns one scheduling service's dispatcher: its worker pool, its
// follow-up store, and the resource lock table tasks acquire before running.
type Service struct {
	store  Store
	locks  *resourcelock.Service
	handle Handler

	cfg Config
	sem *semaphore.Weighted
	log *common.ContextLogger

	mu          sync.Mutex
	ready       []*task.Task       // SCHEDULED, FIFO by commit order
	bySignature map[string]*task.Task
	retries     map[int64]int

	onFailure FailureObserver

	wake    chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewService constructs a Service. handler is invoked per task.Action once
// its resources are acquired; store persists surviving staged tasks on
// commit; locks provides the mutual-exclusion guarantee.
func NewService(store Store, locks *resourcelock.Service, handler Handler, cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Service{
		store:       store,
		locks:       locks,
		handle:      handler,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:         common.ServiceLogger("scheduler", ""),
		bySignature: make(map[string]*task.Task),
		retries:     make(map[int64]int),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// OnFailure registers the callback invoked when a task reaches terminal
// FAILED state, after retries (if any) are exhausted.
func (s *Service) OnFailure(fn FailureObserver) {
	s.onFailure = fn
}

// NewScheduler returns a fresh Scheduler handle scoped to group (the
// originating InfoMessage's TaskGroup, or a follow-up group).
func (s *Service) NewScheduler(group *task.TaskGroup) *Scheduler {
	return &Scheduler{svc: s, group: group}
}

// Run starts the dispatcher loop. It blocks until ctx is cancelled or Stop
// is called.
func (s *Service) Run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			s.dispatchOnce(ctx)
		case <-ticker.C:
			s.dispatchOnce(ctx)
		}
	}
}

// Stop requests the dispatcher loop to exit and waits for it to do so.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.stopped
}

func (s *Service) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchOnce implements the selection algorithm of §4.E: scan ready tasks
// FIFO, try-acquire resources for the first candidate, skip on conflict and
// continue scanning, dispatch on success.
func (s *Service) dispatchOnce(ctx context.Context) {
	s.mu.Lock()
	candidates := append([]*task.Task(nil), s.ready...)
	s.mu.Unlock()

	var remaining []*task.Task
	for _, t := range candidates {
		if t.State() != task.Scheduled {
			continue // already claimed by a prior scan in this same pass, or aborted
		}
		lease, err := s.locks.TryAcquire(t.Resources())
		if err != nil {
			s.log.WithError(err).Error("resourcelock.TryAcquire failed")
			remaining = append(remaining, t)
			continue
		}
		if lease == nil {
			remaining = append(remaining, t) // LockConflict: benign skip, retry next wake
			continue
		}
		if !s.sem.TryAcquire(1) {
			lease.Release()
			remaining = append(remaining, t)
			continue
		}
		go s.runTask(ctx, t, lease)
	}

	s.mu.Lock()
	s.ready = remaining
	s.mu.Unlock()
}

func (s *Service) runTask(ctx context.Context, t *task.Task, lease *resourcelock.Lease) {
	defer s.sem.Release(1)
	defer lease.Release()
	// handle is caller-supplied and may panic; recover so one bad action
	// handler never takes down the dispatcher loop's goroutine group.
	defer common.LogPanic(s.log.WithField("action", t.Action()))

	if err := t.Start(); err != nil {
		s.log.WithError(err).Error("task.Start failed")
		return
	}

	followUp := s.NewScheduler(t.ResultGroup())
	err := s.handle(ctx, t.Action(), t.Params(), followUp)

	if err == nil {
		if serr := t.Succeed(); serr != nil {
			s.log.WithError(serr).Error("task.Succeed failed")
		}
		s.finishTask(ctx, t)
		return
	}

	s.mu.Lock()
	attempt := s.retries[t.ID()] + 1
	s.retries[t.ID()] = attempt
	s.mu.Unlock()

	if attempt <= s.cfg.MaxRetries {
		retryTask, rerr := task.New(t.Action(), t.Params(), t.Resources(), false, t.ResultGroup())
		if rerr != nil {
			s.log.WithError(rerr).Error("failed to build retry task")
		} else {
			s.mu.Lock()
			s.retries[retryTask.ID()] = attempt
			s.mu.Unlock()
			if serr := retryTask.Schedule(); serr != nil {
				s.log.WithError(serr).Error("retry task.Schedule failed")
			}
			s.mu.Lock()
			s.ready = append(s.ready, retryTask)
			s.mu.Unlock()
			s.notifyWake()
		}
		// t itself ends FAILED here; its replacement (retryTask) carries the
		// same group forward as its own independent pending member, so the
		// group's completion tracking is unaffected by this handoff.
		if ferr := t.Fail(err); ferr != nil {
			s.log.WithError(ferr).Error("task.Fail failed")
		}
		return
	}

	if ferr := t.Fail(err); ferr != nil {
		s.log.WithError(ferr).Error("task.Fail failed")
	}
	if s.onFailure != nil {
		s.onFailure(t, err)
	}
	s.finishTask(ctx, t)
}

func (s *Service) finishTask(ctx context.Context, t *task.Task) {
	s.mu.Lock()
	if sig := t.Signature(); sig != "" {
		if existing, ok := s.bySignature[sig]; ok && existing == t {
			delete(s.bySignature, sig)
		}
	}
	delete(s.retries, t.ID())
	s.mu.Unlock()

	if err := s.store.Remove(ctx, t.ID()); err != nil {
		s.log.WithError(err).Error("follow-up store Remove failed")
	}
}
