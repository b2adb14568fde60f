package resourcelock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"dmlistener.evalgo.org/listenerrors"
)

// Lease is the receipt returned by a successful acquisition; it is the only
// valid argument to Release.
type Lease struct {
	ID      string
	Keys    []ResourceKey
	service *Service
}

// Release is a convenience forwarding to Service.Release.
func (l *Lease) Release() {
	if l == nil || l.service == nil {
		return
	}
	l.service.Release(l)
}

type waiter struct {
	keys []ResourceKey
	done chan struct{}
}

// Service is an in-process map from ResourceKey to the lease currently
// holding it. At most one active lease exists per key at any time; waiters
// for a key are woken in FIFO order.
type Service struct {
	mu      sync.Mutex
	holders map[ResourceKey]*Lease
	waiters map[ResourceKey][]*waiter
}

// New constructs an empty resource lock service.
func New() *Service {
	return &Service{
		holders: make(map[ResourceKey]*Lease),
		waiters: make(map[ResourceKey][]*waiter),
	}
}

// TryAcquire attempts an atomic all-or-nothing acquisition of keys. On any
// conflict it acquires nothing and returns (nil, nil) — a LockConflict is a
// benign scheduling skip, not an error, so the caller inspects the nil lease
// rather than an error value. A non-nil error only indicates a usage
// mistake (an empty key set).
func (s *Service) TryAcquire(keys []ResourceKey) (*Lease, error) {
	if len(keys) == 0 {
		return nil, &listenerrors.SetupFailure{Op: "resourcelock.TryAcquire", Cause: errNoKeys}
	}
	sorted := SortKeys(keys)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range sorted {
		if _, held := s.holders[k]; held {
			return nil, nil
		}
	}

	lease := &Lease{ID: uuid.NewString(), Keys: sorted, service: s}
	for _, k := range sorted {
		s.holders[k] = lease
	}
	return lease, nil
}

// Acquire blocks until all of keys can be granted atomically, honoring FIFO
// wake order per key. Acquiring keys in a globally consistent sorted order
// (rather than caller-supplied order) is what prevents the classic
// lock-ordering deadlock between two acquirers requesting an overlapping set
// in opposite orders — this is the ordering guarantee the scheduler's
// dispatcher relies on instead of holding its own separate queue.
func (s *Service) Acquire(ctx context.Context, keys []ResourceKey) (*Lease, error) {
	if len(keys) == 0 {
		return nil, &listenerrors.SetupFailure{Op: "resourcelock.Acquire", Cause: errNoKeys}
	}
	sorted := SortKeys(keys)

	for {
		s.mu.Lock()
		conflict := false
		for _, k := range sorted {
			if _, held := s.holders[k]; held {
				conflict = true
				break
			}
		}
		if !conflict {
			lease := &Lease{ID: uuid.NewString(), Keys: sorted, service: s}
			for _, k := range sorted {
				s.holders[k] = lease
			}
			s.mu.Unlock()
			return lease, nil
		}

		w := &waiter{keys: sorted, done: make(chan struct{})}
		for _, k := range sorted {
			s.waiters[k] = append(s.waiters[k], w)
		}
		s.mu.Unlock()

		select {
		case <-w.done:
			// loop and retry the atomic check
		case <-ctx.Done():
			s.removeWaiter(sorted, w)
			return nil, ctx.Err()
		}
	}
}

func (s *Service) removeWaiter(keys []ResourceKey, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		list := s.waiters[k]
		for i, ww := range list {
			if ww == w {
				s.waiters[k] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Release is idempotent: releasing a lease that is not currently held (e.g.
// a second call) is a no-op. It wakes, per key, the oldest waiter still
// registered for that key.
func (s *Service) Release(lease *Lease) {
	if lease == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	woken := make(map[*waiter]bool)
	toWake := make([]*waiter, 0, len(lease.Keys))
	for _, k := range lease.Keys {
		if s.holders[k] != lease {
			continue
		}
		delete(s.holders, k)

		if list := s.waiters[k]; len(list) > 0 {
			head := list[0]
			s.waiters[k] = list[1:]
			if !woken[head] {
				woken[head] = true
				toWake = append(toWake, head)
			}
		}
	}

	// A waiter registered under multiple keys is only popped from the
	// queues of the keys released above; purge it from every other key's
	// queue too, so a later release of those keys doesn't try to wake (and
	// double-close) the same waiter again.
	for _, w := range toWake {
		for _, k := range w.keys {
			list := s.waiters[k]
			for i, ww := range list {
				if ww == w {
					s.waiters[k] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
		close(w.done)
	}
}

// Snapshot is a diagnostic view of the lock table for test assertions.
type Snapshot struct {
	Held map[ResourceKey]string // key -> holding lease ID
}

// Dump returns a point-in-time diagnostic snapshot.
func (s *Service) Dump() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := make(map[ResourceKey]string, len(s.holders))
	for k, lease := range s.holders {
		held[k] = lease.ID
	}
	return Snapshot{Held: held}
}

var errNoKeys = &emptyKeySetError{}

type emptyKeySetError struct{}

func (e *emptyKeySetError) Error() string { return "resourcelock: empty key set" }
