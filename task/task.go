// Package task implements the Task and TaskGroup value objects: immutable
// units of work with a lifecycle state machine, timing statistics, and the
// SHA-256 signature used to collapse duplicate scheduling requests.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"dmlistener.evalgo.org/resourcelock"
)

var nextID int64

// NewID returns a process-wide monotonically increasing task identifier.
func NewID() int64 {
	return atomic.AddInt64(&nextID, 1)
}

// Statistics reports the four interval durations §4.C defines, in
// milliseconds. Negative elapsed offsets (possible after deserializing a
// task whose timestamps came from a clock that jumped) clamp to zero.
type Statistics struct {
	UnscheduledTimeMs int64
	PendingTimeMs     int64
	HandlingTimeMs    int64
	LifespanMs        int64
}

// Task is an immutable-by-convention unit of work: its action, params, and
// resource set are frozen at construction (defensive copies), and only its
// lifecycle state, timestamps, and failure reference change thereafter, all
// guarded by an internal mutex.
type Task struct {
	mu sync.Mutex

	id            int64
	action        string
	params        map[string]interface{}
	resources     []resourcelock.ResourceKey
	allowCollapse bool
	signature     string
	groups        []*TaskGroup

	state State

	createdAt   time.Time
	scheduledAt time.Time
	startedAt   time.Time
	endedAt     time.Time

	failure error
}

// New constructs a Task in state UNSCHEDULED. params and resources are
// defensively deep-copied so later mutation by the caller cannot affect the
// frozen task, and the collapsing signature is computed immediately.
func New(action string, params map[string]interface{}, resources []resourcelock.ResourceKey, allowCollapse bool, group *TaskGroup) (*Task, error) {
	frozenParams := deepCopyMap(params)
	frozenResources := append([]resourcelock.ResourceKey(nil), resources...)

	resourceStrings := make([]string, len(frozenResources))
	for i, r := range frozenResources {
		resourceStrings[i] = r.String()
	}
	sig, err := Signature(action, frozenParams, resourceStrings)
	if err != nil {
		return nil, err
	}

	t := &Task{
		id:            NewID(),
		action:        action,
		params:        frozenParams,
		resources:     frozenResources,
		allowCollapse: allowCollapse,
		signature:     sig,
		state:         Unscheduled,
		createdAt:     time.Now(),
	}
	if group != nil {
		group.Attach()
		t.groups = append(t.groups, group)
	}
	return t, nil
}

// ID returns the task's monotonic identity.
func (t *Task) ID() int64 { return t.id }

// Action returns the task's action tag.
func (t *Task) Action() string { return t.action }

// Params returns a deep copy of the frozen parameter map, safe for the
// caller to mutate.
func (t *Task) Params() map[string]interface{} { return deepCopyMap(t.params) }

// Resources returns the task's resource-key set.
func (t *Task) Resources() []resourcelock.ResourceKey {
	return append([]resourcelock.ResourceKey(nil), t.resources...)
}

// AllowCollapse reports whether this task is eligible to be coalesced with
// another task of the same signature.
func (t *Task) AllowCollapse() bool { return t.allowCollapse }

// Signature returns the SHA-256 hex digest used for collapsing.
func (t *Task) Signature() string { return t.signature }

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Failure returns the error that drove a transition to FAILED, if any.
func (t *Task) Failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// AddObserverGroup attaches an additional TaskGroup to this task, without
// changing its lifecycle. This is how collapsing works: when an incoming
// duplicate task is coalesced into an existing SCHEDULED survivor, the
// incoming task's group becomes one more observer of the survivor's
// eventual completion.
func (t *Task) AddObserverGroup(g *TaskGroup) {
	if g == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	g.Attach()
	t.groups = append(t.groups, g)
}

// ResultGroup returns the first TaskGroup attached to this task, or nil if
// it was scheduled without one. Follow-up tasks created from inside a
// handler inherit this group so the originating message's completion
// tracking sees them too.
func (t *Task) ResultGroup() *TaskGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.groups) == 0 {
		return nil
	}
	return t.groups[0]
}

func (t *Task) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := requireTransition(t.state, to); err != nil {
		return err
	}
	now := time.Now()
	switch to {
	case Scheduled:
		t.scheduledAt = now
	case Started:
		t.startedAt = now
	case Successful, Failed, Aborted:
		t.endedAt = now
	}
	t.state = to
	return nil
}

// Schedule transitions UNSCHEDULED -> SCHEDULED.
func (t *Task) Schedule() error { return t.transition(Scheduled) }

// Start transitions SCHEDULED -> STARTED.
func (t *Task) Start() error { return t.transition(Started) }

// Succeed transitions STARTED -> SUCCESSFUL and notifies every observing
// TaskGroup.
func (t *Task) Succeed() error {
	if err := t.transition(Successful); err != nil {
		return err
	}
	t.notifyGroups()
	return nil
}

// Fail transitions STARTED -> FAILED, records cause, and notifies every
// observing TaskGroup.
func (t *Task) Fail(cause error) error {
	if err := t.transition(Failed); err != nil {
		return err
	}
	t.mu.Lock()
	t.failure = cause
	t.mu.Unlock()
	t.notifyGroups()
	return nil
}

// Abort transitions UNSCHEDULED or SCHEDULED -> ABORTED and notifies every
// observing TaskGroup.
func (t *Task) Abort() error {
	if err := t.transition(Aborted); err != nil {
		return err
	}
	t.notifyGroups()
	return nil
}

func (t *Task) notifyGroups() {
	t.mu.Lock()
	groups := append([]*TaskGroup(nil), t.groups...)
	t.mu.Unlock()
	for _, g := range groups {
		g.MarkTaskDone()
	}
}

// Statistics computes the four interval durations described in §4.C. Any
// boundary not yet reached is measured against time.Now(); a non-monotonic
// timestamp pairing (possible after deserialization) clamps to zero instead
// of going negative.
func (t *Task) Statistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	scheduledOrNow := t.scheduledAt
	if scheduledOrNow.IsZero() {
		scheduledOrNow = now
	}
	startedOrNow := t.startedAt
	if startedOrNow.IsZero() {
		startedOrNow = now
	}
	endedOrNow := t.endedAt
	if endedOrNow.IsZero() {
		endedOrNow = now
	}

	return Statistics{
		UnscheduledTimeMs: clampMs(scheduledOrNow.Sub(t.createdAt)),
		PendingTimeMs:     clampMs(startedOrNow.Sub(scheduledOrNow)),
		HandlingTimeMs:    clampMs(endedOrNow.Sub(startedOrNow)),
		LifespanMs:        clampMs(endedOrNow.Sub(t.createdAt)),
	}
}

func clampMs(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
