package listener

import (
	"context"
	"fmt"

	"dmlistener.evalgo.org/resourcelock"
	"dmlistener.evalgo.org/scheduler"
	"dmlistener.evalgo.org/task"
)

// Default action tags the built-in scheduleTasks hook emits, and the
// resource-type each maps to per §4.I's "action→resource-type map".
const (
	ActionRecord         = "RECORD"
	ActionAffectedEntity = "AFFECTED_ENTITY"

	ResourceTypeRecord = "RECORD"
	ResourceTypeEntity = "ENTITY"
)

// DefaultActionResourceTypes is the action→resource-type map a Listener uses
// when none is supplied to New.
func DefaultActionResourceTypes() map[string]string {
	return map[string]string{
		ActionRecord:         ResourceTypeRecord,
		ActionAffectedEntity: ResourceTypeEntity,
	}
}

// ScheduleTasksFunc builds and stages tasks for one parsed INFO payload onto
// sch, but does not commit it. Replacing this hook is how an embedding
// application changes which tasks a message produces; the default
// implementation schedules one RECORD task and one AFFECTED_ENTITY task per
// affected entity, each keyed by its own resource.
type ScheduleTasksFunc func(body map[string]interface{}, resourceKeys []resourcelock.ResourceKey, sch *scheduler.Scheduler) error

// HandleTaskFunc executes one task's action. This is the function an
// embedding application supplies as the scheduler.Handler; Listener.AsHandler
// adapts it to that signature and is typically the only override needed
// alongside the default ScheduleTasksFunc.
type HandleTaskFunc func(ctx context.Context, action string, params map[string]interface{}, followUp *scheduler.Scheduler) error

// Listener is the base MessageProcessor of §4.I: it recognizes a
// Senzing-style INFO payload (DATA_SOURCE, RECORD_ID, AFFECTED_ENTITIES),
// derives the resource keys it touches, and drives a Scheduler handle
// through ScheduleTasks/HandleTask. Exactly one of the two hooks is
// typically overridden; the other keeps its default.
type Listener struct {
	svc            *scheduler.Service
	actionResource map[string]string
	scheduleTasks  ScheduleTasksFunc
	handleTask     HandleTaskFunc
}

// New constructs a Listener bound to svc. scheduleTasks/handleTask may be
// nil to keep the corresponding default behavior.
func New(svc *scheduler.Service, actionResourceTypes map[string]string, scheduleTasks ScheduleTasksFunc, handleTask HandleTaskFunc) *Listener {
	if actionResourceTypes == nil {
		actionResourceTypes = DefaultActionResourceTypes()
	}
	l := &Listener{svc: svc, actionResource: actionResourceTypes}
	if scheduleTasks != nil {
		l.scheduleTasks = scheduleTasks
	} else {
		l.scheduleTasks = l.defaultScheduleTasks
	}
	if handleTask != nil {
		l.handleTask = handleTask
	} else {
		l.handleTask = l.defaultHandleTask
	}
	return l
}

// AsHandler adapts the listener's HandleTaskFunc to scheduler.Handler, for
// wiring into scheduler.NewService.
func (l *Listener) AsHandler() scheduler.Handler {
	return scheduler.Handler(l.handleTask)
}

// Process implements consumer.MessageProcessor. It derives resource keys
// from the payload, stages tasks through ScheduleTasks, commits them under a
// fresh TaskGroup, and blocks until every task committed reaches a terminal
// state before returning — so the originating InfoMessage is only marked
// processed once its derived tasks have actually run, per §2's data/control
// flow.
func (l *Listener) Process(body map[string]interface{}) error {
	keys := deriveResourceKeys(body)

	group := task.NewTaskGroup()
	sch := l.svc.NewScheduler(group)

	if err := l.scheduleTasks(body, keys, sch); err != nil {
		return err
	}

	ctx := context.Background()
	if err := sch.Commit(ctx); err != nil {
		return err
	}

	if group.Pending() == 0 {
		return nil
	}
	<-group.Done()
	return nil
}

// defaultScheduleTasks implements §4.I's default wiring: one RECORD task
// keyed by DATA_SOURCE:RECORD_ID, and one AFFECTED_ENTITY task per entry in
// AFFECTED_ENTITIES, keyed by ENTITY:<entity id>.
func (l *Listener) defaultScheduleTasks(body map[string]interface{}, keys []resourcelock.ResourceKey, sch *scheduler.Scheduler) error {
	dataSource, _ := body["DATA_SOURCE"].(string)
	recordID, _ := body["RECORD_ID"].(string)

	if dataSource != "" && recordID != "" {
		recordKey := resourcelock.NewResourceKey(ResourceTypeRecord, dataSource, recordID)
		if _, err := sch.CreateTaskBuilder(ActionRecord).
			Parameter("DATA_SOURCE", dataSource).
			Parameter("RECORD_ID", recordID).
			Resource(recordKey).
			AllowCollapse(true).
			Schedule(context.Background(), false); err != nil {
			return err
		}
	}

	for _, entityID := range affectedEntityIDs(body) {
		entityKey := resourcelock.NewResourceKey(ResourceTypeEntity, entityID)
		if _, err := sch.CreateTaskBuilder(ActionAffectedEntity).
			Parameter("ENTITY_ID", entityID).
			Resource(entityKey).
			AllowCollapse(true).
			Schedule(context.Background(), false); err != nil {
			return err
		}
	}
	return nil
}

// defaultHandleTask fails every task with an error naming its action;
// embedding applications are expected to supply their own via New.
func (l *Listener) defaultHandleTask(ctx context.Context, action string, params map[string]interface{}, followUp *scheduler.Scheduler) error {
	return fmt.Errorf("listener: no handleTask configured for action %q", action)
}

// deriveResourceKeys implements §4.I(b): the record key plus one key per
// affected entity id.
func deriveResourceKeys(body map[string]interface{}) []resourcelock.ResourceKey {
	var keys []resourcelock.ResourceKey

	dataSource, _ := body["DATA_SOURCE"].(string)
	recordID, _ := body["RECORD_ID"].(string)
	if dataSource != "" && recordID != "" {
		keys = append(keys, resourcelock.NewResourceKey(ResourceTypeRecord, dataSource, recordID))
	}

	for _, entityID := range affectedEntityIDs(body) {
		keys = append(keys, resourcelock.NewResourceKey(ResourceTypeEntity, entityID))
	}
	return keys
}

func affectedEntityIDs(body map[string]interface{}) []string {
	raw, ok := body["AFFECTED_ENTITIES"].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch v := entry["ENTITY_ID"].(type) {
		case string:
			ids = append(ids, v)
		case float64:
			ids = append(ids, fmt.Sprintf("%d", int64(v)))
		}
	}
	return ids
}
