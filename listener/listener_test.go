package listener

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmlistener.evalgo.org/resourcelock"
	"dmlistener.evalgo.org/scheduler"
	"dmlistener.evalgo.org/task"
)

type memStore struct{}

func (memStore) PersistBatch(_ context.Context, _ []*task.Task) error { return nil }
func (memStore) Remove(_ context.Context, _ int64) error              { return nil }

func newRunningService(t *testing.T, handler scheduler.Handler) (*scheduler.Service, func()) {
	t.Helper()
	svc := scheduler.NewService(memStore{}, resourcelock.New(), handler, scheduler.Config{
		Concurrency:  4,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	return svc, func() { cancel(); svc.Stop() }
}

func TestDeriveResourceKeys_RecordAndEntities(t *testing.T) {
	body := map[string]interface{}{
		"DATA_SOURCE": "CUSTOMERS",
		"RECORD_ID":   "1001",
		"AFFECTED_ENTITIES": []interface{}{
			map[string]interface{}{"ENTITY_ID": "77"},
			map[string]interface{}{"ENTITY_ID": float64(78)},
		},
	}
	keys := deriveResourceKeys(body)
	require.Len(t, keys, 3)
	assert.Equal(t, "RECORD:CUSTOMERS:1001", keys[0].String())
	assert.Equal(t, "ENTITY:77", keys[1].String())
	assert.Equal(t, "ENTITY:78", keys[2].String())
}

func TestListener_Process_SchedulesRecordAndEntityTasksThenWaits(t *testing.T) {
	var actions []string
	done := make(chan struct{})
	var count int32

	handler := func(ctx context.Context, action string, params map[string]interface{}, followUp *scheduler.Scheduler) error {
		actions = append(actions, action)
		if atomic.AddInt32(&count, 1) == 2 {
			close(done)
		}
		return nil
	}
	svc, stop := newRunningService(t, handler)
	defer stop()

	l := New(svc, nil, nil, handler)
	body := map[string]interface{}{
		"DATA_SOURCE": "CUSTOMERS",
		"RECORD_ID":   "1001",
		"AFFECTED_ENTITIES": []interface{}{
			map[string]interface{}{"ENTITY_ID": "77"},
		},
	}

	processErrCh := make(chan error, 1)
	go func() { processErrCh <- l.Process(body) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks never ran")
	}

	select {
	case err := <-processErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process never returned after its tasks completed")
	}

	assert.ElementsMatch(t, []string{ActionRecord, ActionAffectedEntity}, actions)
}

func TestListener_Process_EmptyPayloadReturnsImmediately(t *testing.T) {
	svc, stop := newRunningService(t, func(ctx context.Context, action string, params map[string]interface{}, followUp *scheduler.Scheduler) error {
		t.Fatal("no task should be scheduled for an empty payload")
		return nil
	})
	defer stop()

	l := New(svc, nil, nil, nil)
	done := make(chan error, 1)
	go func() { done <- l.Process(map[string]interface{}{}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Process on an empty payload must not block")
	}
}

func TestReportKey_RoundTrips(t *testing.T) {
	k := ReportKey{Code: "RPT", Stat: "LOAD", DataSources: []string{"CUSTOMERS", "WATCHLIST"}}
	s := k.String()
	parsed, err := ParseReportKey(s)
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestReportKey_RejectsOutOfRangeTokenCount(t *testing.T) {
	_, err := ParseReportKey("ONLYONETOKEN")
	assert.Error(t, err)
	_, err = ParseReportKey("A:B:C:D:E")
	assert.Error(t, err)
}
