package sqltransport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/consumer"
	"dmlistener.evalgo.org/registry"
	"dmlistener.evalgo.org/sqlqueue"
)

type fakeClient struct {
	mu          sync.Mutex
	rows        []sqlqueue.LeasedMessage
	leased      map[string][]sqlqueue.LeasedMessage
	deleted     []int64
	schemaCalls int32
	closed      int32
}

func newFakeClient(texts ...string) *fakeClient {
	rows := make([]sqlqueue.LeasedMessage, 0, len(texts))
	for i, text := range texts {
		rows = append(rows, sqlqueue.LeasedMessage{MessageID: int64(i + 1), MessageText: text})
	}
	return &fakeClient{rows: rows, leased: map[string][]sqlqueue.LeasedMessage{}}
}

func (f *fakeClient) EnsureSchema(ctx context.Context, recreate bool) error {
	atomic.AddInt32(&f.schemaCalls, 1)
	return nil
}

func (f *fakeClient) InsertMessage(ctx context.Context, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.rows) + 1)
	f.rows = append(f.rows, sqlqueue.LeasedMessage{MessageID: id, MessageText: text})
	return id, nil
}

func (f *fakeClient) GetMessageCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeClient) IsQueueEmpty(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows) == 0, nil
}

func (f *fakeClient) LeaseMessages(ctx context.Context, leaseID string, ttlSeconds int, max int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return 0, nil
	}
	n := len(f.rows)
	if n > max {
		n = max
	}
	claimed := f.rows[:n]
	f.rows = f.rows[n:]
	for i := range claimed {
		claimed[i].LeaseID = leaseID
	}
	f.leased[leaseID] = append(f.leased[leaseID], claimed...)
	return n, nil
}

func (f *fakeClient) GetLeasedMessages(ctx context.Context, leaseID string) ([]sqlqueue.LeasedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leased[leaseID], nil
}

func (f *fakeClient) RenewLease(ctx context.Context, msg sqlqueue.LeasedMessage, ttlSeconds int) (int64, error) {
	return 0, nil
}

func (f *fakeClient) DeleteMessage(ctx context.Context, id int64, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeClient) ReleaseExpiredLeases(ctx context.Context, graceSeconds int) (int, error) {
	return 0, nil
}

func (f *fakeClient) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func TestTransport_DoInit_EnsuresSchemaAndRegistersQueue(t *testing.T) {
	client := newFakeClient()
	reg := registry.New()
	tr := New(client, reg)
	require.NoError(t, tr.DoInit(&config.Values{"queueRegistryName": "dm.queue"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.schemaCalls))

	mq, ok := reg.Lookup("dm.queue")
	require.True(t, ok)
	queue, ok := mq.(MessageQueue)
	require.True(t, ok)
	require.NoError(t, queue.Publish(context.Background(), `{"RECORD_ID":"1"}`))
	assert.Equal(t, 1, len(client.rows))
}

func TestTransport_ExtractMessageBody_WrongType(t *testing.T) {
	tr := New(newFakeClient(), nil)
	_, err := tr.ExtractMessageBody("not a leased message")
	assert.Error(t, err)
}

func TestTransport_DoConsume_LeasesAndDeliversRows(t *testing.T) {
	client := newFakeClient(`{"RECORD_ID":"1"}`, `{"RECORD_ID":"2"}`)
	tr := New(client, nil)
	require.NoError(t, tr.DoInit(&config.Values{"leaseTime": 10, "maximumLeaseCount": 10}))

	c := consumer.New(tr)
	require.NoError(t, c.Init(config.Values{"concurrency": 2}))

	var processed int32
	done := make(chan struct{})
	proc := consumer.MessageProcessorFunc(func(body map[string]interface{}) error {
		if atomic.AddInt32(&processed, 1) == 2 {
			close(done)
		}
		return nil
	})
	go func() { _ = c.Consume(context.Background(), proc) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rows never delivered")
	}
	require.NoError(t, c.Destroy())
	c.WaitUntilDestroyed()

	assert.Equal(t, int32(1), atomic.LoadInt32(&client.closed), "DoDestroy must close the underlying client")
	assert.ElementsMatch(t, []int64{1, 2}, client.deleted)
}

func TestTransport_PauseSkipsPollCycles(t *testing.T) {
	client := newFakeClient(`{"RECORD_ID":"1"}`)
	tr := New(client, nil)
	require.NoError(t, tr.DoInit(&config.Values{}))
	require.NoError(t, tr.Pause())

	c := consumer.New(tr)
	require.NoError(t, c.Init(config.Values{"concurrency": 1}))
	go func() {
		_ = c.Consume(context.Background(), consumer.MessageProcessorFunc(func(map[string]interface{}) error { return nil }))
	}()

	time.Sleep(150 * time.Millisecond)
	client.mu.Lock()
	leasedCount := len(client.leased)
	client.mu.Unlock()
	assert.Equal(t, 0, leasedCount, "a paused transport must not lease rows")

	require.NoError(t, c.Destroy())
	c.WaitUntilDestroyed()
}
