package cloudfifo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/consumer"
)

type fakeSQSClient struct {
	mu          sync.Mutex
	batches     [][]sqstypes.Message
	callIdx     int
	deleted     []string
	failUntil   int
	receiveHits int32
}

func (f *fakeSQSClient) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	atomic.AddInt32(&f.receiveHits, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callIdx < f.failUntil {
		f.callIdx++
		return nil, errors.New("throttled")
	}
	if f.callIdx >= len(f.batches) {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	out := f.batches[f.callIdx]
	f.callIdx++
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQSClient) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func body(s string) *string { return &s }

func TestTransport_ExtractMessageBody(t *testing.T) {
	tr := New(&fakeSQSClient{})
	got, err := tr.ExtractMessageBody(sqstypes.Message{Body: body(`{"RECORD_ID":"1"}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"RECORD_ID":"1"}`, got)
}

func TestTransport_ExtractMessageBody_WrongType(t *testing.T) {
	tr := New(&fakeSQSClient{})
	_, err := tr.ExtractMessageBody("not a message")
	assert.Error(t, err)
}

func TestTransport_DisposeMessage_DeletesByReceiptHandle(t *testing.T) {
	client := &fakeSQSClient{}
	tr := New(client)
	tr.queueURL = "https://example/queue"
	handle := "handle-1"
	err := tr.DisposeMessage(sqstypes.Message{ReceiptHandle: &handle})
	require.NoError(t, err)
	assert.Equal(t, []string{"handle-1"}, client.deleted)
}

func TestTransport_DoConsume_RetriesThenDelivers(t *testing.T) {
	client := &fakeSQSClient{
		failUntil: 2,
		batches: [][]sqstypes.Message{
			{{Body: body(`{"RECORD_ID":"1"}`), ReceiptHandle: body("h1")}},
		},
	}
	tr := New(client)
	require.NoError(t, tr.DoInit(&config.Values{
		"url":            "https://example/queue",
		"maximumRetries": 5,
		"retryWaitTime":  0,
	}))

	c := consumer.New(tr)
	require.NoError(t, c.Init(config.Values{"concurrency": 1}))

	var processed int32
	done := make(chan struct{})
	proc := consumer.MessageProcessorFunc(func(body map[string]interface{}) error {
		if atomic.AddInt32(&processed, 1) == 1 {
			close(done)
		}
		return nil
	})
	go func() { _ = c.Consume(context.Background(), proc) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered despite retry")
	}
	require.NoError(t, c.Destroy())
	c.WaitUntilDestroyed()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&client.receiveHits), int32(3))
}

func TestTransport_PauseResume_TogglesFlag(t *testing.T) {
	tr := New(&fakeSQSClient{})
	require.NoError(t, tr.Pause())
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.paused))
	require.NoError(t, tr.Resume())
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.paused))
}

func TestTransport_DoDestroy_StopsPoller(t *testing.T) {
	client := &fakeSQSClient{}
	tr := New(client)
	require.NoError(t, tr.DoInit(&config.Values{"url": "https://example/queue"}))
	c := consumer.New(tr)
	require.NoError(t, c.Init(config.Values{"concurrency": 1}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Consume(context.Background(), consumer.MessageProcessorFunc(func(map[string]interface{}) error { return nil }))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Destroy())
	c.WaitUntilDestroyed()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume never returned after Destroy")
	}
}
