// Package sqltransport implements the SQL concrete transport for the
// Abstract Message Consumer (§4.G): it polls an sqlqueue.Client for leased
// rows and, when configured with queueRegistryName, registers a same-process
// MessageQueue façade so producers sharing this process can publish without
// their own broker connection.
package sqltransport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/consumer"
	"dmlistener.evalgo.org/listenerrors"
	"dmlistener.evalgo.org/registry"
	"dmlistener.evalgo.org/sqlqueue"
)

// MessageQueue is the façade registered under queueRegistryName so other
// components in the same process can enqueue work without a broker URL.
type MessageQueue interface {
	Publish(ctx context.Context, body string) error
}

type messageQueue struct {
	client sqlqueue.Client
}

func (q *messageQueue) Publish(ctx context.Context, body string) error {
	_, err := q.client.InsertMessage(ctx, body)
	if err != nil {
		return &listenerrors.TransientTransport{Op: "sqltransport.Publish", Cause: err}
	}
	return nil
}

// Transport is the SQL concrete transport.
type Transport struct {
	client sqlqueue.Client
	reg    *registry.Registry

	leaseTime        int
	maximumLeaseCount int
	maximumSleepTime time.Duration
	maximumRetries   int
	retryWaitTime    time.Duration
	registryName     string
	registryToken    registry.Token

	paused int32

	stopCh chan struct{}
}

// New constructs an SQL transport bound to an already-configured client and
// registry; a nil reg selects the process-wide registry.Default().
func New(client sqlqueue.Client, reg *registry.Registry) *Transport {
	if reg == nil {
		reg = registry.Default()
	}
	return &Transport{client: client, reg: reg, stopCh: make(chan struct{})}
}

// DoInit reads the SQL-specific config keys documented in §4.F and
// optionally registers the MessageQueue façade.
func (t *Transport) DoInit(cfg *config.Values) error {
	cleanDatabase, err := cfg.Bool("cleanDatabase", false)
	if err != nil {
		return err
	}
	if err := t.client.EnsureSchema(context.Background(), cleanDatabase); err != nil {
		return &listenerrors.SetupFailure{Op: "sqltransport.DoInit", Cause: err}
	}

	leaseTime, err := cfg.Int("leaseTime", 60)
	if err != nil {
		return err
	}
	maxLease, err := cfg.Int("maximumLeaseCount", 10)
	if err != nil {
		return err
	}
	maxSleep, err := cfg.Duration("maximumSleepTime", 5*time.Second, time.Second)
	if err != nil {
		return err
	}
	maxRetries, err := cfg.Int("maximumRetries", 3)
	if err != nil {
		return err
	}
	retryWait, err := cfg.Duration("retryWaitTime", time.Second, time.Second)
	if err != nil {
		return err
	}

	t.leaseTime = leaseTime
	t.maximumLeaseCount = maxLease
	t.maximumSleepTime = maxSleep
	t.maximumRetries = maxRetries
	t.retryWaitTime = retryWait

	if name := cfg.String("queueRegistryName", ""); name != "" {
		token, err := t.reg.Bind(name, MessageQueue(&messageQueue{client: t.client}))
		if err != nil {
			return &listenerrors.SetupFailure{Op: "sqltransport.DoInit", Cause: err}
		}
		t.registryName = name
		t.registryToken = token
	}
	return nil
}

// DoConsume polls the queue client on a fixed interval, leasing up to
// maximumLeaseCount rows at a time and handing each to the consumer core.
func (t *Transport) DoConsume(c *consumer.Consumer, processor consumer.MessageProcessor) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	leaseID := uuid.NewString()
	for {
		select {
		case <-t.stopCh:
			return nil
		case <-ticker.C:
			if atomic.LoadInt32(&t.paused) == 1 {
				continue // a paused poll cycle is simply skipped, per §4.F
			}
			t.pollOnce(c, processor, leaseID)
		}
	}
}

func (t *Transport) pollOnce(c *consumer.Consumer, processor consumer.MessageProcessor, leaseID string) {
	ctx := context.Background()
	n, err := t.client.LeaseMessages(ctx, leaseID, t.leaseTime, t.maximumLeaseCount)
	if err != nil || n == 0 {
		return
	}
	leased, err := t.client.GetLeasedMessages(ctx, leaseID)
	if err != nil {
		return
	}
	for _, msg := range leased {
		if err := c.EnqueueMessages(processor, msg); err != nil {
			continue
		}
	}
}

// ExtractMessageBody returns the leased row's text column.
func (t *Transport) ExtractMessageBody(raw interface{}) (string, error) {
	msg, ok := raw.(sqlqueue.LeasedMessage)
	if !ok {
		return "", &listenerrors.SetupFailure{Op: "sqltransport.ExtractMessageBody", Cause: unexpectedTypeErr(raw)}
	}
	return msg.MessageText, nil
}

// DisposeMessage deletes the row, conditional on it still being held by its
// original lease.
func (t *Transport) DisposeMessage(raw interface{}) error {
	msg, ok := raw.(sqlqueue.LeasedMessage)
	if !ok {
		return unexpectedTypeErr(raw)
	}
	return t.client.DeleteMessage(context.Background(), msg.MessageID, msg.LeaseID)
}

func unexpectedTypeErr(raw interface{}) error {
	return fmt.Errorf("sqltransport: unexpected raw message type %T", raw)
}

// Pause skips poll cycles until Resume; no broker-side action is possible
// for a pull-based SQL transport, so this is the entirety of its throttling.
func (t *Transport) Pause() error {
	atomic.StoreInt32(&t.paused, 1)
	return nil
}

// Resume re-enables polling.
func (t *Transport) Resume() error {
	atomic.StoreInt32(&t.paused, 0)
	return nil
}

// DoDestroy stops the poller, unregisters the MessageQueue façade if
// registered, and closes the underlying client.
func (t *Transport) DoDestroy() error {
	close(t.stopCh)
	if t.registryName != "" {
		_ = t.reg.Unbind(t.registryName, t.registryToken)
	}
	return t.client.Close()
}
