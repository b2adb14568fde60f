// Package amqp implements the AMQP 0-9-1 concrete transport for the Abstract
// Message Consumer (§4.G): a queue declared on a broker, consumed via
// basic.consume, with the returned consumer tag retained so the consumer
// core's throttling can cancel/resume it.
package amqp

import (
	"fmt"
	"sync"

	streadway "github.com/streadway/amqp"

	"dmlistener.evalgo.org/common"
	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/consumer"
	"dmlistener.evalgo.org/listenerrors"
)

// Transport is the AMQP concrete transport. The connection is opened lazily,
// the first time DoConsume runs, matching the broker-restart-tolerant norm
// the teacher's own connection-setup code follows.
type Transport struct {
	mu sync.Mutex

	uri   string
	queue string

	conn    *streadway.Connection
	channel *streadway.Channel

	consumerTag string
	deliveries  <-chan streadway.Delivery

	stopCh chan struct{}
	resume chan struct{}
}

// New constructs an AMQP transport; call DoInit via the owning Consumer.
func New() *Transport {
	return &Transport{stopCh: make(chan struct{}), resume: make(chan struct{}, 1)}
}

// DoInit resolves host/port/queue/virtualHost/user/password into a broker
// URI. It does not connect: the connection is opened and the queue declared
// on the first DoConsume, so a broker-side misconfiguration surfaces there.
func (t *Transport) DoInit(cfg *config.Values) error {
	host, err := cfg.RequireString("host")
	if err != nil {
		return err
	}
	queue, err := cfg.RequireString("queue")
	if err != nil {
		return err
	}
	port, err := cfg.Int("port", 5672)
	if err != nil {
		return err
	}
	vhost := cfg.String("virtualHost", "/")
	user := cfg.String("user", "guest")
	password := cfg.String("password", "guest")

	t.mu.Lock()
	t.uri = fmt.Sprintf("amqp://%s:%s@%s:%d/%s", user, password, host, port, vhost)
	t.queue = queue
	t.mu.Unlock()

	common.Logger.WithFields(map[string]interface{}{
		"host":     host,
		"port":     port,
		"queue":    queue,
		"user":     user,
		"password": common.MaskSecret(password),
	}).Debug("amqp transport configured")
	return nil
}

// DoConsume connects lazily, declares the queue (retried once on failure per
// §4.G), starts consuming, and relays every delivery into
// c.EnqueueMessages until the transport is destroyed.
func (t *Transport) DoConsume(c *consumer.Consumer, processor consumer.MessageProcessor) error {
	if err := t.connect(); err != nil {
		return &listenerrors.TransientTransport{Op: "amqp.DoConsume", Cause: err}
	}

	tag, deliveries, err := t.startConsuming()
	if err != nil {
		return &listenerrors.TransientTransport{Op: "amqp.DoConsume", Cause: err}
	}
	t.mu.Lock()
	t.consumerTag = tag
	t.deliveries = deliveries
	t.mu.Unlock()

	for {
		t.mu.Lock()
		current := t.deliveries
		t.mu.Unlock()

		select {
		case d, ok := <-current:
			if !ok {
				// The delivery channel closed: either we were destroyed, or
				// Pause cancelled it and Resume hasn't re-subscribed yet.
				select {
				case <-t.stopCh:
					return nil
				case <-t.resume:
					continue
				}
			}
			if err := c.EnqueueMessages(processor, d); err != nil {
				common.Logger.WithError(err).Warn("amqp enqueue failed")
			}
		case <-t.stopCh:
			return nil
		}
	}
}

func (t *Transport) connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := streadway.Dial(t.uri)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := ch.QueueDeclare(t.queue, true, false, false, false, nil); err != nil {
		// retried once, per §4.G, to tolerate a broker mid-restart.
		ch2, rerr := conn.Channel()
		if rerr != nil {
			conn.Close()
			return err
		}
		if _, err2 := ch2.QueueDeclare(t.queue, true, false, false, false, nil); err2 != nil {
			conn.Close()
			return err2
		}
		ch = ch2
	}
	t.conn = conn
	t.channel = ch
	return nil
}

func (t *Transport) startConsuming() (string, <-chan streadway.Delivery, error) {
	t.mu.Lock()
	ch := t.channel
	queue := t.queue
	t.mu.Unlock()

	tag := fmt.Sprintf("listener-%p", t)
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return "", nil, err
	}
	return tag, deliveries, nil
}

// ExtractMessageBody returns the delivery's UTF-8 body.
func (t *Transport) ExtractMessageBody(raw interface{}) (string, error) {
	d, ok := raw.(streadway.Delivery)
	if !ok {
		return "", fmt.Errorf("amqp: unexpected raw message type %T", raw)
	}
	return string(d.Body), nil
}

// DisposeMessage acks the delivery.
func (t *Transport) DisposeMessage(raw interface{}) error {
	d, ok := raw.(streadway.Delivery)
	if !ok {
		return fmt.Errorf("amqp: unexpected raw message type %T", raw)
	}
	return d.Ack(false)
}

// Pause cancels the retained consumer tag (basic.cancel), per §4.F's
// throttling contract.
func (t *Transport) Pause() error {
	t.mu.Lock()
	ch, tag := t.channel, t.consumerTag
	t.mu.Unlock()
	if ch == nil || tag == "" {
		return nil
	}
	return ch.Cancel(tag, false)
}

// Resume re-issues basic.consume under the same tag and wakes DoConsume's
// loop so it picks up the new delivery channel.
func (t *Transport) Resume() error {
	tag, deliveries, err := t.startConsuming()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.consumerTag = tag
	t.deliveries = deliveries
	t.mu.Unlock()
	select {
	case t.resume <- struct{}{}:
	default:
	}
	return nil
}

// DoDestroy closes the channel and connection and stops the poller loop.
func (t *Transport) DoDestroy() error {
	close(t.stopCh)
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.channel != nil {
		if err := t.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
