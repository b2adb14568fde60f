// Package cloudfifo implements the cloud FIFO concrete transport (§4.G):
// HTTPS long-poll receive plus delete-on-ack, modeled on AWS SQS FIFO
// queues via aws-sdk-go-v2.
package cloudfifo

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/consumer"
	"dmlistener.evalgo.org/listenerrors"
	"dmlistener.evalgo.org/retry"
)

// sqsClient is the subset of *sqs.Client this transport calls, so tests can
// substitute a fake.
type sqsClient interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Transport is the cloud FIFO concrete transport.
type Transport struct {
	client sqsClient

	queueURL          string
	visibilityTimeout int32
	retryPolicy       retry.Policy

	paused int32
	stopCh chan struct{}
}

// New constructs a cloud FIFO transport. If client is nil, DoInit builds one
// from the default AWS SDK credential chain.
func New(client sqsClient) *Transport {
	return &Transport{client: client, stopCh: make(chan struct{})}
}

// DoInit reads url/maximumRetries/retryWaitTime/visibilityTimeout.
func (t *Transport) DoInit(cfg *config.Values) error {
	url, err := cfg.RequireString("url")
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
	visibility, err := cfg.Int("visibilityTimeout", 30)
	if err != nil {
		return err
	}

	if t.client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return &listenerrors.SetupFailure{Op: "cloudfifo.DoInit", Cause: err}
		}
		t.client = sqs.NewFromConfig(awsCfg)
	}

	t.queueURL = url
	t.visibilityTimeout = int32(visibility)
	t.retryPolicy = retry.NewPolicy(maxRetries, retryWait, retry.ExponentialBackoff{Max: 30 * time.Second})
	return nil
}

// DoConsume long-polls ReceiveMessage and relays each message to the
// consumer core.
func (t *Transport) DoConsume(c *consumer.Consumer, processor consumer.MessageProcessor) error {
	for {
		select {
		case <-t.stopCh:
			return nil
		default:
		}
		if atomic.LoadInt32(&t.paused) == 1 {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		var out *sqs.ReceiveMessageOutput
		err := retry.Do(t.retryPolicy, time.Sleep, func(int) error {
			var receiveErr error
			out, receiveErr = t.client.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{
				QueueUrl:            &t.queueURL,
				MaxNumberOfMessages: 10,
				WaitTimeSeconds:     20,
				VisibilityTimeout:   t.visibilityTimeout,
			})
			return receiveErr
		})
		if err != nil {
			continue // retry policy exhausted: the error is dropped and the poller starts a new receive cycle
		}
		for _, m := range out.Messages {
			if err := c.EnqueueMessages(processor, m); err != nil {
				continue
			}
		}
	}
}

// ExtractMessageBody returns the SQS message body text.
func (t *Transport) ExtractMessageBody(raw interface{}) (string, error) {
	m, ok := raw.(sqstypes.Message)
	if !ok {
		return "", fmt.Errorf("cloudfifo: unexpected raw message type %T", raw)
	}
	if m.Body == nil {
		return "", nil
	}
	return *m.Body, nil
}

// DisposeMessage deletes the message using its receipt handle.
func (t *Transport) DisposeMessage(raw interface{}) error {
	m, ok := raw.(sqstypes.Message)
	if !ok {
		return fmt.Errorf("cloudfifo: unexpected raw message type %T", raw)
	}
	_, err := t.client.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{
		QueueUrl:      &t.queueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	return err
}

// Pause skips receive cycles; there is no server-side pause for a pull-based
// HTTPS transport.
func (t *Transport) Pause() error {
	atomic.StoreInt32(&t.paused, 1)
	return nil
}

// Resume re-enables receive cycles.
func (t *Transport) Resume() error {
	atomic.StoreInt32(&t.paused, 0)
	return nil
}

// DoDestroy stops the poller loop. There is no persistent connection to
// close for an HTTPS transport.
func (t *Transport) DoDestroy() error {
	close(t.stopCh)
	return nil
}
