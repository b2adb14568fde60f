package consumer

import "dmlistener.evalgo.org/config"

// MessageProcessor is the user-supplied handler invoked once per InfoMessage.
// It must return a *listenerrors.ServiceExecutionFailure for a retryable
// failure (retried up to the configured bound); any error that does not
// report itself as retryable via listenerrors.Retryable is treated as a
// terminal failure on the first attempt.
type MessageProcessor interface {
	Process(body map[string]interface{}) error
}

// MessageProcessorFunc adapts a plain function to MessageProcessor.
type MessageProcessorFunc func(body map[string]interface{}) error

func (f MessageProcessorFunc) Process(body map[string]interface{}) error { return f(body) }

// Transport is the four-hook extension seam concrete transports (AMQP, SQL,
// cloud FIFO) implement; see §4.G. The consumer core drives init/consume/
// destroy and calls extractMessageBody/disposeMessage on the transport's raw
// message values without knowing their concrete type.
type Transport interface {
	// DoInit resolves credentials and opens or prepares the connection.
	DoInit(cfg *config.Values) error
	// DoConsume starts the background poller. It must call
	// c.EnqueueMessages(processor, rawMessage) for each raw message it
	// receives, and should return once told to stop via DoDestroy.
	DoConsume(c *Consumer, processor MessageProcessor) error
	// ExtractMessageBody returns the raw message's UTF-8 text body.
	ExtractMessageBody(raw interface{}) (string, error)
	// DisposeMessage permanently removes raw (ack/delete). Failure is logged
	// by the caller, never propagated as fatal.
	DisposeMessage(raw interface{}) error
	// DoDestroy closes handles and joins background goroutines.
	DoDestroy() error
	// Pause asks the transport to stop pulling new raw messages (throttling).
	Pause() error
	// Resume asks the transport to resume pulling new raw messages.
	Resume() error
}
