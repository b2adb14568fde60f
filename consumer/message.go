package consumer

import "sync"

// InfoMessage is one JSON object extracted from a raw transport message
// (§4.F step 2 splits a JSON array into N of these). It tracks its own
// pending/retry state independently of its sibling InfoMessages in the same
// batch; a failure in one never blocks the eventual disposal of the rest.
type InfoMessage struct {
	mu         sync.Mutex
	Body       map[string]interface{}
	batch      *MessageBatch
	pending    bool
	retryCount int
}

// Pending reports whether this message is still awaiting a terminal
// process() outcome.
func (m *InfoMessage) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// RetryCount reports how many times this message has been re-pushed after a
// ServiceExecutionFailure.
func (m *InfoMessage) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

func (m *InfoMessage) incrementRetry() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount++
	return m.retryCount
}

// markProcessed records a terminal (success or exhausted-retry) outcome and
// reports whether every InfoMessage in the parent batch is now non-pending,
// in which case the caller should dispose of the raw message.
func (m *InfoMessage) markProcessed() bool {
	m.mu.Lock()
	m.pending = false
	m.mu.Unlock()
	return m.batch.allNonPending()
}

// MessageBatch wraps one raw transport message and the InfoMessages parsed
// out of its body. Disposal (ack/delete) happens once every member
// InfoMessage has reached a terminal outcome, regardless of whether each one
// individually succeeded.
type MessageBatch struct {
	mu       sync.Mutex
	Raw      interface{}
	Messages []*InfoMessage
}

// newMessageBatch wraps raw and the already-parsed bodies into a batch,
// linking each InfoMessage back to it.
func newMessageBatch(raw interface{}, bodies []map[string]interface{}) *MessageBatch {
	b := &MessageBatch{Raw: raw}
	b.Messages = make([]*InfoMessage, len(bodies))
	for i, body := range bodies {
		b.Messages[i] = &InfoMessage{Body: body, batch: b, pending: true}
	}
	return b
}

func (b *MessageBatch) allNonPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.Messages {
		if m.Pending() {
			return false
		}
	}
	return true
}
