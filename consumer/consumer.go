// Package consumer implements the Abstract Message Consumer: the
// UNINITIALIZED→INITIALIZED→CONSUMING→DESTROYING→DESTROYED state machine,
// its dequeue/dispatch loop, throttling, and statistics, shared by every
// concrete transport in msgtransport/.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"dmlistener.evalgo.org/common"
	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/listenerrors"
)

// Consumer is the transport-agnostic core that drives a concrete Transport
// passed to New. All public methods validate state per §4.F;
// illegal calls return *listenerrors.InvalidState.
type Consumer struct {
	mu        sync.Mutex
	state     State
	transport Transport
	cfg       *config.Values

	concurrency  int
	maxPending   int
	lowWaterMark int
	timeout      time.Duration

	sem   *semaphore.Weighted
	stats *Statistics
	log   *common.ContextLogger

	pendingCount int64
	paused       int32 // 0 or 1, atomic
	resuming     int32 // 1 while a resume watcher goroutine is active

	processingDone chan struct{}
	destroyedCh    chan struct{}
}

// New constructs a Consumer in state UNINITIALIZED, bound to transport.
func New(transport Transport) *Consumer {
	return &Consumer{
		state:       Uninitialized,
		transport:   transport,
		log:         common.ServiceLogger("consumer", "").WithField("transport", transportKind(transport)),
		destroyedCh: make(chan struct{}),
	}
}

// transportKind names a transport's concrete type for log correlation,
// since the Transport interface itself carries no identifying name.
func transportKind(t Transport) string {
	return fmt.Sprintf("%T", t)
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Init parses and validates cfg, then calls the transport's DoInit hook.
// Calling Init twice is an InvalidState error.
func (c *Consumer) Init(cfg config.Values) error {
	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return &listenerrors.InvalidState{Op: "consumer.Init", Expected: string(Uninitialized), Actual: string(c.state)}
	}
	c.mu.Unlock()

	concurrency, err := cfg.Int("concurrency", runtime.NumCPU())
	if err != nil {
		return &listenerrors.SetupFailure{Op: "consumer.Init", Cause: err}
	}
	if concurrency < 1 {
		return &listenerrors.SetupFailure{Op: "consumer.Init", Cause: &invalidValueError{"concurrency must be >= 1"}}
	}
	maxPending, err := cfg.Int("maximumPendingCount", concurrency*4)
	if err != nil {
		return &listenerrors.SetupFailure{Op: "consumer.Init", Cause: err}
	}
	timeoutMs, err := cfg.Duration("timeout", 0, time.Millisecond)
	if err != nil {
		return &listenerrors.SetupFailure{Op: "consumer.Init", Cause: err}
	}

	if err := c.transport.DoInit(&cfg); err != nil {
		return &listenerrors.SetupFailure{Op: "consumer.Init", Cause: err}
	}

	c.mu.Lock()
	c.cfg = &cfg
	c.concurrency = concurrency
	c.maxPending = maxPending
	c.lowWaterMark = maxPending / 2
	c.timeout = timeoutMs
	c.sem = semaphore.NewWeighted(int64(concurrency))
	c.stats = newStatistics(concurrency)
	c.state = Initialized
	c.mu.Unlock()
	return nil
}

// Consume requires state=INITIALIZED, transitions to CONSUMING, starts the
// processing thread, and blocks until the consumer reaches DESTROYED.
// Concurrent calls fail with InvalidState.
func (c *Consumer) Consume(ctx context.Context, processor MessageProcessor) error {
	c.mu.Lock()
	if err := requireState("consumer.Consume", c.state, Initialized); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = Consuming
	c.processingDone = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.processingDone)
		if err := c.transport.DoConsume(c, processor); err != nil {
			c.log.WithError(err).Error("transport DoConsume returned")
		}
	}()

	go c.logStatsPeriodically()

	<-c.destroyedCh
	return nil
}

// logStatsPeriodically emits a running statistics summary on a fixed
// cadence for the lifetime of the CONSUMING state, giving operators the
// same kind of running counters view the teacher's services log.
func (c *Consumer) logStatsPeriodically() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.destroyedCh:
			return
		case <-ticker.C:
			c.stats.LogSummary()
		}
	}
}

// EnqueueMessages implements §4.F step 2: it is the callback a transport's
// poller invokes per raw message received.
func (c *Consumer) EnqueueMessages(processor MessageProcessor, raw interface{}) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Consuming {
		return &listenerrors.InvalidState{Op: "consumer.EnqueueMessages", Expected: string(Consuming), Actual: string(state)}
	}

	var body string
	var extractErr error
	c.stats.enqueue.observe(func() {
		body, extractErr = c.transport.ExtractMessageBody(raw)
	})
	if extractErr != nil {
		c.log.WithError(extractErr).Warn("failed to extract message body")
		return nil
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}

	var bodies []map[string]interface{}
	var parseErr error
	c.stats.parse.observe(func() {
		bodies, parseErr = parseBodies(body)
	})
	if parseErr != nil {
		c.log.WithFields(map[string]interface{}{"sample": sample(body)}).Warn("dropping unrecognized message body")
		if err := c.transport.DisposeMessage(raw); err != nil {
			c.log.WithError(err).Warn("failed to dispose poison message")
		}
		return nil
	}

	batch := newMessageBatch(raw, bodies)
	for _, msg := range batch.Messages {
		atomic.AddInt64(&c.pendingCount, 1)
		c.dispatch(processor, msg)
	}
	c.maybeThrottle()
	return nil
}

func parseBodies(body string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "[") {
		var arr []map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			return nil, &listenerrors.PoisonMessage{Sample: sample(body), Cause: err}
		}
		return arr, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, &listenerrors.PoisonMessage{Sample: sample(body), Cause: err}
	}
	return []map[string]interface{}{obj}, nil
}

func sample(body string) string {
	const max = 200
	if len(body) <= max {
		return body
	}
	return body[:max] + "..."
}

// dispatch starts a worker goroutine for msg, bounded by the concurrency
// semaphore. §4.F step 3-5: process, retry on ServiceExecutionFailure up to
// maxRetries, else terminal markProcessed and batch disposal check.
func (c *Consumer) dispatch(processor MessageProcessor, msg *InfoMessage) {
	go func() {
		if err := c.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer c.sem.Release(1)
		c.runWorker(processor, msg)
	}()
}

func (c *Consumer) runWorker(processor MessageProcessor, msg *InfoMessage) {
	c.stats.enterWorker()
	defer c.stats.leaveWorker()

	atomic.AddInt64(&c.stats.processCount, 1)

	var procErr error
	var elapsed time.Duration
	c.stats.serviceProcess.observe(func() {
		start := time.Now()
		procErr = processor.Process(msg.Body)
		elapsed = time.Since(start)
	})
	if c.timeout > 0 && elapsed > c.timeout {
		c.log.WithFields(map[string]interface{}{
			"elapsedMs": elapsed.Milliseconds(),
			"timeoutMs": c.timeout.Milliseconds(),
		}).Warn("message handling exceeded configured timeout")
	}

	if procErr == nil {
		atomic.AddInt64(&c.stats.processSuccessCount, 1)
		c.finishMessage(msg, true)
		return
	}

	maxRetries, _ := c.cfg.Int("maximumRetries", 3)
	if listenerrors.Retryable(procErr) && msg.incrementRetry() <= maxRetries {
		atomic.AddInt64(&c.stats.processRetryCount, 1)
		atomic.AddInt64(&c.stats.messageRetryCount, 1)
		c.dispatch(processor, msg)
		return
	}

	atomic.AddInt64(&c.stats.processFailureCount, 1)
	c.finishMessage(msg, false)
}

func (c *Consumer) finishMessage(msg *InfoMessage, succeeded bool) {
	var batchDone bool
	c.stats.markProcessed.observe(func() {
		batchDone = msg.markProcessed()
	})
	_ = succeeded

	remaining := atomic.AddInt64(&c.pendingCount, -1)

	if batchDone {
		if err := c.transport.DisposeMessage(msg.batch.Raw); err != nil {
			c.log.WithError(err).Warn("failed to dispose message batch")
		}
		atomic.AddInt64(&c.stats.roundTripCount, 1)
	}

	if remaining < int64(c.lowWaterMark) {
		c.maybeResume()
	}
}

// maybeThrottle asks the transport to pause once pendingCount exceeds
// maxPending, per §4.F's throttling contract. Failure to pause is logged,
// never fatal, and never regresses consumer state.
func (c *Consumer) maybeThrottle() {
	if atomic.LoadInt64(&c.pendingCount) <= int64(c.maxPending) {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.paused, 0, 1) {
		return
	}
	if err := c.transport.Pause(); err != nil {
		c.log.WithError(err).Warn("transport pause failed")
	}
}

func (c *Consumer) maybeResume() {
	if atomic.LoadInt32(&c.paused) == 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.resuming, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.resuming, 0)
	if err := c.transport.Resume(); err != nil {
		c.log.WithError(err).Warn("transport resume failed")
		return
	}
	atomic.StoreInt32(&c.paused, 0)
}

// Destroy transitions CONSUMING -> DESTROYING, signals the transport's
// DoDestroy hook, waits for the processing thread and worker pool to drain,
// then reaches DESTROYED. Calling Destroy when already DESTROYED is a no-op.
func (c *Consumer) Destroy() error {
	c.mu.Lock()
	if c.state == Destroyed {
		c.mu.Unlock()
		return nil
	}
	if !canTransitionTo(c.state, Destroying) {
		err := &listenerrors.InvalidState{Op: "consumer.Destroy", Expected: string(Consuming), Actual: string(c.state)}
		c.mu.Unlock()
		return err
	}
	c.state = Destroying
	processingDone := c.processingDone
	c.mu.Unlock()

	if err := c.transport.DoDestroy(); err != nil {
		c.log.WithError(err).Error("transport DoDestroy failed")
	}

	if processingDone != nil {
		<-processingDone
	}
	// Drain the worker pool: acquiring the full weight blocks until every
	// in-flight worker has released, then we release it back immediately.
	if c.sem != nil {
		_ = c.sem.Acquire(context.Background(), int64(c.concurrency))
		c.sem.Release(int64(c.concurrency))
	}

	c.mu.Lock()
	c.state = Destroyed
	c.mu.Unlock()
	close(c.destroyedCh)
	return nil
}

// WaitUntilDestroyed blocks while the consumer is in DESTROYING, returning
// once it reaches DESTROYED. It returns immediately if already DESTROYED.
func (c *Consumer) WaitUntilDestroyed() {
	<-c.destroyedCh
}

// Statistics returns a point-in-time snapshot of the consumer's counters and
// timers.
func (c *Consumer) Statistics() Snapshot {
	return c.stats.Snapshot()
}

// AverageRoundTripMillis returns nil until the first batch has completed.
func (c *Consumer) AverageRoundTripMillis() *float64 {
	return c.stats.AverageRoundTripMillis()
}

type invalidValueError struct{ msg string }

func (e *invalidValueError) Error() string { return e.msg }
