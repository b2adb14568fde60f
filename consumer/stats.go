package consumer

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"dmlistener.evalgo.org/common"
)

// timer accumulates nanosecond-resolution elapsed time across possibly many
// pause/resume cycles, per §4.F's "pause-able timers" requirement.
type timer struct {
	totalNs int64
	calls   int64
}

func (t *timer) record(d time.Duration) {
	atomic.AddInt64(&t.totalNs, int64(d))
	atomic.AddInt64(&t.calls, 1)
}

func (t *timer) observe(fn func()) {
	start := time.Now()
	fn()
	t.record(time.Since(start))
}

func (t *timer) millis() float64 {
	calls := atomic.LoadInt64(&t.calls)
	if calls == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&t.totalNs)) / float64(time.Millisecond)
}

// Statistics is the consumer's running counter and timer set. It holds the
// §4.F timers and counters except dequeueHitRatio, which is not tracked;
// getAverageRoundTripMillis returns nil until roundTripCount is nonzero.
type Statistics struct {
	dequeue        timer
	enqueue        timer
	parse          timer
	serviceProcess timer
	markProcessed  timer
	roundTrip      timer

	processCount        int64
	processSuccessCount int64
	processFailureCount int64
	processRetryCount   int64
	messageRetryCount   int64
	roundTripCount      int64

	concurrency    int
	activeWorkers  int64 // current in-flight process() calls
	maxParallelism int64 // high-water mark of activeWorkers
}

func newStatistics(concurrency int) *Statistics {
	return &Statistics{concurrency: concurrency}
}

// enterWorker/leaveWorker bracket a single worker's process() call, updating
// the parallelism high-water mark.
func (s *Statistics) enterWorker() {
	n := atomic.AddInt64(&s.activeWorkers, 1)
	for {
		max := atomic.LoadInt64(&s.maxParallelism)
		if n <= max || atomic.CompareAndSwapInt64(&s.maxParallelism, max, n) {
			return
		}
	}
}

func (s *Statistics) leaveWorker() {
	atomic.AddInt64(&s.activeWorkers, -1)
}

// Snapshot returns a point-in-time map of every declared stat with its unit,
// matching getStatistics() from §4.F.
type Snapshot struct {
	DequeueMs        float64
	EnqueueMs        float64
	ParseMs          float64
	ServiceProcessMs float64
	MarkProcessedMs  float64
	RoundTripMs      float64

	ProcessCount        int64
	ProcessSuccessCount int64
	ProcessFailureCount int64
	ProcessRetryCount   int64
	MessageRetryCount   int64
	RoundTripCount      int64
	Concurrency         int
	Parallelism         int64
}

func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		DequeueMs:           s.dequeue.millis(),
		EnqueueMs:           s.enqueue.millis(),
		ParseMs:             s.parse.millis(),
		ServiceProcessMs:    s.serviceProcess.millis(),
		MarkProcessedMs:     s.markProcessed.millis(),
		RoundTripMs:         s.roundTrip.millis(),
		ProcessCount:        atomic.LoadInt64(&s.processCount),
		ProcessSuccessCount: atomic.LoadInt64(&s.processSuccessCount),
		ProcessFailureCount: atomic.LoadInt64(&s.processFailureCount),
		ProcessRetryCount:   atomic.LoadInt64(&s.processRetryCount),
		MessageRetryCount:   atomic.LoadInt64(&s.messageRetryCount),
		RoundTripCount:      atomic.LoadInt64(&s.roundTripCount),
		Concurrency:         s.concurrency,
		Parallelism:         atomic.LoadInt64(&s.maxParallelism),
	}
}

// AverageRoundTripMillis returns nil until the first batch has completed a
// full round trip.
func (s *Statistics) AverageRoundTripMillis() *float64 {
	count := atomic.LoadInt64(&s.roundTripCount)
	if count == 0 {
		return nil
	}
	avg := s.roundTrip.millis() / float64(count)
	return &avg
}

// LogSummary emits the snapshot as one human-readable INFO line: counts
// rendered with thousands separators, durations with go-humanize's
// approximate-duration formatting, matching how the teacher's own operator-
// facing summaries read.
func (s *Statistics) LogSummary() {
	snap := s.Snapshot()
	common.Logger.WithFields(map[string]interface{}{
		"processed":  humanize.Comma(snap.ProcessCount),
		"succeeded":  humanize.Comma(snap.ProcessSuccessCount),
		"failed":     humanize.Comma(snap.ProcessFailureCount),
		"retries":    humanize.Comma(snap.ProcessRetryCount),
		"roundTrips": humanize.Comma(snap.RoundTripCount),
		"avgRoundTrip": humanize.RelTime(
			time.Now().Add(-time.Duration(snap.RoundTripMs)*time.Millisecond),
			time.Now(),
			"",
			"",
		),
		"parallelism": snap.Parallelism,
	}).Info("consumer statistics")
}
