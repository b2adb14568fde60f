// Package retry generalizes the bounded-retry-with-backoff policy that the
// cloud-FIFO transport applies from its maxRetries/retryWaitTime
// configuration.
package retry

import "time"

// BackoffStrategy computes the wait before attempt number n (1-indexed: the
// wait before the *second* attempt, since the first attempt never waits).
type BackoffStrategy interface {
	Wait(attempt int, base time.Duration) time.Duration
}

// FixedBackoff always waits exactly base.
type FixedBackoff struct{}

func (FixedBackoff) Wait(_ int, base time.Duration) time.Duration { return base }

// LinearBackoff waits attempt * base.
type LinearBackoff struct{}

func (LinearBackoff) Wait(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

// ExponentialBackoff waits base * 2^(attempt-1), capped at Max (zero means
// uncapped).
type ExponentialBackoff struct {
	Max time.Duration
}

func (b ExponentialBackoff) Wait(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if b.Max > 0 && wait > b.Max {
			return b.Max
		}
	}
	return wait
}

// Policy bounds how many times an operation is retried and how long to wait
// between attempts.
type Policy struct {
	MaxRetries int
	BaseWait   time.Duration
	Backoff    BackoffStrategy
}

// NewPolicy constructs a Policy with a sensible default backoff
// (exponential, uncapped) when none is supplied.
func NewPolicy(maxRetries int, baseWait time.Duration, backoff BackoffStrategy) Policy {
	if backoff == nil {
		backoff = ExponentialBackoff{}
	}
	return Policy{MaxRetries: maxRetries, BaseWait: baseWait, Backoff: backoff}
}

// WaitBefore returns how long to sleep before the given attempt number
// (1-indexed).
func (p Policy) WaitBefore(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.Backoff.Wait(attempt-1, p.BaseWait)
}

// ShouldRetry reports whether attempt (the one that just failed, 1-indexed)
// is still within budget.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxRetries
}

// Do runs fn, retrying per the policy while fn returns an error and
// attempts remain. It returns the last error if every attempt is exhausted.
// Do takes no context: each wait between attempts is one call to sleep.
func Do(policy Policy, sleep func(time.Duration), fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		if wait := policy.WaitBefore(attempt); wait > 0 && sleep != nil {
			sleep(wait)
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
