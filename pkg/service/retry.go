package service

import "time"

// RetryDecision is the outcome of a failed attempt.
type RetryDecision struct {
	Retry bool          `json:"retry"`
	Delay time.Duration `json:"-"`
}

// DelayMs returns the backoff in milliseconds.
func (d RetryDecision) DelayMs() int64 {
	return d.Delay.Milliseconds()
}

// RetryPolicy is a capped exponential backoff table.
type RetryPolicy struct {
	backoff []time.Duration
}

func NewRetryPolicy(backoff []time.Duration) RetryPolicy {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return RetryPolicy{backoff: append([]time.Duration(nil), backoff...)}
}

// Decide returns whether a task that has made attemptCount attempts may run
// again, and after which delay.
func (p RetryPolicy) Decide(attemptCount, maxRetries int) RetryDecision {
	if attemptCount >= maxRetries {
		return RetryDecision{Retry: false}
	}
	table := p.backoff
	if len(table) == 0 {
		table = DefaultBackoff
	}
	idx := attemptCount
	if idx < 0 {
		idx = 0
	}
	if idx > len(table)-1 {
		idx = len(table) - 1
	}
	return RetryDecision{Retry: true, Delay: table[idx]}
}

// Backoff returns a copy of the delay table.
func (p RetryPolicy) Backoff() []time.Duration {
	return append([]time.Duration(nil), p.backoff...)
}
