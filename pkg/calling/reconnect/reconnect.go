// Package reconnect decides whether and when a lost realtime channel is
// re-established.
package reconnect

import (
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultStep        = time.Second
)

// Policy is a bounded linear-backoff retry counter with at most one pending
// timer. Attempt n waits n*Step.
type Policy struct {
	maxAttempts int
	step        time.Duration

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
}

// New returns a Policy allowing maxAttempts retries with a delay of
// attempt*step. A negative maxAttempts or non-positive step selects the
// default.
func New(maxAttempts int, step time.Duration) *Policy {
	if maxAttempts < 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if step <= 0 {
		step = DefaultStep
	}
	return &Policy{maxAttempts: maxAttempts, step: step}
}

// Schedule consumes one attempt and arms fn to run after the backoff delay,
// replacing any pending timer. It returns false, without arming anything,
// once the attempt bound is reached.
func (p *Policy) Schedule(fn func()) (attempt int, delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts >= p.maxAttempts {
		return p.attempts, 0, false
	}
	p.attempts++
	delay = time.Duration(p.attempts) * p.step
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(delay, fn)
	return p.attempts, delay, true
}

// Cancel stops the pending timer, if any. The attempt counter is kept.
func (p *Policy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Reset cancels the pending timer and zeroes the attempt counter.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.attempts = 0
}

// Attempts returns how many retries were scheduled since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// MaxAttempts returns the retry bound.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }
