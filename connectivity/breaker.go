// Package connectivity guards calls to unreliable remote hosts with circuit
// breakers. The enrichment step keeps one breaker per article host, so a
// host that keeps failing stops eating into the per-source timeout.
package connectivity

import (
	"sync"
	"time"
)

// BreakerState is the position of a breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass
	BreakerOpen                         // calls rejected until the cooldown ends
	BreakerHalfOpen                     // one probe call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker opens after Threshold consecutive failures and stays open
// for Cooldown. After the cooldown a single probe is let through: success
// closes the breaker, failure opens it for another cooldown.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time // zero while closed
	probing  bool
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithThreshold sets the consecutive failures that open the breaker.
func WithThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.threshold = n
		}
	}
}

// WithCooldown sets how long an open breaker rejects calls.
func WithCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithClock replaces time.Now in tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker returns a closed breaker: 3 failures, 5 minute cooldown.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{threshold: 3, cooldown: 5 * time.Minute, now: time.Now}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

func (cb *CircuitBreaker) state() BreakerState {
	switch {
	case cb.openedAt.IsZero():
		return BreakerClosed
	case cb.now().Sub(cb.openedAt) < cb.cooldown:
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state()
}

// Allow reports whether a call may go out. In half-open only the first
// caller gets through until its result is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// Record feeds the outcome of an allowed call back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		cb.openedAt = time.Time{}
		cb.probing = false
		return
	}
	cb.failures++
	if cb.probing || cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		cb.probing = false
	}
}
