package fault

import (
	"sync"
	"time"
)

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CodeCircuitOpen marks calls rejected by an open breaker.
const CodeCircuitOpen = "CIRCUIT_OPEN"

// Breaker opens after Threshold consecutive circuit-break signals and lets a
// single probe through once Cooldown has elapsed.
//
// Thread-safety: all methods are safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures int
	state    BreakerState
	openedAt time.Time
}

// NewBreaker creates a closed breaker. A threshold below 1 is treated as 1.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// WithClock replaces the time source and returns b.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Allow returns nil when a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ResourceExhaustion(b.name, int64(b.failures), int64(b.threshold),
				"circuit %s is open", b.name).WithCode(CodeCircuitOpen)
		}
		b.state = BreakerHalfOpen
	}
	return nil
}

// Record feeds the outcome of a call. Errors that do not signal a circuit
// break leave the failure count untouched.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		return
	}
	if !ShouldCircuitBreak(err) {
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
