package engine

import "sync/atomic"

// Clock is the scheduler's logical clock. It stamps submissions, effect
// records and outcomes with strictly increasing sequence numbers; wall time
// is never used for ordering.
//
// Thread-safety: safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock at zero.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock whose next tick is start+1, for resuming after
// a restart from persisted records.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Tick advances the clock and returns the new value.
func (c *Clock) Tick() int64 {
	return c.seq.Add(1)
}

// Now returns the last value handed out.
func (c *Clock) Now() int64 {
	return c.seq.Load()
}
