// Package clock supplies ledger timestamps.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current time in unix milliseconds.
// Implementations must never go backwards.
type Clock interface {
	NowMillis() int64
}

// Monotonic is a wall clock that never goes backwards.
//
// If the system clock steps back (NTP correction, VM migration), Monotonic
// keeps returning the last value it handed out until wall time catches up.
//
// Thread-safety: safe for concurrent use (atomic compare-and-swap).
type Monotonic struct {
	last atomic.Int64
	now  func() time.Time
}

// New returns a Monotonic clock over time.Now.
func New() *Monotonic {
	return &Monotonic{now: time.Now}
}

// NowMillis returns max(wall time, last returned value).
func (c *Monotonic) NowMillis() int64 {
	wall := c.now().UnixMilli()
	for {
		last := c.last.Load()
		if wall <= last {
			return last
		}
		if c.last.CompareAndSwap(last, wall) {
			return wall
		}
	}
}
