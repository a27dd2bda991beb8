package testutil

import "sync"

// DeterministicClock is a thread-safe fake clock for tests.
//
// Every NowMillis call advances by a fixed step, so the same test scenario
// produces the same timestamps (and therefore the same block hashes) on
// every run. It satisfies clock.Clock.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
}

// NewDeterministicClock returns a clock whose first NowMillis is start+step.
func NewDeterministicClock(start, step int64) *DeterministicClock {
	return &DeterministicClock{start: start, step: step, now: start}
}

// NowMillis advances the clock by one step and returns the new time.
func (c *DeterministicClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Current returns the last value handed out without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d milliseconds without a tick.
func (c *DeterministicClock) Advance(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Reset rewinds the clock to its start value.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
