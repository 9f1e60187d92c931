// Package substrate models the serially-ordered execution environment the
// ledger, agents and sponsor run on: a block clock, an address-keyed
// contract router and a global serializer.
package substrate

import (
	"sync"
	"time"
)

// Clock yields the current block time
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall time truncated to whole seconds, matching block timestamps
type SystemClock struct{}

// Now returns the current time at second resolution
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// ManualClock is a settable clock for tests and simulations
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC().Truncate(time.Second)}
}

// Now returns the frozen time
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC().Truncate(time.Second)
}
