// Package timesync sets the clock from the network.  SNTP queries a time server directly and
// steps a software clock; Chrony watches a local chronyd that disciplines the system clock.
package timesync

import (
	"sync"
	"time"
)

// Clock is the system clock plus whatever correction has been stepped into it.  It is safe for
// concurrent use.
type Clock struct {
	now func() time.Time

	mu     sync.Mutex
	offset time.Duration
	steps  int
}

// NewClock returns a Clock reading the system clock with no correction.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the corrected time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset)
}

// Step moves the clock by offset.
func (c *Clock) Step(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += offset
	c.steps++
}

// Offset returns the total correction applied and the number of steps that made it up.
func (c *Clock) Offset() (time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset, c.steps
}
