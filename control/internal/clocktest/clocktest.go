// Package clocktest provides a fake clock whose timers fire immediately, for driving bounded
// waits in tests without a second goroutine.
package clocktest

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Instant is a clockwork.FakeClock where After advances the clock by the requested duration and
// returns a channel that is already ready.  Waited records every duration passed to After.
type Instant struct {
	clockwork.FakeClock

	mu     sync.Mutex
	waited []time.Duration
}

// NewInstant returns an Instant clock starting at t.
func NewInstant(t time.Time) *Instant {
	return &Instant{FakeClock: clockwork.NewFakeClockAt(t)}
}

func (c *Instant) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waited = append(c.waited, d)
	c.mu.Unlock()
	c.FakeClock.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.FakeClock.Now()
	return ch
}

// Waited returns the durations passed to After so far.
func (c *Instant) Waited() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waited...)
}

// Total returns the sum of all durations passed to After.
func (c *Instant) Total() time.Duration {
	var total time.Duration
	for _, d := range c.Waited() {
		total += d
	}
	return total
}
