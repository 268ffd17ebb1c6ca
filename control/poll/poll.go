// Package poll repeatedly checks a condition at a fixed interval until it holds or the attempt
// budget runs out.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrExhausted is returned when the condition never held within the attempt budget.
var ErrExhausted = errors.New("condition not met within attempt budget")

// Until waits interval, then evaluates cond, up to attempts times.  It returns nil as soon as cond
// returns true, ErrExhausted if it never does, or the context's error if ctx is done first.  The
// total time spent is bounded by interval*attempts.
func Until(ctx context.Context, clock clockwork.Clock, interval time.Duration, attempts int, cond func() bool) error {
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
		if cond() {
			return nil
		}
	}
	return ErrExhausted
}

// Any returns a condition that holds when any of conds holds.  Conditions are evaluated in order
// and evaluation stops at the first one that holds.
func Any(conds ...func() bool) func() bool {
	return func() bool {
		for _, c := range conds {
			if c() {
				return true
			}
		}
		return false
	}
}
