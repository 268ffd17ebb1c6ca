package timesource

import (
	"fmt"
	"time"

	"github.com/jrockway/round-clock/control/segment"
)

// WallClock is the time shown for one tick.
type WallClock struct {
	Hour, Minute, Second int
	// Valid is true only when the time came from a synchronized clock.
	Valid bool
}

// Digits returns the six digits of HH:MM:SS, most significant first.
func (w WallClock) Digits() [segment.Slots]int {
	return [segment.Slots]int{
		w.Hour / 10, w.Hour % 10,
		w.Minute / 10, w.Minute % 10,
		w.Second / 10, w.Second % 10,
	}
}

func (w WallClock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", w.Hour, w.Minute, w.Second)
}

// Source returns "ntp" for a synchronized reading and "fallback" otherwise.
func (w WallClock) Source() string {
	if w.Valid {
		return "ntp"
	}
	return "fallback"
}

// FromTime returns the valid wall clock reading for t.
func FromTime(t time.Time) WallClock {
	return WallClock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(), Valid: true}
}

// Fallback derives a time of day from the time elapsed since boot.  The result wraps every 24
// hours and is never valid.
func Fallback(elapsed time.Duration) WallClock {
	if elapsed < 0 {
		elapsed = 0
	}
	secs := int64(elapsed/time.Second) % 86400
	return WallClock{
		Hour:   int(secs / 3600),
		Minute: int(secs / 60 % 60),
		Second: int(secs % 60),
	}
}
