// Package clock runs the clock face: once a second it samples the time source and redraws
// whatever changed.
package clock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/round-clock/control/render"
	"github.com/jrockway/round-clock/control/timesource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	missedTicksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missed_ticks",
		Help: "count of ticks that were generated but never received by anything",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_delay",
		Help:    "amount of time between the scheduled tick and when it is sent to the channel, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 20),
	})

	framesDrawn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clock_frames",
		Help: "count of frames drawn, by time source",
	}, []string{"source"})
)

// Tick sends a tick to ch every interval, measured on clk's monotonic clock from the time Tick was
// called.  ch should have a buffer of one; a tick that the listener has not picked up by the time
// the next one is due is replaced, and the missedTicksCounter incremented.  Ticks that could not
// be sent on time at all (because the process was descheduled, say) are skipped rather than sent
// in a burst.  Cancelling the context causes this to return immediately.
func Tick(ctx context.Context, clk clockwork.Clock, interval time.Duration, ch chan time.Time) error {
	start := clk.Now()
	for n := int64(1); ; n++ {
		next := start.Add(time.Duration(n) * interval)

		// Wait until the next tick is due.
		select {
		case <-clk.After(next.Sub(clk.Now())):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next tick: %w", ctx.Err())
		}
		if late := clk.Since(next); late >= interval {
			skipped := int64(late / interval)
			missedTicksCounter.Add(float64(skipped))
			n += skipped
			next = start.Add(time.Duration(n) * interval)
		}

		// Send the tick, replacing one nobody read.
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
				missedTicksCounter.Inc()
			default:
			}
			select {
			case ch <- next:
			default:
				missedTicksCounter.Inc()
			}
		}
		tickDelayMetric.Observe(float64(clk.Since(next).Nanoseconds()))
	}
}

// Sampler is the source of the time to display.
type Sampler interface {
	Sample() timesource.WallClock
}

// Clock is the main loop.  It owns the renderer; nothing else may draw while it runs.
type Clock struct {
	// BacklightCh accepts brightness changes, in percent, from other goroutines.
	BacklightCh chan int
	// OnFrame, if set, is called after every frame with what was displayed.
	OnFrame func(timesource.WallClock)

	clock        clockwork.Clock
	source       Sampler
	renderer     *render.Renderer
	setBacklight func(pct int) error
}

// New returns a Clock that draws times from source with r.  setBacklight may be nil if the display
// has no adjustable backlight.
func New(clk clockwork.Clock, source Sampler, r *render.Renderer, setBacklight func(pct int) error) *Clock {
	return &Clock{
		BacklightCh:  make(chan int),
		clock:        clk,
		source:       source,
		renderer:     r,
		setBacklight: setBacklight,
	}
}

// Show draws the current time and returns it.
func (c *Clock) Show() timesource.WallClock {
	wc := c.source.Sample()
	c.renderer.Update(wc.Digits(), wc.Valid)
	framesDrawn.WithLabelValues(wc.Source()).Inc()
	log.Printf("display %s (%s)", wc, wc.Source())
	if c.OnFrame != nil {
		c.OnFrame(wc)
	}
	return wc
}

// Run draws a frame immediately and then once a second until the context is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	tickErrCh := make(chan error, 1)
	tickCh := make(chan time.Time, 1)
	go func() {
		tickErrCh <- Tick(ctx, c.clock, time.Second, tickCh)
	}()
	c.Show()
	for {
		select {
		case <-tickCh:
			c.Show()
		case err := <-tickErrCh:
			return fmt.Errorf("ticker: %w", err)
		case pct := <-c.BacklightCh:
			if c.setBacklight == nil {
				log.Printf("backlight: no adjustable backlight")
				continue
			}
			if err := c.setBacklight(pct); err != nil {
				log.Printf("backlight: %v", err)
			}
		}
	}
}
