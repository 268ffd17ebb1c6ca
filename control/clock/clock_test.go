package clock

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/round-clock/control/render"
	"github.com/jrockway/round-clock/control/segment"
	"github.com/jrockway/round-clock/control/timesource"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"tinygo.org/x/drivers/pixel"
)

var epoch = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

func TestTick(t *testing.T) {
	ctx, c := context.WithCancel(context.Background())
	clk := clockwork.NewFakeClockAt(epoch)
	timeout := 5 * time.Second

	tch := make(chan time.Time, 1)
	errch := make(chan error)
	go func() {
		errch <- Tick(ctx, clk, time.Second, tch)
		close(errch)
	}()

	receive := func(what string) time.Time {
		t.Helper()
		select {
		case <-time.After(timeout):
			t.Fatalf("timeout waiting for %s", what)
		case err := <-errch:
			t.Fatalf("unexpected error waiting for %s: %v", what, err)
		case tick := <-tch:
			return tick
		}
		return time.Time{}
	}

	// Ticks arrive a second apart.
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	if got, want := receive("first tick"), epoch.Add(time.Second); !got.Equal(want) {
		t.Errorf("first tick:\n  got: %v\n want: %v", got, want)
	}
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	if got, want := receive("second tick"), epoch.Add(2*time.Second); !got.Equal(want) {
		t.Errorf("second tick:\n  got: %v\n want: %v", got, want)
	}

	// An unread tick is replaced by the next one.
	missed := testutil.ToFloat64(missedTicksCounter)
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	clk.BlockUntil(1)
	if got, want := receive("fourth tick"), epoch.Add(4*time.Second); !got.Equal(want) {
		t.Errorf("tick after a missed tick:\n  got: %v\n want: %v", got, want)
	}
	if got, want := testutil.ToFloat64(missedTicksCounter)-missed, 1.0; got != want {
		t.Errorf("missed ticks:\n  got: %v\n want: %v", got, want)
	}

	// Ticks that fall due while the ticker is stalled are skipped, not sent late.
	missed = testutil.ToFloat64(missedTicksCounter)
	clk.Advance(3 * time.Second)
	if got, want := receive("tick after a stall"), epoch.Add(7*time.Second); !got.Equal(want) {
		t.Errorf("tick after a stall:\n  got: %v\n want: %v", got, want)
	}
	if got, want := testutil.ToFloat64(missedTicksCounter)-missed, 2.0; got != want {
		t.Errorf("ticks skipped by the stall:\n  got: %v\n want: %v", got, want)
	}

	// Cancelling the context stops the ticking.
	c()
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for cancel")
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	}
}

type nopSink struct{}

func (nopSink) FillRect(image.Rectangle, pixel.RGB565BE) {}

// countingSource hands out a fallback time one second later on every sample.
type countingSource struct {
	mu sync.Mutex
	n  int
}

func (s *countingSource) Sample() timesource.WallClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return timesource.Fallback(time.Duration(s.n) * time.Second)
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clk := clockwork.NewFakeClockAt(epoch)
	r := render.New(nopSink{}, image.Rect(0, 0, 240, 240), segment.DefaultLayout, render.DefaultPalette)
	backlight := make(chan int, 1)
	c := New(clk, &countingSource{}, r, func(pct int) error {
		backlight <- pct
		return nil
	})
	frames := make(chan timesource.WallClock, 10)
	c.OnFrame = func(wc timesource.WallClock) { frames <- wc }

	errch := make(chan error)
	go func() { errch <- c.Run(ctx) }()

	frame := func(what string) timesource.WallClock {
		t.Helper()
		select {
		case wc := <-frames:
			return wc
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s", what)
		}
		return timesource.WallClock{}
	}

	if got, want := frame("first frame").String(), "00:00:01"; got != want {
		t.Errorf("first frame:\n  got: %v\n want: %v", got, want)
	}
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	if got, want := frame("second frame").String(), "00:00:02"; got != want {
		t.Errorf("second frame:\n  got: %v\n want: %v", got, want)
	}

	c.BacklightCh <- 40
	select {
	case got := <-backlight:
		if want := 40; got != want {
			t.Errorf("backlight:\n  got: %v\n want: %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for backlight change")
	}

	cancel()
	select {
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for run to return")
	}
	if got, want := r.State().Digits, [segment.Slots]int{0, 0, 0, 0, 0, 2}; got != want {
		t.Errorf("digits on screen:\n  got: %v\n want: %v", got, want)
	}
}
