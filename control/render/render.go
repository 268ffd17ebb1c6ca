// Package render draws the clock face by touching only the segments that change from one tick to
// the next.
package render

import (
	"image"

	"github.com/jrockway/round-clock/control/segment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tinygo.org/x/drivers/pixel"
)

var (
	rectFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_rect_fills",
		Help: "count of rectangles sent to the screen, by color role",
	}, []string{"role"})

	fullRepaints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "render_full_repaints",
		Help: "count of full clock face repaints (first frame and sync state changes)",
	})
)

// Sink is something that can fill a rectangle with a solid color.  Rectangles handed to a Sink
// are always non-empty and inside the screen bounds passed to New.
type Sink interface {
	FillRect(r image.Rectangle, c pixel.RGB565BE)
}

// Palette is the set of colors the face is drawn with.  The foreground color tells the viewer
// whether the time came from the network.
type Palette struct {
	Background pixel.RGB565BE
	Synced     pixel.RGB565BE
	Fallback   pixel.RGB565BE
}

// DefaultPalette draws white digits when synced and amber digits when running on the fallback
// clock, both on black.
var DefaultPalette = Palette{
	Background: pixel.NewRGB565BE(0x00, 0x00, 0x00),
	Synced:     pixel.NewRGB565BE(0xff, 0xff, 0xff),
	Fallback:   pixel.NewRGB565BE(0xff, 0x90, 0x00),
}

func (p Palette) foreground(synced bool) pixel.RGB565BE {
	if synced {
		return p.Synced
	}
	return p.Fallback
}

// Unset marks a digit slot that has never been drawn.
const Unset = -1

// State is the renderer's record of what is on the screen right now.
type State struct {
	Digits      [segment.Slots]int
	Synced      bool
	Initialized bool
}

// Renderer owns the shadow copy of the face.  It is not safe for concurrent use; the clock loop
// is its only caller.
type Renderer struct {
	sink    Sink
	screen  image.Rectangle
	layout  segment.Layout
	palette Palette

	state State
	fills int // fills issued by the current Update
}

// New returns a Renderer that draws layout centered on screen.  Nothing is drawn until the first
// Update.
func New(sink Sink, screen image.Rectangle, layout segment.Layout, palette Palette) *Renderer {
	r := &Renderer{
		sink:    sink,
		screen:  screen,
		layout:  layout.Center(screen),
		palette: palette,
	}
	for i := range r.state.Digits {
		r.state.Digits[i] = Unset
	}
	return r
}

// State returns a copy of the shadow state.
func (r *Renderer) State() State {
	return r.state
}

// Layout returns the positioned layout the renderer draws with.
func (r *Renderer) Layout() segment.Layout {
	return r.layout
}

// Update brings the screen from the last drawn digits to digits, and returns the number of
// rectangles it sent to the sink.
//
// The first call, and any call where synced differs from the previous call, repaints the whole
// face because the foreground color changes.  Otherwise each slot erases the segments that go
// dark and draws the segments that light up; everything else is left alone.  Colons are only
// drawn by full repaints.
func (r *Renderer) Update(digits [segment.Slots]int, synced bool) int {
	r.fills = 0
	if !r.state.Initialized || synced != r.state.Synced {
		r.repaint(digits, synced)
		return r.fills
	}

	fg := r.palette.foreground(synced)
	for slot, d := range digits {
		off, on := segment.Diff(segment.Digit(r.state.Digits[slot]), segment.Digit(d))
		r.segments(slot, off, r.palette.Background, "erase")
		r.segments(slot, on, fg, "draw")
		r.state.Digits[slot] = d
	}
	return r.fills
}

// Blank clears the face and forgets the shadow state, so the next Update repaints.
func (r *Renderer) Blank() {
	r.fill(r.layout.Bounds(), r.palette.Background, "clear")
	r.state = State{}
	for i := range r.state.Digits {
		r.state.Digits[i] = Unset
	}
}

func (r *Renderer) repaint(digits [segment.Slots]int, synced bool) {
	fullRepaints.Inc()
	fg := r.palette.foreground(synced)
	r.fill(r.layout.Bounds(), r.palette.Background, "clear")
	for slot, d := range digits {
		r.segments(slot, segment.Digit(d), fg, "draw")
	}
	for c := 0; c < segment.Colons; c++ {
		for _, dot := range r.layout.ColonRects(c) {
			r.fill(dot, fg, "colon")
		}
	}
	r.state = State{Digits: digits, Synced: synced, Initialized: true}
}

func (r *Renderer) segments(slot int, m segment.Mask, c pixel.RGB565BE, role string) {
	m.Each(func(s segment.Mask) {
		r.fill(r.layout.SegmentRect(slot, s), c, role)
	})
}

// fill clips rect to the screen and hands it to the sink.  Rectangles entirely off screen are
// dropped.
func (r *Renderer) fill(rect image.Rectangle, c pixel.RGB565BE, role string) {
	rect = rect.Intersect(r.screen)
	if rect.Empty() {
		return
	}
	r.sink.FillRect(rect, c)
	r.fills++
	rectFills.WithLabelValues(role).Inc()
}
