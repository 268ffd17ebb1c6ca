// Package screen is the clock's frame sink.  It paints into a preview image, for debugging the rest
// of the program without the display attached, and streams the same fills to the panel.
package screen

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/net/trace"
	"tinygo.org/x/drivers/pixel"
)

var (
	fills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screen_fills",
		Help: "count of rectangle fills drawn",
	})

	pixels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screen_pixels",
		Help: "count of pixels drawn",
	})

	skips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screen_skipped_fills",
		Help: "count of fills skipped, by reason",
	}, []string{"reason"})

	scratchGrowths = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screen_scratch_growths",
		Help: "count of times the scratch buffer was reallocated for a larger fill",
	})
)

// ErrScratch means the scratch buffer could not hold a batch of pixels.
var ErrScratch = errors.New("scratch buffer unavailable")

// DefaultScratchLimit is the largest scratch buffer, in pixels, that a Screen allocates.  It holds
// 16 full rows of a 240 pixel panel.
const DefaultScratchLimit = 240 * 16

// maxPreviewScale bounds the ?scale= argument of the preview handler.
const maxPreviewScale = 8

// Panel is the hardware a Screen streams pixels to.
type Panel interface {
	SetWindow(r image.Rectangle) error
	WritePixels(buf []byte) error
}

// Screen is a FrameSink.  Only one goroutine may draw at a time; the preview may be read
// concurrently.
type Screen struct {
	// ScratchLimit is the most pixels the scratch buffer may hold.
	ScratchLimit int

	bounds     image.Rectangle
	panel      Panel // nil to run without a display
	scratch    pixel.Image[pixel.RGB565BE]
	hasScratch bool
	newImage   func(width, height int) pixel.Image[pixel.RGB565BE]
	l          trace.EventLog

	imageMu sync.Mutex
	image   *image.RGBA // must hold imageMu to read or write
}

// New returns a Screen covering bounds.  p may be nil.
func New(bounds image.Rectangle, p Panel) *Screen {
	return &Screen{
		ScratchLimit: DefaultScratchLimit,
		bounds:       bounds,
		panel:        p,
		newImage:     pixel.NewImage[pixel.RGB565BE],
		l:            trace.NewEventLog("screen", bounds.String()),
		image:        image.NewRGBA(bounds),
	}
}

// Bounds returns the drawable area.
func (s *Screen) Bounds() image.Rectangle {
	return s.bounds
}

// FillRect fills r with c.  Parts of r outside the screen are ignored.  A fill that cannot get
// scratch space or reach the panel is logged and dropped; the next full repaint corrects it.
func (s *Screen) FillRect(r image.Rectangle, c pixel.RGB565BE) {
	if err := s.fill(r, c); err != nil {
		log.Printf("screen: fill %v: %v", r, err)
		s.l.Errorf("fill %v: %v", r, err)
	}
}

func (s *Screen) fill(r image.Rectangle, c pixel.RGB565BE) error {
	r = r.Intersect(s.bounds)
	if r.Empty() {
		return nil
	}
	width, height := r.Dx(), r.Dy()
	rows := height
	if width*rows > s.limit() {
		rows = s.limit() / width
	}
	if rows == 0 {
		skips.WithLabelValues("scratch").Inc()
		return fmt.Errorf("%w: a %d pixel row exceeds the limit of %d", ErrScratch, width, s.limit())
	}
	buf, err := s.scratchFor(width*rows, c)
	if err != nil {
		skips.WithLabelValues("scratch").Inc()
		return err
	}

	s.imageMu.Lock()
	draw.Draw(s.image, r, image.NewUniform(c.RGBA()), image.Point{}, draw.Src)
	s.imageMu.Unlock()
	fills.Inc()
	pixels.Add(float64(width * height))

	if s.panel == nil {
		return nil
	}
	if err := s.panel.SetWindow(r); err != nil {
		skips.WithLabelValues("panel").Inc()
		return fmt.Errorf("set window: %w", err)
	}
	for y := 0; y < height; y += rows {
		n := rows
		if y+n > height {
			n = height - y
		}
		if err := s.panel.WritePixels(buf[:n*width*2]); err != nil {
			skips.WithLabelValues("panel").Inc()
			return fmt.Errorf("write rows %d-%d: %w", r.Min.Y+y, r.Min.Y+y+n-1, err)
		}
	}
	return nil
}

// scratchFor returns n pixels of c in the panel's wire format.  The scratch buffer is reused, grown
// only when n exceeds it, and never shrunk.
func (s *Screen) scratchFor(n int, c pixel.RGB565BE) ([]byte, error) {
	if n > s.limit() {
		return nil, fmt.Errorf("%w: %d pixels requested, limit %d", ErrScratch, n, s.limit())
	}
	if !s.hasScratch || s.scratch.Len() < n {
		img, err := s.allocate(n)
		if err != nil {
			return nil, err
		}
		s.scratch, s.hasScratch = img, true
		scratchGrowths.Inc()
		s.l.Printf("scratch grown to %d pixels", n)
	}
	view := s.scratch.Rescale(n, 1)
	view.FillSolidColor(c)
	return view.RawBuffer(), nil
}

func (s *Screen) limit() int {
	if s.ScratchLimit <= 0 {
		return DefaultScratchLimit
	}
	return s.ScratchLimit
}

func (s *Screen) allocate(n int) (img pixel.Image[pixel.RGB565BE], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: allocate %d pixels: %v", ErrScratch, n, r)
		}
	}()
	return s.newImage(n, 1), nil
}

// Blank fills the whole screen with black.
func (s *Screen) Blank() {
	s.FillRect(s.bounds, pixel.NewRGB565BE(0, 0, 0))
}

// Preview returns a copy of what has been drawn, scaled up by an integer factor.
func (s *Screen) Preview(scale int) image.Image {
	if scale < 1 {
		scale = 1
	}
	if scale > maxPreviewScale {
		scale = maxPreviewScale
	}
	b := s.bounds
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), s.image, b, xdraw.Src, nil)
	return dst
}

// ServeHTTP serves the preview as a PNG.  An optional scale parameter enlarges it.
func (s *Screen) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	scale := 1
	if arg := req.FormValue("scale"); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil {
			http.Error(w, fmt.Sprintf("parse scale: %v", err), http.StatusBadRequest)
			return
		}
		scale = n
	}
	w.Header().Set("content-type", "image/png")
	if err := png.Encode(w, s.Preview(scale)); err != nil {
		log.Printf("screen: encode preview: %v", err)
	}
}
