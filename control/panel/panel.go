// Package panel drives a small SPI TFT controller (GC9A01 and relatives) with a data/command
// line, an optional reset line and an optional PWM backlight.
package panel

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

var (
	busBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panel_bus_bytes",
		Help: "bytes written to the display bus",
	})

	partialWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panel_partial_writes",
		Help: "count of bus writes that stopped early and were resumed",
	})

	abandonedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panel_abandoned_writes",
		Help: "count of bus writes abandoned because a retry made no progress",
	})
)

// Controller commands.
const (
	cmdSWRESET = 0x01
	cmdSLPOUT  = 0x11
	cmdNORON   = 0x13
	cmdINVON   = 0x21
	cmdDISPOFF = 0x28
	cmdDISPON  = 0x29
	cmdCASET   = 0x2A
	cmdRASET   = 0x2B
	cmdRAMWR   = 0x2C
	cmdMADCTR  = 0x36
	cmdCOLMOD  = 0x3A

	madctlBGR   = 0x08
	colmod16Bit = 0x55
)

// DefaultMaxTx is the transfer size used when the bus does not report a limit.  It matches the
// spidev driver's default buffer size.
const DefaultMaxTx = 4096

// Pin is an output line.
type Pin interface {
	Out(l gpio.Level) error
}

// PWMPin is an output line that can generate a PWM signal.
type PWMPin interface {
	PWM(duty gpio.Duty, f physic.Frequency) error
}

// Config describes the panel attached to the bus.
type Config struct {
	Width, Height int
	// ColumnOffset and RowOffset shift the visible area within controller memory.
	ColumnOffset, RowOffset int
	// BacklightFrequency is the PWM frequency for the backlight.
	BacklightFrequency physic.Frequency
}

// DefaultConfig is a 240x240 round GC9A01 module.
var DefaultConfig = Config{
	Width:              240,
	Height:             240,
	BacklightFrequency: 10 * physic.KiloHertz,
}

// Panel is a display controller on a bus.  It is safe for concurrent use, but a window set with
// SetWindow belongs to whoever writes pixels next, so callers drawing concurrently must
// coordinate.
type Panel struct {
	cfg       Config
	bus       conn.Conn
	dc        Pin
	reset     Pin
	backlight PWMPin
	maxTx     int
	sleep     func(time.Duration)
	l         trace.EventLog

	mu sync.Mutex
}

// New returns a Panel on bus.  dc is required; reset and backlight may be nil.
func New(bus conn.Conn, dc, reset Pin, backlight PWMPin, cfg Config) *Panel {
	maxTx := DefaultMaxTx
	if l, ok := bus.(conn.Limits); ok && l.MaxTxSize() > 0 {
		maxTx = l.MaxTxSize()
	}
	return &Panel{
		cfg:       cfg,
		bus:       bus,
		dc:        dc,
		reset:     reset,
		backlight: backlight,
		maxTx:     maxTx,
		sleep:     time.Sleep,
		l:         trace.NewEventLog("panel", bus.String()),
	}
}

// Bounds returns the visible area.
func (p *Panel) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.cfg.Width, p.cfg.Height)
}

// Init resets the controller and configures it for 16-bit pixels.
func (p *Panel) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reset != nil {
		for _, step := range []struct {
			level gpio.Level
			wait  time.Duration
		}{{gpio.High, 10 * time.Millisecond}, {gpio.Low, 10 * time.Millisecond}, {gpio.High, 120 * time.Millisecond}} {
			if err := p.reset.Out(step.level); err != nil {
				return fmt.Errorf("reset panel: %w", err)
			}
			p.sleep(step.wait)
		}
	}
	for _, c := range []struct {
		cmd  byte
		data []byte
		wait time.Duration
	}{
		{cmd: cmdSWRESET, wait: 150 * time.Millisecond},
		{cmd: cmdSLPOUT, wait: 120 * time.Millisecond},
		{cmd: cmdCOLMOD, data: []byte{colmod16Bit}},
		{cmd: cmdMADCTR, data: []byte{madctlBGR}},
		{cmd: cmdINVON},
		{cmd: cmdNORON, wait: 10 * time.Millisecond},
		{cmd: cmdDISPON, wait: 20 * time.Millisecond},
	} {
		if err := p.command(c.cmd, c.data...); err != nil {
			return fmt.Errorf("init panel: %w", err)
		}
		if c.wait > 0 {
			p.sleep(c.wait)
		}
	}
	p.l.Printf("initialized %dx%d panel, max transfer %d bytes", p.cfg.Width, p.cfg.Height, p.maxTx)
	return nil
}

// Off turns the display output off.
func (p *Panel) Off() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.command(cmdDISPOFF)
}

// SetWindow selects the rectangle that following pixel writes fill, left to right and top to
// bottom.
func (p *Panel) SetWindow(r image.Rectangle) error {
	if r.Empty() || !r.In(p.Bounds()) {
		return fmt.Errorf("window %v outside panel %v", r, p.Bounds())
	}
	x0, x1 := r.Min.X+p.cfg.ColumnOffset, r.Max.X-1+p.cfg.ColumnOffset
	y0, y1 := r.Min.Y+p.cfg.RowOffset, r.Max.Y-1+p.cfg.RowOffset
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.command(cmdCASET, byte(x0>>8), byte(x0), byte(x1>>8), byte(x1)); err != nil {
		return fmt.Errorf("set columns: %w", err)
	}
	if err := p.command(cmdRASET, byte(y0>>8), byte(y0), byte(y1>>8), byte(y1)); err != nil {
		return fmt.Errorf("set rows: %w", err)
	}
	if err := p.command(cmdRAMWR); err != nil {
		return fmt.Errorf("start memory write: %w", err)
	}
	return nil
}

// WritePixels sends big-endian RGB565 pixel data into the current window.
func (p *Panel) WritePixels(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dc.Out(gpio.High); err != nil {
		return fmt.Errorf("select data: %w", err)
	}
	if _, err := writeAll(&txWriter{bus: p.bus, max: p.maxTx}, buf); err != nil {
		p.l.Errorf("write %d bytes of pixels: %v", len(buf), err)
		return fmt.Errorf("write pixels: %w", err)
	}
	return nil
}

// SetBacklight sets the backlight brightness in percent.  Values outside 0-100 are clamped.
func (p *Panel) SetBacklight(pct int) error {
	if p.backlight == nil {
		return errors.New("no backlight pin configured")
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	duty, err := gpio.ParseDuty(fmt.Sprintf("%d%%", pct))
	if err != nil {
		return fmt.Errorf("parse duty: %w", err)
	}
	if err := p.backlight.PWM(duty, p.cfg.BacklightFrequency); err != nil {
		return fmt.Errorf("set backlight pwm: %w", err)
	}
	p.l.Printf("backlight %d%% (%v)", pct, duty)
	return nil
}

// command sends a command byte followed by its parameters.  p.mu must be held.
func (p *Panel) command(cmd byte, data ...byte) error {
	if err := p.dc.Out(gpio.Low); err != nil {
		return fmt.Errorf("select command: %w", err)
	}
	if _, err := writeAll(&txWriter{bus: p.bus, max: p.maxTx}, []byte{cmd}); err != nil {
		return fmt.Errorf("send command %#02x: %w", cmd, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := p.dc.Out(gpio.High); err != nil {
		return fmt.Errorf("select data: %w", err)
	}
	if _, err := writeAll(&txWriter{bus: p.bus, max: p.maxTx}, data); err != nil {
		return fmt.Errorf("send parameters of %#02x: %w", cmd, err)
	}
	return nil
}

// txWriter splits writes into bus transactions of at most max bytes.  A failed transaction ends
// the write, reporting how much was sent before it.
type txWriter struct {
	bus conn.Conn
	max int
}

func (w *txWriter) Write(buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		end := n + w.max
		if end > len(buf) {
			end = len(buf)
		}
		if err := w.bus.Tx(buf[n:end], nil); err != nil {
			return n, err
		}
		busBytes.Add(float64(end - n))
		n = end
	}
	return n, nil
}

// writeAll writes buf to w, resuming from the cumulative offset after a short write.  It gives up
// when a call makes no progress.
func writeAll(w io.Writer, buf []byte) (int, error) {
	var done int
	for done < len(buf) {
		n, err := w.Write(buf[done:])
		done += n
		switch {
		case err != nil && n == 0:
			abandonedWrites.Inc()
			return done, err
		case err == nil && n == 0:
			abandonedWrites.Inc()
			return done, io.ErrNoProgress
		case done < len(buf):
			partialWrites.Inc()
		}
	}
	return done, nil
}
