// Package segment describes the seven-segment glyphs of the clock face and where each one lands
// on the screen.
//
// Segments are numbered the usual way:
//
//	 a
//	---
//	f|   |b
//	 -g-
//	e|   |c
//	---
//	 d
package segment

import "image"

// Mask is a set of lit segments.  Bit 0 is segment a, bit 6 is segment g.
type Mask uint8

const (
	Top        Mask = 1 << iota // a
	UpperRight                  // b
	LowerRight                  // c
	Bottom                      // d
	LowerLeft                   // e
	UpperLeft                   // f
	Middle                      // g

	All = Top | UpperRight | LowerRight | Bottom | LowerLeft | UpperLeft | Middle
)

var digits = [10]Mask{
	Top | UpperRight | LowerRight | Bottom | LowerLeft | UpperLeft, // 0
	UpperRight | LowerRight,                                        // 1
	Top | UpperRight | Middle | LowerLeft | Bottom,                 // 2
	Top | UpperRight | Middle | LowerRight | Bottom,                // 3
	UpperLeft | Middle | UpperRight | LowerRight,                   // 4
	Top | UpperLeft | Middle | LowerRight | Bottom,                 // 5
	Top | UpperLeft | Middle | LowerLeft | LowerRight | Bottom,     // 6
	Top | UpperRight | LowerRight,                                  // 7
	All,                                                            // 8
	Top | UpperLeft | UpperRight | Middle | LowerRight | Bottom,    // 9
}

// Digit returns the segments lit for d.  Anything outside 0-9 is blank.
func Digit(d int) Mask {
	if d < 0 || d > 9 {
		return 0
	}
	return digits[d]
}

// Each calls f once for every segment in m, from a to g.
func (m Mask) Each(f func(Mask)) {
	for s := Top; s <= Middle; s <<= 1 {
		if m&s != 0 {
			f(s)
		}
	}
}

// Count returns the number of lit segments.
func (m Mask) Count() int {
	var n int
	m.Each(func(Mask) { n++ })
	return n
}

// Diff splits the transition from old to new into the segments that must be erased and the
// segments that must be drawn.  Segments lit in both are in neither set.
func Diff(old, new Mask) (turnOff, turnOn Mask) {
	return old &^ new, new &^ old
}

func (m Mask) String() string {
	if m == 0 {
		return "-"
	}
	var b []byte
	m.Each(func(s Mask) {
		for i := 0; i < 7; i++ {
			if s == 1<<i {
				b = append(b, byte('a'+i))
			}
		}
	})
	return string(b)
}

// Layout holds the fixed clock face geometry: six digit slots (HH MM SS) with a colon between
// each pair, centered on the screen.
type Layout struct {
	DigitWidth  int
	DigitHeight int
	Thickness   int
	Gap         int
	ColonWidth  int

	origin image.Point
}

const (
	Slots  = 6
	Colons = 2
)

// DefaultLayout is sized for a 240x240 round panel.
var DefaultLayout = Layout{
	DigitWidth:  26,
	DigitHeight: 48,
	Thickness:   5,
	Gap:         6,
	ColonWidth:  6,
}

// Center returns a copy of l positioned in the middle of screen.
func (l Layout) Center(screen image.Rectangle) Layout {
	l.origin = image.Point{
		X: screen.Min.X + (screen.Dx()-l.Width())/2,
		Y: screen.Min.Y + (screen.Dy()-l.DigitHeight)/2,
	}
	return l
}

// Width is the width of the whole face: six digits, two colons and the seven gaps between them.
func (l Layout) Width() int {
	return Slots*l.DigitWidth + Colons*l.ColonWidth + (Slots+Colons-1)*l.Gap
}

// Bounds is the rectangle the face occupies.
func (l Layout) Bounds() image.Rectangle {
	return image.Rectangle{Min: l.origin, Max: l.origin.Add(image.Pt(l.Width(), l.DigitHeight))}
}

// DigitOrigin returns the top-left corner of digit slot i (0-5).
func (l Layout) DigitOrigin(slot int) image.Point {
	x := l.origin.X + slot*(l.DigitWidth+l.Gap) + (slot/2)*(l.ColonWidth+l.Gap)
	return image.Pt(x, l.origin.Y)
}

// SegmentRect returns the rectangle covered by one segment of one slot.  Segments never
// overlap: horizontal bars sit between the vertical bars, and the upper and lower vertical bars
// split the digit height.  This lets a segment be erased without touching a lit neighbour.
func (l Layout) SegmentRect(slot int, s Mask) image.Rectangle {
	o := l.DigitOrigin(slot)
	w, h, t := l.DigitWidth, l.DigitHeight, l.Thickness
	half := h / 2
	var r image.Rectangle
	switch s {
	case Top:
		r = image.Rect(t, 0, w-t, t)
	case UpperRight:
		r = image.Rect(w-t, 0, w, half)
	case LowerRight:
		r = image.Rect(w-t, half, w, h)
	case Bottom:
		r = image.Rect(t, h-t, w-t, h)
	case LowerLeft:
		r = image.Rect(0, half, t, h)
	case UpperLeft:
		r = image.Rect(0, 0, t, half)
	case Middle:
		r = image.Rect(t, (h-t)/2, w-t, (h-t)/2+t)
	default:
		return image.Rectangle{}
	}
	return r.Add(o)
}

// ColonRects returns the two dots of colon c (0 between hours and minutes, 1 between minutes
// and seconds).
func (l Layout) ColonRects(c int) [2]image.Rectangle {
	x := l.origin.X + (2*c+2)*(l.DigitWidth+l.Gap) + c*(l.ColonWidth+l.Gap)
	dot := image.Rect(0, 0, l.ColonWidth, l.ColonWidth)
	upper := image.Pt(x, l.origin.Y+l.DigitHeight/3-l.ColonWidth/2)
	lower := image.Pt(x, l.origin.Y+2*l.DigitHeight/3-l.ColonWidth/2)
	return [2]image.Rectangle{dot.Add(upper), dot.Add(lower)}
}
