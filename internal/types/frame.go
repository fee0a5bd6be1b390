package types

import (
	"fmt"
	"time"
)

// Frame represents a single raw preview frame as delivered by a frame source.
//
// Data holds the sensor buffer in sensor storage order: the first Width*Height
// bytes are the luminance plane (GRAY8, or the Y plane of NV21/I420). Any
// trailing chroma bytes are ignored by the decoder.
//
// A Frame is immutable once delivered. Ownership moves from the source to the
// decode worker on delivery and is released after the decode attempt.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels, in sensor storage order
	Width int
	// Height in pixels, in sensor storage order
	Height int
	// Data contains the raw frame bytes
	Data []byte
	// TraceID is a unique identifier for tracing a frame through the pipeline
	TraceID string
}

// Size is a frame geometry in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Transposed returns the geometry with width and height swapped.
func (s Size) Transposed() Size {
	return Size{Width: s.Height, Height: s.Width}
}

// Area returns the pixel count.
func (s Size) Area() int {
	return s.Width * s.Height
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Rect is a pixel rectangle; Left/Top inclusive, Right/Bottom exclusive.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Width returns the horizontal extent.
func (r Rect) Width() int {
	return r.Right - r.Left
}

// Height returns the vertical extent.
func (r Rect) Height() int {
	return r.Bottom - r.Top
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool {
	return r.Width() <= 0 || r.Height() <= 0
}

// Within reports whether the rectangle is non-empty and fits inside a frame of the given size.
func (r Rect) Within(s Size) bool {
	if r.Empty() {
		return false
	}
	return r.Left >= 0 && r.Top >= 0 && r.Right <= s.Width && r.Bottom <= s.Height
}

// FullFrame returns the rectangle covering the whole frame.
func FullFrame(s Size) Rect {
	return Rect{Left: 0, Top: 0, Right: s.Width, Bottom: s.Height}
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", r.Left, r.Top, r.Width(), r.Height())
}
