package source

import "github.com/care/orionscan/internal/types"

// Framing rectangle bounds, in screen pixels.
const (
	minFrameWidth  = 240
	minFrameHeight = 240
	maxFrameWidth  = 1200 // = 5/8 * 1920
	maxFrameHeight = 675  // = 5/8 * 1080
)

// FramingRect computes the region of interest for a viewfinder of the given
// screen size, expressed in the corrected coordinates of a preview whose
// sensor-order size is preview.
//
// The rectangle is 5/8 of each screen dimension (clamped), centered, then
// scaled from screen space into the corrected frame (preview transposed).
// It returns false when either size is unknown.
func FramingRect(screen, preview types.Size) (types.Rect, bool) {
	if !screen.Valid() || !preview.Valid() {
		return types.Rect{}, false
	}

	width := desiredDimension(screen.Width, minFrameWidth, maxFrameWidth)
	height := desiredDimension(screen.Height, minFrameHeight, maxFrameHeight)
	width = min(width, screen.Width)
	height = min(height, screen.Height)

	left := (screen.Width - width) / 2
	top := (screen.Height - height) / 2

	corrected := preview.Transposed()
	scaleX := func(v int) int { return v * corrected.Width / screen.Width }
	scaleY := func(v int) int { return v * corrected.Height / screen.Height }

	return types.Rect{
		Left:   scaleX(left),
		Top:    scaleY(top),
		Right:  scaleX(left + width),
		Bottom: scaleY(top + height),
	}, true
}

func desiredDimension(resolution, hardMin, hardMax int) int {
	dim := 5 * resolution / 8
	if dim < hardMin {
		return hardMin
	}
	if dim > hardMax {
		return hardMax
	}
	return dim
}
