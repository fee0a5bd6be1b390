// Package scantest builds synthetic frames for tests: blank sensor frames and
// frames carrying a rendered code, already rotated into sensor order.
package scantest

import (
	"fmt"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/types"
)

// Preview is the sensor geometry used throughout the tests.
var Preview = types.Size{Width: 640, Height: 480}

const (
	black = 0x00
	white = 0xff
)

// Blank returns a uniform white sensor frame.
func Blank(sensor types.Size, seq uint64) types.Frame {
	data := make([]byte, sensor.Area())
	for i := range data {
		data[i] = white
	}
	return frame(sensor, data, seq)
}

// Code128 returns a sensor frame which, once orientation-corrected, shows a
// horizontal Code 128 symbol across the middle of the image.
func Code128(sensor types.Size, text string, seq uint64) (types.Frame, error) {
	upright := sensor.Transposed()
	m, err := oned.NewCode128Writer().Encode(text, gozxing.BarcodeFormat_CODE_128, upright.Width*5/6, upright.Height/3, nil)
	if err != nil {
		return types.Frame{}, fmt.Errorf("encode code128: %w", err)
	}
	return Render(sensor, m, seq)
}

// QR returns a sensor frame showing a centered QR code once corrected.
func QR(sensor types.Size, text string, seq uint64) (types.Frame, error) {
	upright := sensor.Transposed()
	side := min(upright.Width, upright.Height) * 2 / 3
	m, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, side, side, nil)
	if err != nil {
		return types.Frame{}, fmt.Errorf("encode qr: %w", err)
	}
	return Render(sensor, m, seq)
}

// Render centers m on a white upright canvas and converts it to sensor order.
func Render(sensor types.Size, m *gozxing.BitMatrix, seq uint64) (types.Frame, error) {
	upright := sensor.Transposed()
	w, h := m.GetWidth(), m.GetHeight()
	if w > upright.Width || h > upright.Height {
		return types.Frame{}, fmt.Errorf("symbol %dx%d does not fit %s", w, h, upright)
	}

	canvas := make([]byte, upright.Area())
	for i := range canvas {
		canvas[i] = white
	}

	left := (upright.Width - w) / 2
	top := (upright.Height - h) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.Get(x, y) {
				canvas[(top+y)*upright.Width+left+x] = black
			}
		}
	}

	return frame(sensor, decoder.Untranspose(canvas, sensor.Width, sensor.Height), seq), nil
}

func frame(sensor types.Size, data []byte, seq uint64) types.Frame {
	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     sensor.Width,
		Height:    sensor.Height,
		Data:      data,
		TraceID:   fmt.Sprintf("scantest-%d", seq),
	}
}

// Geometry is a fixed GeometryProvider. Zero values mean "not available".
type Geometry struct {
	Size types.Size
	Crop types.Rect
}

// FullGeometry reports sensor and a crop covering the whole corrected frame.
func FullGeometry(sensor types.Size) Geometry {
	return Geometry{Size: sensor, Crop: types.FullFrame(sensor.Transposed())}
}

func (g Geometry) CurrentGeometry() (types.Size, bool) {
	return g.Size, g.Size.Valid()
}

func (g Geometry) CurrentCropRegion() (types.Rect, bool) {
	return g.Crop, !g.Crop.Empty()
}
