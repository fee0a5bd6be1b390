package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/care/orionscan/internal/types"
)

var (
	// ErrNotOpen is returned by RequestFrame before Open or after Close.
	ErrNotOpen = errors.New("source: not open")
	// ErrNotReady is returned by RequestFrame while the source cannot deliver
	// yet (preview not running, a request already outstanding). It is
	// transient: the pipeline retries as it does after a failed decode.
	ErrNotReady = errors.New("source: not ready")
	// ErrExhausted is returned by RequestFrame once a finite source has
	// delivered everything it had.
	ErrExhausted = errors.New("source: no more frames")
	// ErrFailed is returned by RequestFrame after the device or stream broke.
	// The source has to be reopened.
	ErrFailed = errors.New("source: failed")
)

// FrameSink accepts one delivered frame. Post must not block.
type FrameSink interface {
	Post(msg types.FrameReady) bool
}

// Source is the frame source boundary: a camera, a stream or a test double.
//
// Implementations must guarantee:
//   - RequestFrame returns immediately and delivers at most one frame later
//   - No frame is delivered without a prior RequestFrame (no unsolicited frames)
//   - The delivered FrameReady carries the tag given to RequestFrame
//   - CurrentGeometry and CurrentCropRegion are safe from any goroutine
type Source interface {
	// Open acquires the device or stream. Failures are *OpenError.
	Open(ctx context.Context) error

	// Close releases the device. Pending requests are abandoned. Idempotent.
	Close() error

	// RequestFrame asks for the next frame to be posted to sink under tag.
	// A refused request delivers nothing. ErrNotReady is retried by the
	// pipeline; ErrNotOpen, ErrExhausted and ErrFailed end the scan loop.
	RequestFrame(sink FrameSink, tag string) error

	// CurrentGeometry returns the sensor-order frame size once known.
	CurrentGeometry() (types.Size, bool)

	// CurrentCropRegion returns the region of interest in corrected
	// (decoder) coordinates once known.
	CurrentCropRegion() (types.Rect, bool)
}

// RequestCanceler is implemented by sources that can abandon an
// outstanding request. The pipeline calls it when it stops, so that a
// frame requested before Stop is not delivered to the next run.
type RequestCanceler interface {
	CancelPending()
}

// OpenError is an initialization failure (device busy, missing files,
// pipeline that cannot be built). It is not retried.
type OpenError struct {
	Source string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("source %s: open failed: %v", e.Source, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}
