package gstsource

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/orionscan/internal/source"
	"github.com/care/orionscan/internal/types"
)

// callbackContext holds state needed by the appsink callback.
type callbackContext struct {
	slot      *source.LatestSlot
	frames    *uint64 // atomic sequence counter
	bytesRead *uint64
	invalid   *uint64 // samples with an unexpected buffer size
	width     int
	height    int
}

// onNewSample copies the sample into a Frame and publishes it to the slot.
//
// Runs on a GStreamer streaming thread; it never blocks on the pipeline
// consumer. A bad sample is skipped, it never stops the stream.
func onNewSample(sink *app.Sink, ctx *callbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsource: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsource: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	plane, ok := packRows(data, ctx.width, ctx.height)
	buffer.Unmap()

	if !ok {
		atomic.AddUint64(ctx.invalid, 1)
		slog.Debug("gstsource: unexpected buffer size", "size", len(data), "width", ctx.width, "height", ctx.height)
		return gst.FlowOK
	}

	seq := atomic.AddUint64(ctx.frames, 1)
	atomic.AddUint64(ctx.bytesRead, uint64(len(data)))

	ctx.slot.Publish(types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     ctx.width,
		Height:    ctx.height,
		Data:      plane,
		TraceID:   uuid.New().String(),
	})
	return gst.FlowOK
}

// packRows copies a GRAY8 buffer into a tightly packed width*height plane.
// GStreamer pads GRAY8 rows to a multiple of 4 bytes.
func packRows(data []byte, width, height int) ([]byte, bool) {
	n := width * height
	if len(data) == n {
		plane := make([]byte, n)
		copy(plane, data)
		return plane, true
	}

	stride := (width + 3) &^ 3
	if len(data) < stride*height {
		return nil, false
	}
	plane := make([]byte, n)
	for y := 0; y < height; y++ {
		copy(plane[y*width:(y+1)*width], data[y*stride:y*stride+width])
	}
	return plane, true
}

// onPadAdded links a dynamic rtspsrc pad to the depayloader.
func onPadAdded(srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstsource: depayloader has no sink pad")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstsource: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gstsource: pads linked", "src_pad", srcPad.GetName())
}
