package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/makiuchi-d/gozxing"

	"github.com/care/orionscan/internal/types"
)

// DefaultInboxSize is the worker inbox capacity. The controller keeps at most
// one frame in flight, so a small buffer only absorbs stale deliveries.
const DefaultInboxSize = 4

var (
	// ErrAlreadyStarted is returned by Start on a worker that already ran.
	ErrAlreadyStarted = errors.New("decoder: worker already started")
)

// GeometryProvider exposes the frame source's current configuration.
type GeometryProvider interface {
	// CurrentGeometry returns the sensor-order frame size, if known.
	CurrentGeometry() (types.Size, bool)
	// CurrentCropRegion returns the region of interest in corrected coordinates.
	CurrentCropRegion() (types.Rect, bool)
}

// Outbox receives the outcome of every decode attempt.
type Outbox interface {
	Post(msg types.Message) bool
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// ID names the worker in logs
	ID string
	// Hints is the decoder configuration
	Hints Hints
	// Geometry is queried for the crop region (and geometry when the
	// frame arrives without a snapshot)
	Geometry GeometryProvider
	// Outbox receives one DecodeSucceeded or DecodeFailed per frame
	Outbox Outbox
	// InboxSize defaults to DefaultInboxSize
	InboxSize int
	// Reader defaults to NewMultiFormatReader(Hints)
	Reader Reader
}

// Worker is the single decode goroutine.
//
// The worker owns its Reader and its scratch buffer; nothing else touches
// them, so no locks are held while decoding. Frames are handled strictly in
// inbox order and every frame produces exactly one outcome on the Outbox.
//
// Lifecycle:
//   - Start launches the goroutine (once)
//   - Quit closes the inbox; queued frames are still decoded, then the goroutine exits
//   - Terminate cancels the goroutine; queued frames are dropped
//   - Done is closed when the goroutine has returned
type Worker struct {
	id          string
	hints       Hints
	decodeHints map[gozxing.DecodeHintType]interface{}
	reader      Reader
	geometry    GeometryProvider
	outbox      Outbox

	inboxMu sync.RWMutex
	inbox   chan types.FrameReady
	closed  bool

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// scratch holds the corrected luminance plane; reused across frames
	scratch []byte

	metrics workerMetrics
}

// NewWorker validates cfg and returns an idle worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Geometry == nil {
		return nil, fmt.Errorf("decoder: geometry provider is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("decoder: outbox is required")
	}
	if err := cfg.Hints.validate(); err != nil {
		return nil, err
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.ID == "" {
		cfg.ID = "decoder"
	}
	reader := cfg.Reader
	if reader == nil {
		reader = NewMultiFormatReader(cfg.Hints)
	}

	return &Worker{
		id:          cfg.ID,
		hints:       cfg.Hints,
		decodeHints: cfg.Hints.decodeHints(),
		reader:      reader,
		geometry:    cfg.Geometry,
		outbox:      cfg.Outbox,
		inbox:       make(chan types.FrameReady, cfg.InboxSize),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the decode goroutine.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.run(ctx)

	slog.Debug("decode worker started", "worker_id", w.id)
	return nil
}

// Post queues a frame for decoding (non-blocking).
//
// Returns false when the worker has been asked to stop or the inbox is full.
// A rejected frame produces no outcome.
func (w *Worker) Post(msg types.FrameReady) bool {
	w.inboxMu.RLock()
	defer w.inboxMu.RUnlock()

	if w.closed {
		return false
	}

	select {
	case w.inbox <- msg:
		return true
	default:
		w.metrics.rejected.Add(1)
		slog.Warn("decode worker inbox full, frame rejected",
			"worker_id", w.id,
			"tag", msg.Tag,
		)
		return false
	}
}

// Quit asks the goroutine to finish the queued frames and exit. Idempotent.
func (w *Worker) Quit() {
	w.closeInbox()
}

// Terminate stops the goroutine without draining the inbox. An attempt
// already inside the reader runs to completion. Idempotent.
func (w *Worker) Terminate() {
	w.closeInbox()
	if w.cancel != nil {
		w.cancel()
	}
}

// Done is closed once the goroutine has exited. A worker that was never
// started is never done.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) closeInbox() {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	close(w.inbox)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()

	for {
		// Terminate wins over queued frames
		if ctx.Err() != nil {
			slog.Debug("decode worker terminated", "worker_id", w.id)
			return
		}

		select {
		case <-ctx.Done():
			slog.Debug("decode worker terminated", "worker_id", w.id)
			return
		case msg, ok := <-w.inbox:
			if !ok {
				slog.Debug("decode worker quit", "worker_id", w.id)
				return
			}
			w.handle(msg)
		}
	}
}

// handle runs one attempt and posts its outcome.
func (w *Worker) handle(msg types.FrameReady) {
	start := time.Now()
	out := w.decode(msg)
	w.metrics.record(out, time.Since(start))

	if !w.outbox.Post(out) {
		slog.Debug("decode outcome not accepted by outbox",
			"worker_id", w.id,
			"tag", msg.Tag,
		)
	}
}

// decode turns one frame into exactly one outcome message.
func (w *Worker) decode(msg types.FrameReady) types.Message {
	failed := func(reason types.FailureReason) types.Message {
		return types.DecodeFailed{Tag: msg.Tag, Reason: reason}
	}

	geom, ok := msg.Geometry, msg.HasGeometry
	if !ok {
		geom, ok = w.geometry.CurrentGeometry()
	}
	if !ok || !geom.Valid() {
		return failed(types.ReasonNoGeometry)
	}

	data := msg.Frame.Data
	if len(data) < geom.Area() {
		slog.Debug("frame shorter than geometry",
			"worker_id", w.id,
			"tag", msg.Tag,
			"len", len(data),
			"geometry", geom.String(),
		)
		return failed(types.ReasonBadFrame)
	}

	w.scratch = transposeInto(w.scratch, data, geom.Width, geom.Height)
	corrected := geom.Transposed()

	crop, ok := w.geometry.CurrentCropRegion()
	if !ok || !crop.Within(corrected) {
		return failed(types.ReasonNoCrop)
	}

	view := types.FullFrame(corrected)
	if w.hints.RestrictToCrop {
		view = crop
	}

	source, err := gozxing.NewPlanarYUVLuminanceSource(
		w.scratch, corrected.Width, corrected.Height,
		view.Left, view.Top, view.Width(), view.Height(), false)
	if err != nil {
		slog.Debug("luminance view rejected", "worker_id", w.id, "view", view.String(), "error", err)
		return failed(types.ReasonBadFrame)
	}

	bitmap, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(source))
	if err != nil {
		slog.Debug("binarizer rejected frame", "worker_id", w.id, "error", err)
		return failed(types.ReasonBadFrame)
	}

	result, err := w.search(bitmap)
	if err != nil {
		if _, ok := err.(gozxing.ReaderException); !ok {
			slog.Warn("decode attempt failed", "worker_id", w.id, "tag", msg.Tag, "error", err)
		}
		return failed(types.ReasonNotFound)
	}

	return types.DecodeSucceeded{
		Tag:    msg.Tag,
		Result: w.toResult(result, msg.Frame, view),
	}
}

// search runs the reader once; the reader is reset whatever the outcome.
func (w *Worker) search(bitmap *gozxing.BinaryBitmap) (*gozxing.Result, error) {
	defer w.reader.Reset()
	return w.reader.Decode(bitmap, w.decodeHints)
}

// toResult converts a reader hit; points are moved from view coordinates
// into corrected-frame coordinates.
func (w *Worker) toResult(r *gozxing.Result, frame types.Frame, view types.Rect) types.Result {
	var points []types.ResultPoint
	for _, p := range r.GetResultPoints() {
		if p == nil {
			continue
		}
		points = append(points, types.ResultPoint{
			X: p.GetX() + float64(view.Left),
			Y: p.GetY() + float64(view.Top),
		})
	}

	return types.Result{
		Text:      r.GetText(),
		Format:    fromGozxing(r.GetBarcodeFormat()),
		Points:    points,
		FrameSeq:  frame.Seq,
		TraceID:   frame.TraceID,
		DecodedAt: time.Now(),
	}
}
