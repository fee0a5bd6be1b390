package decoder_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/scantest"
	"github.com/care/orionscan/internal/types"
)

// chanOutbox collects outcomes on a buffered channel.
type chanOutbox chan types.Message

func (o chanOutbox) Post(msg types.Message) bool {
	select {
	case o <- msg:
		return true
	default:
		return false
	}
}

func (o chanOutbox) next(t *testing.T) types.Message {
	t.Helper()
	select {
	case msg := <-o:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for decode outcome")
		return nil
	}
}

func (o chanOutbox) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-o:
		t.Fatalf("unexpected outcome %#v", msg)
	case <-time.After(wait):
	}
}

func startWorker(t *testing.T, cfg decoder.WorkerConfig) (*decoder.Worker, chanOutbox) {
	t.Helper()
	out := make(chanOutbox, 16)
	cfg.Outbox = out
	if cfg.Geometry == nil {
		cfg.Geometry = scantest.FullGeometry(scantest.Preview)
	}

	w, err := decoder.NewWorker(cfg)
	if err != nil {
		t.Fatalf("NewWorker() failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		w.Terminate()
		<-w.Done()
	})
	return w, out
}

func frameReady(tag string, f types.Frame) types.FrameReady {
	return types.FrameReady{
		Tag:         tag,
		Frame:       f,
		Geometry:    types.Size{Width: f.Width, Height: f.Height},
		HasGeometry: true,
	}
}

func mustFailWith(t *testing.T, msg types.Message, tag string, reason types.FailureReason) {
	t.Helper()
	failed, ok := msg.(types.DecodeFailed)
	if !ok {
		t.Fatalf("expected DecodeFailed, got %#v", msg)
	}
	if failed.Tag != tag {
		t.Errorf("tag = %q, want %q", failed.Tag, tag)
	}
	if failed.Reason != reason {
		t.Errorf("reason = %v, want %v", failed.Reason, reason)
	}
}

func mustSucceedWith(t *testing.T, msg types.Message, tag, text string, format types.Format) types.Result {
	t.Helper()
	ok, isOK := msg.(types.DecodeSucceeded)
	if !isOK {
		t.Fatalf("expected DecodeSucceeded, got %#v", msg)
	}
	if ok.Tag != tag {
		t.Errorf("tag = %q, want %q", ok.Tag, tag)
	}
	if ok.Result.Text != text {
		t.Errorf("text = %q, want %q", ok.Result.Text, text)
	}
	if ok.Result.Format != format {
		t.Errorf("format = %v, want %v", ok.Result.Format, format)
	}
	return ok.Result
}

// TestWorkerBlankFrameNotFound: a uniform frame is a normal negative.
func TestWorkerBlankFrameNotFound(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{Hints: decoder.DefaultHints()})

	w.Post(frameReady("t1", scantest.Blank(scantest.Preview, 1)))

	mustFailWith(t, out.next(t), "t1", types.ReasonNotFound)
}

// TestWorkerDecodesCode128 decodes a linear code rendered upright in the corrected frame.
func TestWorkerDecodesCode128(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{Hints: decoder.DefaultHints()})

	f, err := scantest.Code128(scantest.Preview, "HELLO", 7)
	if err != nil {
		t.Fatal(err)
	}
	w.Post(frameReady("t1", f))

	res := mustSucceedWith(t, out.next(t), "t1", "HELLO", types.FormatCode128)
	if res.FrameSeq != 7 {
		t.Errorf("FrameSeq = %d, want 7", res.FrameSeq)
	}
	if res.TraceID != f.TraceID {
		t.Errorf("TraceID = %q, want %q", res.TraceID, f.TraceID)
	}
}

// TestWorkerDecodesQR decodes a matrix code restricted to the QR format.
func TestWorkerDecodesQR(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{
		Hints: decoder.Hints{Formats: []types.Format{types.FormatQRCode}},
	})

	f, err := scantest.QR(scantest.Preview, "https://example.org/item/42", 1)
	if err != nil {
		t.Fatal(err)
	}
	w.Post(frameReady("t1", f))

	res := mustSucceedWith(t, out.next(t), "t1", "https://example.org/item/42", types.FormatQRCode)
	if len(res.Points) < 3 {
		t.Errorf("expected at least 3 finder points, got %d", len(res.Points))
	}
}

// TestWorkerFormatRestriction: a Code 128 symbol is not found when only QR is allowed.
func TestWorkerFormatRestriction(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{
		Hints: decoder.Hints{Formats: []types.Format{types.FormatQRCode}},
	})

	f, err := scantest.Code128(scantest.Preview, "HELLO", 1)
	if err != nil {
		t.Fatal(err)
	}
	w.Post(frameReady("t1", f))

	mustFailWith(t, out.next(t), "t1", types.ReasonNotFound)
}

// TestWorkerPointsInCorrectedCoordinates: with the view restricted to the
// crop region, points are reported relative to the whole corrected frame.
func TestWorkerPointsInCorrectedCoordinates(t *testing.T) {
	crop := types.Rect{Left: 40, Top: 120, Right: 440, Bottom: 520}
	w, out := startWorker(t, decoder.WorkerConfig{
		Hints: decoder.Hints{
			Formats:        []types.Format{types.FormatQRCode},
			RestrictToCrop: true,
		},
		Geometry: scantest.Geometry{Size: scantest.Preview, Crop: crop},
	})

	f, err := scantest.QR(scantest.Preview, "crop", 1)
	if err != nil {
		t.Fatal(err)
	}
	w.Post(frameReady("t1", f))

	res := mustSucceedWith(t, out.next(t), "t1", "crop", types.FormatQRCode)
	for _, p := range res.Points {
		if p.X < float64(crop.Left) || p.X > float64(crop.Right) ||
			p.Y < float64(crop.Top) || p.Y > float64(crop.Bottom) {
			t.Errorf("point %+v outside crop %v", p, crop)
		}
	}
}

// TestWorkerSequentialFramesIndependent verifies nothing leaks between attempts.
//
// Scenario:
//  1. Post QR "A", a blank frame, then QR "B"
//  2. Assert outcomes arrive in order: A, not found, B
func TestWorkerSequentialFramesIndependent(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{Hints: decoder.DefaultHints()})

	a, err := scantest.QR(scantest.Preview, "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := scantest.QR(scantest.Preview, "B", 3)
	if err != nil {
		t.Fatal(err)
	}

	w.Post(frameReady("a", a))
	w.Post(frameReady("blank", scantest.Blank(scantest.Preview, 2)))
	w.Post(frameReady("b", b))

	mustSucceedWith(t, out.next(t), "a", "A", types.FormatQRCode)
	mustFailWith(t, out.next(t), "blank", types.ReasonNotFound)
	mustSucceedWith(t, out.next(t), "b", "B", types.FormatQRCode)
}

// TestWorkerGeometryFallback: a frame without a geometry snapshot uses the provider.
func TestWorkerGeometryFallback(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{Hints: decoder.DefaultHints()})

	f, err := scantest.Code128(scantest.Preview, "HELLO", 1)
	if err != nil {
		t.Fatal(err)
	}
	w.Post(types.FrameReady{Tag: "t1", Frame: f})

	mustSucceedWith(t, out.next(t), "t1", "HELLO", types.FormatCode128)
}

// TestWorkerNoGeometry: neither snapshot nor provider know the geometry.
func TestWorkerNoGeometry(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{
		Hints:    decoder.DefaultHints(),
		Geometry: scantest.Geometry{},
	})

	w.Post(types.FrameReady{Tag: "t1", Frame: scantest.Blank(scantest.Preview, 1)})

	mustFailWith(t, out.next(t), "t1", types.ReasonNoGeometry)
}

// TestWorkerNoCrop covers a missing crop and a crop outside the corrected frame.
func TestWorkerNoCrop(t *testing.T) {
	cases := map[string]types.Rect{
		"missing": {},
		// sensor-oriented rectangle, wider than the 480-wide corrected frame
		"outside": {Left: 0, Top: 0, Right: 640, Bottom: 480},
	}

	for name, crop := range cases {
		t.Run(name, func(t *testing.T) {
			w, out := startWorker(t, decoder.WorkerConfig{
				Hints:    decoder.DefaultHints(),
				Geometry: scantest.Geometry{Size: scantest.Preview, Crop: crop},
			})

			w.Post(frameReady("t1", scantest.Blank(scantest.Preview, 1)))

			mustFailWith(t, out.next(t), "t1", types.ReasonNoCrop)
		})
	}
}

// TestWorkerShortFrame: a buffer smaller than its geometry is rejected.
func TestWorkerShortFrame(t *testing.T) {
	w, out := startWorker(t, decoder.WorkerConfig{Hints: decoder.DefaultHints()})

	f := scantest.Blank(scantest.Preview, 1)
	f.Data = f.Data[:100]
	w.Post(frameReady("t1", f))

	mustFailWith(t, out.next(t), "t1", types.ReasonBadFrame)
}

// countingReader fails the first n attempts, then returns a fixed result.
type countingReader struct {
	failFirst int
	decodes   atomic.Int32
	resets    atomic.Int32
}

func (r *countingReader) Decode(*gozxing.BinaryBitmap, map[gozxing.DecodeHintType]interface{}) (*gozxing.Result, error) {
	n := r.decodes.Add(1)
	if int(n) <= r.failFirst {
		return nil, gozxing.NewNotFoundException()
	}
	return gozxing.NewResult("fake", nil, nil, gozxing.BarcodeFormat_CODE_128), nil
}

func (r *countingReader) Reset() { r.resets.Add(1) }

// TestWorkerResetsReaderAfterEveryAttempt checks Reset follows both outcomes.
func TestWorkerResetsReaderAfterEveryAttempt(t *testing.T) {
	reader := &countingReader{failFirst: 2}
	w, out := startWorker(t, decoder.WorkerConfig{Reader: reader})

	for i, tag := range []string{"t1", "t2", "t3"} {
		w.Post(frameReady(tag, scantest.Blank(scantest.Preview, uint64(i))))
	}

	mustFailWith(t, out.next(t), "t1", types.ReasonNotFound)
	mustFailWith(t, out.next(t), "t2", types.ReasonNotFound)
	mustSucceedWith(t, out.next(t), "t3", "fake", types.FormatCode128)

	if got := reader.resets.Load(); got != 3 {
		t.Errorf("Reset called %d times, want 3", got)
	}

	m := w.Metrics()
	if m.FramesProcessed != 3 || m.Succeeded != 1 || m.Failed != 2 {
		t.Errorf("metrics = %+v", m)
	}
	if m.FailedByReason["not_found"] != 2 {
		t.Errorf("not_found = %d, want 2", m.FailedByReason["not_found"])
	}
}

// gateReader blocks every attempt until released.
type gateReader struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateReader() *gateReader {
	return &gateReader{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (r *gateReader) Decode(*gozxing.BinaryBitmap, map[gozxing.DecodeHintType]interface{}) (*gozxing.Result, error) {
	r.entered <- struct{}{}
	<-r.release
	return nil, gozxing.NewNotFoundException()
}

func (r *gateReader) Reset() {}

func (r *gateReader) open() { r.once.Do(func() { close(r.release) }) }

// TestWorkerQuitDrainsQueue: a graceful quit still decodes every queued frame.
func TestWorkerQuitDrainsQueue(t *testing.T) {
	reader := newGateReader()
	w, out := startWorker(t, decoder.WorkerConfig{Reader: reader})

	for i, tag := range []string{"t1", "t2", "t3"} {
		if !w.Post(frameReady(tag, scantest.Blank(scantest.Preview, uint64(i)))) {
			t.Fatalf("Post(%s) rejected", tag)
		}
	}
	<-reader.entered

	w.Quit()
	if w.Post(frameReady("late", scantest.Blank(scantest.Preview, 9))) {
		t.Error("Post after Quit should be rejected")
	}
	reader.open()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after Quit")
	}

	for _, tag := range []string{"t1", "t2", "t3"} {
		mustFailWith(t, out.next(t), tag, types.ReasonNotFound)
	}
	out.none(t, 20*time.Millisecond)
}

// TestWorkerTerminateDropsQueue: immediate termination finishes the attempt
// in progress and drops the rest.
func TestWorkerTerminateDropsQueue(t *testing.T) {
	reader := newGateReader()
	w, out := startWorker(t, decoder.WorkerConfig{Reader: reader})

	for i, tag := range []string{"t1", "t2", "t3"} {
		w.Post(frameReady(tag, scantest.Blank(scantest.Preview, uint64(i))))
	}
	<-reader.entered

	w.Terminate()
	reader.open()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after Terminate")
	}

	mustFailWith(t, out.next(t), "t1", types.ReasonNotFound)
	out.none(t, 20*time.Millisecond)
}

// TestWorkerStartTwice: a worker runs at most once.
func TestWorkerStartTwice(t *testing.T) {
	w, _ := startWorker(t, decoder.WorkerConfig{Hints: decoder.DefaultHints()})

	if err := w.Start(context.Background()); err != decoder.ErrAlreadyStarted {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

// TestNewWorkerValidation rejects incomplete configs.
func TestNewWorkerValidation(t *testing.T) {
	geom := scantest.FullGeometry(scantest.Preview)
	out := make(chanOutbox, 1)

	cases := map[string]decoder.WorkerConfig{
		"no geometry":    {Outbox: out},
		"no outbox":      {Geometry: geom},
		"unknown format": {Geometry: geom, Outbox: out, Hints: decoder.Hints{Formats: []types.Format{"MAXICODE"}}},
	}
	for name, cfg := range cases {
		if _, err := decoder.NewWorker(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
