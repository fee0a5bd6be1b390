package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/pipeline"
	"github.com/care/orionscan/internal/scantest"
	"github.com/care/orionscan/internal/source"
	"github.com/care/orionscan/internal/types"
)

// recorder is a ResultListener collecting results on a channel.
type recorder chan types.Result

func (r recorder) OnResult(res types.Result) { r <- res }

func (r recorder) next(t *testing.T) types.Result {
	t.Helper()
	select {
	case res := <-r:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for result")
		return types.Result{}
	}
}

func (r recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case res := <-r:
		t.Fatalf("unexpected result %+v", res)
	case <-time.After(wait):
	}
}

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.StopTimeout = 100 * time.Millisecond
	return cfg
}

func openMock(t *testing.T, cfg source.MockConfig) *source.MockSource {
	t.Helper()
	src := source.NewMockSource(cfg)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func startController(t *testing.T, src source.Source, cfg pipeline.Config, opts ...pipeline.Option) *pipeline.Controller {
	t.Helper()
	c, err := pipeline.NewController(src, cfg, opts...)
	if err != nil {
		t.Fatalf("NewController() failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func code128(t *testing.T, text string) types.Frame {
	t.Helper()
	f, err := scantest.Code128(scantest.Preview, text, 0)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// TestControllerRetriesUntilResult covers the basic scan loop.
//
// Scenario:
//  1. Source yields a blank frame, then a Code 128 "HELLO" frame
//  2. The blank frame fails, the controller requests again by itself
//  3. The second frame succeeds: the listener sees "HELLO" exactly once
//  4. No further request is issued after the success
func TestControllerRetriesUntilResult(t *testing.T) {
	src := openMock(t, source.MockConfig{
		Geometry: scantest.Preview,
		Frames:   []types.Frame{scantest.Blank(scantest.Preview, 0), code128(t, "HELLO")},
	})
	results := make(recorder, 4)

	c := startController(t, src, testConfig(), pipeline.WithListener(results))

	res := results.next(t)
	if res.Text != "HELLO" || res.Format != types.FormatCode128 {
		t.Fatalf("result = %q (%s), want HELLO (CODE_128)", res.Text, res.Format)
	}
	results.none(t, 100*time.Millisecond)

	if got := src.Stats().Requests; got != 2 {
		t.Errorf("source requests = %d, want 2", got)
	}

	stats := c.Stats()
	if stats.Requests != 2 || stats.Retries != 1 || stats.Results != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.InFlight {
		t.Error("no request should be in flight after a result")
	}
	if stats.Worker == nil || stats.Worker.FramesProcessed != 2 {
		t.Errorf("worker metrics = %+v", stats.Worker)
	}
}

// TestControllerRestartAfterResult verifies a result pauses the loop until Restart.
func TestControllerRestartAfterResult(t *testing.T) {
	src := openMock(t, source.MockConfig{
		Geometry: scantest.Preview,
		Frames:   []types.Frame{code128(t, "FIRST")},
	})
	results := make(recorder, 4)
	c := startController(t, src, testConfig(), pipeline.WithListener(results))

	if got := results.next(t).Text; got != "FIRST" {
		t.Fatalf("first result = %q", got)
	}

	src.Enqueue(code128(t, "SECOND"))
	if err := c.Restart(); err != nil {
		t.Fatalf("Restart() failed: %v", err)
	}

	if got := results.next(t).Text; got != "SECOND" {
		t.Fatalf("second result = %q", got)
	}
}

// TestControllerRestartWithRequestInFlight keeps a single outstanding request.
func TestControllerRestartWithRequestInFlight(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview, Delay: time.Hour})
	c := startController(t, src, testConfig())

	for i := 0; i < 3; i++ {
		if err := c.Restart(); err != nil {
			t.Fatalf("Restart() failed: %v", err)
		}
	}

	stats := src.Stats()
	if stats.Requests != 1 {
		t.Errorf("source requests = %d, want 1", stats.Requests)
	}
	if stats.Overlaps != 0 {
		t.Errorf("overlapping requests = %d, want 0", stats.Overlaps)
	}
	if !c.Stats().InFlight {
		t.Error("expected a request in flight")
	}
}

// TestControllerRestartWhenStopped requests nothing.
func TestControllerRestartWhenStopped(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview})
	c, err := pipeline.NewController(src, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Restart(); !errors.Is(err, pipeline.ErrNotRunning) {
		t.Errorf("Restart() = %v, want ErrNotRunning", err)
	}
	if got := src.Stats().Requests; got != 0 {
		t.Errorf("source requests = %d, want 0", got)
	}
}

// TestControllerStartTwice rejects a second Start.
func TestControllerStartTwice(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview, Delay: time.Hour})
	c := startController(t, src, testConfig())

	if err := c.Start(context.Background()); !errors.Is(err, pipeline.ErrAlreadyRunning) {
		t.Errorf("Start() = %v, want ErrAlreadyRunning", err)
	}
	if c.State() != pipeline.StateRunning {
		t.Errorf("state = %v, want running", c.State())
	}
}

// TestControllerSingleRequestInFlight runs many failing attempts and checks
// the source never sees overlapping requests.
func TestControllerSingleRequestInFlight(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview})
	c := startController(t, src, testConfig())

	deadline := time.Now().Add(5 * time.Second)
	for src.Stats().Requests < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	stats := src.Stats()
	if stats.Requests < 20 {
		t.Fatalf("only %d requests issued", stats.Requests)
	}
	if stats.Overlaps != 0 {
		t.Errorf("overlapping requests = %d, want 0", stats.Overlaps)
	}
	if cs := c.Stats(); cs.Results != 0 || cs.Retries == 0 {
		t.Errorf("stats = %+v", cs)
	}
}

// TestControllerSourceNotReadyRecovers: a source that is not ready yet does
// not end the scan.
//
// Scenario:
//  1. The source declines the first request with ErrNotReady
//  2. The controller resolves it as a failed attempt and asks again
//  3. The second request delivers a Code 128 "HELLO" frame and it is decoded
func TestControllerSourceNotReadyRecovers(t *testing.T) {
	src := openMock(t, source.MockConfig{
		Geometry: scantest.Preview,
		Frames:   []types.Frame{code128(t, "HELLO")},
		NotReady: 1,
	})
	results := make(recorder, 4)
	c := startController(t, src, testConfig(), pipeline.WithListener(results))

	if got := results.next(t).Text; got != "HELLO" {
		t.Fatalf("result = %q, want HELLO", got)
	}

	if got := src.Stats().NotReady; got != 1 {
		t.Errorf("source not-ready refusals = %d, want 1", got)
	}
	stats := c.Stats()
	if stats.Requests != 2 || stats.Retries != 1 || stats.NotReady != 1 {
		t.Errorf("stats = %+v, want 2 requests, 1 retry, 1 not ready", stats)
	}
	if stats.Refused != 0 {
		t.Errorf("refused requests = %d, want 0", stats.Refused)
	}
}

// TestControllerSourceRefusal: a source that cannot serve requests any more
// ends the scan loop without a retry storm; Restart tries once more.
func TestControllerSourceRefusal(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview})
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	c := startController(t, src, testConfig())

	time.Sleep(50 * time.Millisecond)

	stats := c.Stats()
	if stats.Requests != 1 || stats.Refused != 1 || stats.Retries != 0 {
		t.Errorf("stats = %+v, want 1 request refused", stats)
	}
	if stats.InFlight {
		t.Error("refused request must not stay in flight")
	}

	if err := c.Restart(); err != nil {
		t.Fatalf("Restart() failed: %v", err)
	}
	if got := c.Stats().Refused; got != 2 {
		t.Errorf("refused requests after Restart = %d, want 2", got)
	}
}

// TestControllerNoGeometryKeepsScanning: frames without a known geometry
// fail and are retried until a geometry shows up.
func TestControllerNoGeometryKeepsScanning(t *testing.T) {
	src := openMock(t, source.MockConfig{Delay: time.Millisecond})
	c := startController(t, src, testConfig())

	deadline := time.Now().Add(5 * time.Second)
	for src.Stats().Delivered < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stats := c.Stats()
	if stats.Worker == nil || stats.Worker.FailedByReason["no_geometry"] < 2 {
		t.Fatalf("worker metrics = %+v, want repeated no_geometry failures", stats.Worker)
	}
	if stats.Refused != 0 || stats.Retries < 2 {
		t.Errorf("stats = %+v", stats)
	}
}

// gateReader blocks every attempt until released, then reports a hit.
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
	return gozxing.NewResult("late", nil, nil, gozxing.BarcodeFormat_QR_CODE), nil
}

func (r *gateReader) Reset() {}

func (r *gateReader) open() { r.once.Do(func() { close(r.release) }) }

// TestControllerStopBeforeResolve: an attempt still running at Stop never
// reaches the listener.
//
// Scenario:
//  1. The reader blocks inside the first attempt
//  2. Stop is called; the worker misses the stop timeout
//  3. Stop returns in bounded time with the controller stopped
//  4. The reader is released and reports a hit; the listener is not called
func TestControllerStopBeforeResolve(t *testing.T) {
	reader := newGateReader()
	defer reader.open()

	src := openMock(t, source.MockConfig{Geometry: scantest.Preview})
	results := make(recorder, 4)
	cfg := testConfig()
	c := startController(t, src, cfg,
		pipeline.WithListener(results),
		pipeline.WithReaderFactory(func() decoder.Reader { return reader }),
	)

	select {
	case <-reader.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("decode attempt never started")
	}

	start := time.Now()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed > 3*cfg.StopTimeout {
		t.Errorf("Stop() took %v, want about %v", elapsed, cfg.StopTimeout)
	}
	if c.State() != pipeline.StateStopped {
		t.Errorf("state = %v, want stopped", c.State())
	}

	reader.open()
	results.none(t, 100*time.Millisecond)
}

// TestControllerStopImmediate uses cancellation instead of a graceful quit.
func TestControllerStopImmediate(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview})
	cfg := testConfig()
	cfg.GracefulStop = false
	c := startController(t, src, cfg)

	time.Sleep(20 * time.Millisecond)
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.State() != pipeline.StateStopped {
		t.Errorf("state = %v, want stopped", c.State())
	}
	if c.Stats().InFlight {
		t.Error("no request should be in flight after Stop")
	}
}

// TestControllerStopStart verifies Stop is idempotent and a stopped
// controller can run again.
func TestControllerStopStart(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview, Delay: time.Hour})
	c := startController(t, src, testConfig())

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop() = %v", err)
	}

	// the request abandoned by Stop must not block the next run
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart after Stop failed: %v", err)
	}
	if got := src.Stats().Overlaps; got != 0 {
		t.Errorf("overlapping requests after restart = %d, want 0", got)
	}
	if got := c.Stats().Refused; got != 0 {
		t.Errorf("refused requests = %d, want 0", got)
	}
}

// TestControllerReaderPerRun: every Start builds its own reader, so an
// attempt abandoned by Stop never shares a reader with the next run.
func TestControllerReaderPerRun(t *testing.T) {
	var readers []*gateReader
	defer func() {
		for _, r := range readers {
			r.open()
		}
	}()
	factory := func() decoder.Reader {
		r := newGateReader()
		readers = append(readers, r)
		return r
	}

	src := openMock(t, source.MockConfig{Geometry: scantest.Preview})
	c := startController(t, src, testConfig(), pipeline.WithReaderFactory(factory))

	entered := func(r *gateReader) {
		t.Helper()
		select {
		case <-r.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("decode attempt never started")
		}
	}

	entered(readers[0])
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}

	if len(readers) != 2 {
		t.Fatalf("factory called %d times, want 2", len(readers))
	}
	entered(readers[1])
	if readers[0] == readers[1] {
		t.Error("runs share a reader")
	}
}

// TestControllerContextDone: cancelling the Start context stops the run.
//
// Scenario:
//  1. Start with a cancellable context; the request stays in flight
//  2. The context is cancelled: the controller reports stopped
//  3. Restart is refused; a new Start runs without overlapping the old request
func TestControllerContextDone(t *testing.T) {
	src := openMock(t, source.MockConfig{Geometry: scantest.Preview, Delay: time.Hour})
	c, err := pipeline.NewController(src, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for c.State() != pipeline.StateStopped && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != pipeline.StateStopped {
		t.Fatalf("state = %v after context cancel, want stopped", c.State())
	}
	if c.Stats().InFlight {
		t.Error("no request should be in flight after the context ended")
	}
	if err := c.Restart(); !errors.Is(err, pipeline.ErrNotRunning) {
		t.Errorf("Restart() = %v, want ErrNotRunning", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() after context cancel failed: %v", err)
	}
	if got := src.Stats().Overlaps; got != 0 {
		t.Errorf("overlapping requests = %d, want 0", got)
	}
	if c.State() != pipeline.StateRunning {
		t.Errorf("state = %v, want running", c.State())
	}
}

// TestControllerListenerMayRestart verifies Restart is allowed from OnResult.
func TestControllerListenerMayRestart(t *testing.T) {
	src := openMock(t, source.MockConfig{
		Geometry: scantest.Preview,
		Frames:   []types.Frame{code128(t, "ONE"), code128(t, "TWO")},
	})

	results := make(recorder, 4)
	var c *pipeline.Controller
	var once sync.Once
	listener := pipeline.ResultListenerFunc(func(r types.Result) {
		results <- r
		once.Do(func() {
			if err := c.Restart(); err != nil {
				t.Errorf("Restart() from listener: %v", err)
			}
		})
	})

	var err error
	c, err = pipeline.NewController(src, testConfig(), pipeline.WithListener(listener))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if got := results.next(t).Text; got != "ONE" {
		t.Fatalf("first = %q", got)
	}
	if got := results.next(t).Text; got != "TWO" {
		t.Fatalf("second = %q", got)
	}
}

func TestNewControllerRequiresSource(t *testing.T) {
	if _, err := pipeline.NewController(nil, testConfig()); err == nil {
		t.Error("expected error for nil source")
	}
}
