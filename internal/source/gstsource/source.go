// Package gstsource is a live frame source backed by a GStreamer pipeline
// ending in a GRAY8 appsink.
package gstsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/orionscan/internal/source"
	"github.com/care/orionscan/internal/types"
)

// closeTimeout bounds the wait for the internal goroutines in Close.
const closeTimeout = 3 * time.Second

// Config configures a GStreamer source. Exactly one of Launch, RTSPURL or
// Device selects the pipeline; Device is the fallback.
type Config struct {
	// Launch is a gst-launch style line ending in "appsink name=sink"
	Launch string
	// RTSPURL of an H.264 stream
	RTSPURL string
	// Device is a V4L2 device path (default /dev/video0)
	Device string
	// Width and Height of the delivered frames, in sensor order
	Width  int
	Height int
	// FPS caps the frame rate (0 = device default)
	FPS int
	// Screen is the viewfinder size used to compute the crop region.
	// Zero means the whole corrected frame.
	Screen types.Size
}

// Stats reports source activity.
type Stats struct {
	FramesCaptured uint64
	FramesInvalid  uint64
	BytesRead      uint64
	Requests       uint64
	Delivered      uint64
	SlotDrops      uint64
	Errors         map[string]uint64
	LastError      string
}

type request struct {
	sink source.FrameSink
	tag  string
	gen  uint64
}

// Source captures frames continuously and hands the latest one to each request.
//
// Goroutine topology:
//   - GStreamer streaming thread: onNewSample → LatestSlot.Publish
//   - deliverLoop: waits for a request, takes the next slot frame, posts it
//   - monitorBus: logs and classifies bus errors; an error makes the source not ready
type Source struct {
	cfg  Config
	slot *source.LatestSlot

	mu       sync.Mutex
	open     bool
	elements *elements
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	requests chan request
	pending  bool
	gen      uint64
	failure  error

	frames    uint64
	bytesRead uint64
	invalid   uint64
	requested uint64
	delivered uint64
	errCounts [5]uint64 // indexed by ErrorCategory
}

// New validates cfg and returns an unopened source.
func New(cfg Config) (*Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gstsource: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Launch == "" && cfg.RTSPURL == "" && cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	return &Source{cfg: cfg}, nil
}

// Open builds the pipeline and sets it to PLAYING.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	e, err := buildPipeline(s.cfg)
	if err != nil {
		return &source.OpenError{Source: "gstreamer", Err: err}
	}

	s.slot = source.NewLatestSlot()
	cbCtx := &callbackContext{
		slot:      s.slot,
		frames:    &s.frames,
		bytesRead: &s.bytesRead,
		invalid:   &s.invalid,
		width:     s.cfg.Width,
		height:    s.cfg.Height,
	}
	e.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, cbCtx)
		},
	})

	if err := e.pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(e)
		return &source.OpenError{Source: "gstreamer", Err: fmt.Errorf("failed to start pipeline: %w", err)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.elements = e
	s.cancel = cancel
	s.requests = make(chan request, 1)
	s.pending = false
	s.failure = nil
	s.open = true

	s.wg.Add(2)
	go s.deliverLoop(runCtx)
	go s.monitorBus(runCtx)

	slog.Info("gstsource: pipeline playing",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
	)
	return nil
}

// Close stops the pipeline. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.pending = false
	s.cancel()
	s.slot.Close()
	e := s.elements
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(closeTimeout):
		err = fmt.Errorf("gstsource: close timeout after %v", closeTimeout)
		slog.Warn("gstsource: goroutines did not exit in time", "timeout", closeTimeout)
	}

	if derr := destroyPipeline(e); derr != nil {
		slog.Error("gstsource: failed to destroy pipeline", "error", derr)
		err = errors.Join(err, derr)
	}

	slog.Info("gstsource: closed",
		"frames_captured", atomic.LoadUint64(&s.frames),
		"delivered", atomic.LoadUint64(&s.delivered),
	)
	return err
}

// RequestFrame hands the next captured frame to sink.
func (s *Source) RequestFrame(sink source.FrameSink, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return source.ErrNotOpen
	}
	if s.failure != nil {
		return fmt.Errorf("%w: %v", source.ErrFailed, s.failure)
	}
	if s.pending {
		return fmt.Errorf("%w: request already pending", source.ErrNotReady)
	}

	s.pending = true
	s.requested++
	s.requests <- request{sink: sink, tag: tag, gen: s.gen}
	return nil
}

// CancelPending abandons the outstanding request, if any.
func (s *Source) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = false
	s.gen++
	select {
	case <-s.requests:
	default:
	}
}

func (s *Source) deliverLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		var req request
		select {
		case <-ctx.Done():
			return
		case req = <-s.requests:
		}

		frame, ok := s.slot.Next()
		if !ok {
			return
		}

		s.mu.Lock()
		if !s.pending || req.gen != s.gen {
			s.mu.Unlock()
			continue
		}
		s.pending = false
		s.mu.Unlock()

		geom := types.Size{Width: frame.Width, Height: frame.Height}
		if req.sink.Post(types.FrameReady{Tag: req.tag, Frame: frame, Geometry: geom, HasGeometry: true}) {
			atomic.AddUint64(&s.delivered, 1)
		}
	}
}

// monitorBus polls the pipeline bus until ctx is cancelled.
func (s *Source) monitorBus(ctx context.Context) {
	defer s.wg.Done()

	bus := s.elements.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsource: end of stream")
			s.fail(errors.New("end of stream"))

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr.Error(), gerr.DebugString())
			atomic.AddUint64(&s.errCounts[category], 1)

			slog.Error("gstsource: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"frames_captured", atomic.LoadUint64(&s.frames),
			)
			s.fail(fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error()))
		}
	}
}

// fail makes further requests refused until the source is reopened.
func (s *Source) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

// CurrentGeometry implements source.Source.
func (s *Source) CurrentGeometry() (types.Size, bool) {
	return types.Size{Width: s.cfg.Width, Height: s.cfg.Height}, true
}

// CurrentCropRegion implements source.Source.
func (s *Source) CurrentCropRegion() (types.Rect, bool) {
	preview := types.Size{Width: s.cfg.Width, Height: s.cfg.Height}
	if s.cfg.Screen.Valid() {
		return source.FramingRect(s.cfg.Screen, preview)
	}
	return types.FullFrame(preview.Transposed()), true
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		FramesCaptured: atomic.LoadUint64(&s.frames),
		FramesInvalid:  atomic.LoadUint64(&s.invalid),
		BytesRead:      atomic.LoadUint64(&s.bytesRead),
		Requests:       s.requested,
		Delivered:      atomic.LoadUint64(&s.delivered),
		Errors:         make(map[string]uint64),
	}
	if s.slot != nil {
		st.SlotDrops = s.slot.Stats().TotalDrops
	}
	for c := ErrCategoryNetwork; c <= ErrCategoryUnknown; c++ {
		st.Errors[c.String()] = atomic.LoadUint64(&s.errCounts[c])
	}
	if s.failure != nil {
		st.LastError = s.failure.Error()
	}
	return st
}
