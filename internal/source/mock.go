package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/orionscan/internal/types"
)

// MockConfig configures a MockSource.
type MockConfig struct {
	// Geometry is the sensor-order frame size. Zero means "unknown": frames
	// are still delivered, without a geometry snapshot.
	Geometry types.Size
	// Crop in corrected coordinates. Zero means the whole corrected frame.
	Crop types.Rect
	// Delay before a requested frame is delivered
	Delay time.Duration
	// Frames are delivered in order, one per request; once exhausted,
	// blank frames follow.
	Frames []types.Frame
	// OpenErr makes Open fail with an *OpenError wrapping it
	OpenErr error
	// NotReady refuses this many requests with ErrNotReady before
	// accepting any
	NotReady int
}

// MockStats reports MockSource activity.
type MockStats struct {
	Requests  uint64
	Delivered uint64
	// Overlaps counts requests made while a previous one was still pending
	Overlaps uint64
	// Rejected counts deliveries the sink refused
	Rejected uint64
	// NotReady counts requests refused by MockConfig.NotReady
	NotReady uint64
}

// MockSource is a synthetic frame source for tests and demos.
type MockSource struct {
	cfg MockConfig

	mu      sync.Mutex
	open    bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	queue   []types.Frame
	seq     uint64
	pending bool
	// abort cancels the outstanding delivery
	abort context.CancelFunc
	stats MockStats
}

// NewMockSource creates a mock source; it must be opened before use.
func NewMockSource(cfg MockConfig) *MockSource {
	if !cfg.Geometry.Valid() {
		cfg.Geometry = types.Size{}
	}
	if cfg.Crop.Empty() && cfg.Geometry.Valid() {
		cfg.Crop = types.FullFrame(cfg.Geometry.Transposed())
	}
	return &MockSource{
		cfg:   cfg,
		queue: append([]types.Frame(nil), cfg.Frames...),
	}
}

// Open marks the source ready.
func (m *MockSource) Open(ctx context.Context) error {
	if m.cfg.OpenErr != nil {
		return &OpenError{Source: "mock", Err: m.cfg.OpenErr}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.open = true

	slog.Info("mock source opened",
		"geometry", m.cfg.Geometry.String(),
		"crop", m.cfg.Crop.String(),
		"scripted_frames", len(m.queue),
	)
	return nil
}

// Close abandons pending deliveries. Idempotent.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = false
	m.pending = false
	m.abort = nil
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("mock source closed", "requests", m.Stats().Requests)
	return nil
}

// Enqueue appends frames to the scripted queue.
func (m *MockSource) Enqueue(frames ...types.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, frames...)
}

// RequestFrame schedules one delivery to sink.
func (m *MockSource) RequestFrame(sink FrameSink, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return ErrNotOpen
	}
	m.stats.Requests++
	if m.stats.NotReady < uint64(m.cfg.NotReady) {
		m.stats.NotReady++
		return fmt.Errorf("%w: warming up", ErrNotReady)
	}
	if m.pending {
		m.stats.Overlaps++
		return fmt.Errorf("%w: request already pending", ErrNotReady)
	}
	m.pending = true

	frame := m.nextFrame()
	ctx, abort := context.WithCancel(m.ctx)
	m.abort = abort

	m.wg.Add(1)
	go m.deliver(ctx, sink, tag, frame)
	return nil
}

// nextFrame pops the scripted queue or makes a blank frame. Caller holds mu.
func (m *MockSource) nextFrame() types.Frame {
	m.seq++
	if len(m.queue) > 0 {
		f := m.queue[0]
		m.queue = m.queue[1:]
		f.Seq = m.seq
		if f.TraceID == "" {
			f.TraceID = uuid.New().String()
		}
		return f
	}

	g := m.cfg.Geometry
	data := make([]byte, g.Area()*3/2) // NV21: Y plane then interleaved chroma
	for i := 0; i < g.Area(); i++ {
		data[i] = 0xff
	}
	return types.Frame{
		Seq:       m.seq,
		Timestamp: time.Now(),
		Width:     g.Width,
		Height:    g.Height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}

// CancelPending abandons the outstanding request, if any.
func (m *MockSource) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.abort != nil {
		m.abort()
		m.abort = nil
	}
	m.pending = false
}

func (m *MockSource) deliver(ctx context.Context, sink FrameSink, tag string, frame types.Frame) {
	defer m.wg.Done()

	if m.cfg.Delay > 0 {
		timer := time.NewTimer(m.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.pending = false
	if m.abort != nil {
		m.abort()
		m.abort = nil
	}
	geom := m.cfg.Geometry
	m.mu.Unlock()

	frame.Timestamp = time.Now()
	ok := sink.Post(types.FrameReady{
		Tag:         tag,
		Frame:       frame,
		Geometry:    geom,
		HasGeometry: geom.Valid(),
	})

	m.mu.Lock()
	if ok {
		m.stats.Delivered++
	} else {
		m.stats.Rejected++
	}
	m.mu.Unlock()
}

// CurrentGeometry implements Source.
func (m *MockSource) CurrentGeometry() (types.Size, bool) {
	return m.cfg.Geometry, m.cfg.Geometry.Valid()
}

// CurrentCropRegion implements Source.
func (m *MockSource) CurrentCropRegion() (types.Rect, bool) {
	return m.cfg.Crop, !m.cfg.Crop.Empty()
}

// Stats returns a snapshot of the counters.
func (m *MockSource) Stats() MockStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
