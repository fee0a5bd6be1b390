// Package pipeline drives the capture → decode loop: it asks the frame
// source for one frame at a time, hands it to the decode worker and either
// reports the result or asks for the next frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/source"
	"github.com/care/orionscan/internal/types"
)

var (
	// ErrNotRunning is returned by Restart on a stopped controller.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrAlreadyRunning is returned by Start on a running controller.
	ErrAlreadyRunning = errors.New("pipeline: already running")
)

// State is the controller lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ResultListener receives decoded results.
//
// OnResult runs on the controller's dispatch goroutine, one call at a time.
// It may call Restart to scan again. It should not call Stop: Stop waits for
// the dispatch goroutine, so a Stop from inside OnResult only returns after
// StopTimeout.
type ResultListener interface {
	OnResult(result types.Result)
}

// ResultListenerFunc adapts a function to ResultListener.
type ResultListenerFunc func(types.Result)

func (f ResultListenerFunc) OnResult(r types.Result) { f(r) }

// Config configures a Controller.
type Config struct {
	// Hints configures the decode worker
	Hints decoder.Hints
	// StopTimeout bounds each wait in Stop (default 500ms)
	StopTimeout time.Duration
	// GracefulStop lets the worker finish queued frames before exiting;
	// otherwise it is cancelled immediately.
	GracefulStop bool
	// InboxSize of the controller and worker queues (default 8)
	InboxSize int
	// WorkerID names the decode worker in logs
	WorkerID string
	// RetryDelay before a request the source was not ready for is issued
	// again (default 10ms, negative means immediately)
	RetryDelay time.Duration
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Hints:        decoder.DefaultHints(),
		StopTimeout:  500 * time.Millisecond,
		GracefulStop: true,
		InboxSize:    8,
		WorkerID:     "decoder",
		RetryDelay:   10 * time.Millisecond,
	}
}

// Option customizes a Controller.
type Option func(*Controller)

// WithListener sets the result listener.
func WithListener(l ResultListener) Option {
	return func(c *Controller) { c.listener = l }
}

// WithReaderFactory makes Start build each run's reader with f instead of
// the default multi-format reader. f is called once per Start; the reader it
// returns belongs to that run's worker alone.
func WithReaderFactory(f func() decoder.Reader) Option {
	return func(c *Controller) { c.newReader = f }
}

// Stats is a snapshot of controller activity.
type Stats struct {
	State string `json:"state"`
	// Requests counts frame requests issued to the source
	Requests uint64 `json:"requests"`
	// Retries counts requests issued after a failed attempt
	Retries uint64 `json:"retries"`
	// Results counts results handed to the listener
	Results uint64 `json:"results"`
	// Discarded counts stale or post-stop outcomes that were dropped
	Discarded uint64 `json:"discarded"`
	// NotReady counts requests the source deferred; each one is retried
	NotReady uint64 `json:"not_ready"`
	// Refused counts requests the source declined for good
	Refused  uint64 `json:"refused"`
	InFlight bool   `json:"in_flight"`

	LastResultAt time.Time              `json:"last_result_at"`
	Worker       *decoder.WorkerMetrics `json:"worker,omitempty"`
}

// Controller owns the decode worker and keeps at most one frame request in
// flight.
//
// Goroutine topology:
//   - dispatch loop: consumes decode outcomes, calls the listener (spawned by Start)
//   - decode worker: owned through decoder.Worker
//
// Thread-safety: all exported methods are safe for concurrent use.
type Controller struct {
	src       source.Source
	cfg       Config
	listener  ResultListener
	newReader func() decoder.Reader

	mu       sync.Mutex
	state    State
	stopping bool
	worker   *decoder.Worker
	inbox    *inbox
	cancel   context.CancelFunc
	loopDone chan struct{}

	// pending is the tag of the outstanding request ("" when none)
	pending string

	requests     uint64
	retries      uint64
	results      uint64
	discarded    uint64
	notReady     uint64
	refused      uint64
	lastResultAt time.Time
}

// NewController validates cfg and returns a stopped controller.
func NewController(src source.Source, cfg Config, opts ...Option) (*Controller, error) {
	if src == nil {
		return nil, fmt.Errorf("pipeline: source is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 500 * time.Millisecond
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 8
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "decoder"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}

	c := &Controller{src: src, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the worker and the dispatch loop and requests the first frame.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return ErrAlreadyRunning
	}

	var reader decoder.Reader
	if c.newReader != nil {
		reader = c.newReader()
	}

	in := newInbox(c.cfg.InboxSize)
	w, err := decoder.NewWorker(decoder.WorkerConfig{
		ID:        c.cfg.WorkerID,
		Hints:     c.cfg.Hints,
		Geometry:  c.src,
		Outbox:    in,
		InboxSize: c.cfg.InboxSize,
		Reader:    reader,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create worker: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := w.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("pipeline: start worker: %w", err)
	}

	c.worker = w
	c.inbox = in
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.pending = ""
	c.state = StateRunning

	go c.dispatchLoop(ctx, in, c.loopDone)

	slog.Info("pipeline started",
		"worker_id", c.cfg.WorkerID,
		"graceful_stop", c.cfg.GracefulStop,
		"stop_timeout", c.cfg.StopTimeout,
	)

	c.requestLocked(false)
	return nil
}

// Restart asks for a new frame without touching the lifecycle.
//
// With a request already in flight it does nothing: the outstanding request
// will either produce a result or retry on its own.
func (c *Controller) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning || c.stopping {
		return ErrNotRunning
	}
	if c.pending != "" {
		slog.Debug("restart ignored, request in flight", "tag", c.pending)
		return nil
	}

	c.requestLocked(false)
	return nil
}

// requestLocked issues one frame request under a fresh tag. Caller holds mu.
//
// A source that is not ready yet keeps the request in flight: the request is
// resolved as a failed attempt through the inbox after RetryDelay, and
// dispatch retries it like any other failure. Any other refusal ends the scan
// loop until the next Restart.
func (c *Controller) requestLocked(retry bool) {
	tag := uuid.New().String()
	c.pending = tag
	c.requests++
	if retry {
		c.retries++
	}

	err := c.src.RequestFrame(c.worker, tag)
	switch {
	case err == nil:
	case errors.Is(err, source.ErrNotReady):
		c.notReady++
		slog.Debug("source not ready, request deferred", "tag", tag, "error", err)
		c.deferLocked(types.DecodeFailed{Tag: tag, Reason: types.ReasonSourceNotReady})
	default:
		c.pending = ""
		c.refused++
		slog.Warn("frame request refused by source", "tag", tag, "error", err)
	}
}

// deferLocked posts msg to the current inbox after RetryDelay. Caller holds mu.
func (c *Controller) deferLocked(msg types.DecodeFailed) {
	in := c.inbox
	if c.cfg.RetryDelay < 0 {
		if !in.Post(msg) {
			c.pending = ""
			slog.Warn("controller inbox full, scan loop idle until restart", "tag", msg.Tag)
		}
		return
	}
	time.AfterFunc(c.cfg.RetryDelay, func() {
		if !in.Post(msg) {
			slog.Debug("deferred request dropped", "tag", msg.Tag)
		}
	})
}

// dispatchLoop is the caller context: every outcome is handled here, in order.
func (c *Controller) dispatchLoop(ctx context.Context, in *inbox, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			c.endRun(in)
			return
		case msg := <-in.ch:
			c.dispatch(msg)
		}
	}
}

// endRun stops the run owning in after its context ended outside Stop:
// the worker is cancelled, queued outcomes are dropped and the controller
// reports stopped, so a later Start begins a fresh run.
func (c *Controller) endRun(in *inbox) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping || c.state != StateRunning || c.inbox != in {
		return
	}
	c.worker.Terminate()
	in.close()
	dropped := in.drain()
	c.discarded += uint64(dropped)
	c.pending = ""
	if rc, ok := c.src.(source.RequestCanceler); ok {
		rc.CancelPending()
	}
	c.state = StateStopped

	slog.Info("pipeline stopped, context done", "discarded", dropped)
}

func (c *Controller) dispatch(msg types.Message) {
	c.mu.Lock()

	if c.state != StateRunning || c.stopping || msg.RequestTag() != c.pending {
		c.discarded++
		c.mu.Unlock()
		slog.Debug("stale decode outcome discarded", "tag", msg.RequestTag())
		return
	}
	c.pending = ""

	switch m := msg.(type) {
	case types.DecodeSucceeded:
		c.results++
		c.lastResultAt = time.Now()
		listener := c.listener
		c.mu.Unlock()

		slog.Info("code decoded",
			"tag", m.Tag,
			"format", string(m.Result.Format),
			"frame_seq", m.Result.FrameSeq,
		)
		if listener != nil {
			listener.OnResult(m.Result)
		}

	case types.DecodeFailed:
		slog.Debug("decode attempt failed, retrying", "tag", m.Tag, "reason", m.Reason.String())
		c.requestLocked(true)
		c.mu.Unlock()

	default:
		c.discarded++
		c.mu.Unlock()
		slog.Warn("unexpected message in controller inbox", "type", fmt.Sprintf("%T", msg))
	}
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		State:        c.state.String(),
		Requests:     c.requests,
		Retries:      c.retries,
		Results:      c.results,
		Discarded:    c.discarded,
		NotReady:     c.notReady,
		Refused:      c.refused,
		InFlight:     c.pending != "",
		LastResultAt: c.lastResultAt,
	}
	if c.worker != nil {
		m := c.worker.Metrics()
		s.Worker = &m
	}
	return s
}
