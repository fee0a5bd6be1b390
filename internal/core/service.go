// Package core wires the frame source, the scan pipeline, the MQTT emitter
// and control plane, and the health server into one service.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/orionscan/internal/config"
	"github.com/care/orionscan/internal/control"
	"github.com/care/orionscan/internal/emitter"
	"github.com/care/orionscan/internal/pipeline"
	"github.com/care/orionscan/internal/source"
	"github.com/care/orionscan/internal/types"
)

const (
	resultQueueSize = 16
	healthInterval  = 10 * time.Second
)

// ErrSourceFailed is returned by Run on a service whose source failed to open.
var ErrSourceFailed = errors.New("core: source failed to open, recreate the service")

// Option customizes a Service.
type Option func(*Service)

// WithErrorListener sets the listener for source initialization failures.
func WithErrorListener(l ErrorListener) Option {
	return func(s *Service) { s.errorListener = l }
}

// WithMQTTClient makes the emitter and control plane use client instead of
// dialing the configured broker.
func WithMQTTClient(client mqtt.Client) Option {
	return func(s *Service) { s.mqttClient = client }
}

// WithResultListener adds a listener called for every decoded result, after
// it was queued for publishing. It runs on the pipeline dispatch goroutine.
func WithResultListener(l pipeline.ResultListener) Option {
	return func(s *Service) { s.resultHook = l }
}

// Service is the main scanner orchestrator
type Service struct {
	cfg *config.Config

	// Core components
	source         source.Source
	controller     *pipeline.Controller
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	healthServer   *http.Server

	errorListener ErrorListener
	mqttClient    mqtt.Client
	resultHook    pipeline.ResultListener

	// Result publishing queue; closed on shutdown
	resultsMu     sync.RWMutex
	results       chan types.Result
	resultsClosed bool

	// Lifecycle management
	started     time.Time
	mu          sync.RWMutex
	wg          sync.WaitGroup
	isRunning   bool
	sourceOpen  bool
	failed      bool
	runCtx      context.Context
	cancelCtx   context.CancelFunc
	resumeAfter time.Duration
	resumeTimer *time.Timer
	lastResult  *types.Result
}

// NewService creates a service around src. Nothing is opened until Run.
func NewService(cfg *config.Config, src source.Source, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if src == nil {
		return nil, fmt.Errorf("core: source is required")
	}

	s := &Service{
		cfg:         cfg,
		source:      src,
		results:     make(chan types.Result, resultQueueSize),
		resumeAfter: cfg.ResumeAfterSuccess(),
	}
	for _, opt := range opts {
		opt(s)
	}

	controller, err := pipeline.NewController(src, cfg.PipelineConfig(),
		pipeline.WithListener(pipeline.ResultListenerFunc(s.onResult)))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.controller = controller

	if cfg.MQTT.Broker != "" || s.mqttClient != nil {
		if s.mqttClient != nil {
			s.emitter = emitter.NewMQTTEmitterWithClient(cfg, s.mqttClient)
		} else {
			s.emitter = emitter.NewMQTTEmitter(cfg)
		}
	}

	return s, nil
}

// Controller exposes the scan pipeline.
func (s *Service) Controller() *pipeline.Controller {
	return s.controller
}

// Run opens the source, starts every component and blocks until ctx is
// cancelled or a shutdown command arrives.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return ErrSourceFailed
	}
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("scanner service starting",
		"instance_id", s.cfg.InstanceID,
		"source", s.cfg.Source.Type,
	)

	if err := s.source.Open(ctx); err != nil {
		s.mu.Lock()
		s.failed = true
		s.isRunning = false
		s.mu.Unlock()

		slog.Error("frame source failed to open", "error", err)
		if s.errorListener != nil {
			s.errorListener.OnSourceError(err.Error())
		}
		return fmt.Errorf("failed to open source: %w", err)
	}
	s.mu.Lock()
	s.sourceOpen = true
	s.mu.Unlock()

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnGetStatus:      s.getStatus,
			OnStartScan:      s.startScan,
			OnStopScan:       s.stopScan,
			OnRestartScan:    s.restartScan,
			OnSetResumeAfter: s.setResumeAfter,
			OnShutdown:       s.shutdownViaControl,
		})
		if err := s.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.publishHealth(ctx)
		}()
	}

	if s.cfg.Health.Port > 0 {
		if err := s.StartHealthServer(s.cfg.Health.Port); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishResults()
	}()

	if *s.cfg.Scan.AutoStart {
		if err := s.controller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pipeline: %w", err)
		}
	}

	slog.Info("scanner service running",
		"auto_start", *s.cfg.Scan.AutoStart,
		"resume_after", s.cfg.ResumeAfterSuccess(),
		"mqtt", s.emitter != nil,
	)

	<-ctx.Done()

	slog.Info("scanner service run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	cancel := s.cancelCtx
	healthServer := s.healthServer
	s.mu.Unlock()

	slog.Info("shutting down scanner service")

	// 1. Stop the pipeline; no result reaches the listener after this
	if err := s.controller.Stop(); err != nil {
		slog.Error("failed to stop pipeline", "error", err)
	}

	// 2. Stop control plane
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Release the source
	if err := s.source.Close(); err != nil {
		slog.Error("failed to close source", "error", err)
	}

	// 4. Flush queued results and wait for goroutines
	s.closeResults()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown deadline reached before goroutines finished")
	}

	if healthServer != nil {
		if err := healthServer.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	// 5. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.sourceOpen = false
	s.mu.Unlock()

	slog.Info("scanner service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := s.cfg.ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// onResult runs on the pipeline dispatch goroutine. It must not block.
func (s *Service) onResult(r types.Result) {
	s.mu.Lock()
	res := r
	s.lastResult = &res
	delay := s.resumeAfter
	if delay > 0 && s.isRunning {
		if s.resumeTimer != nil {
			s.resumeTimer.Stop()
		}
		s.resumeTimer = time.AfterFunc(delay, s.resume)
	}
	s.mu.Unlock()

	s.resultsMu.RLock()
	if !s.resultsClosed {
		select {
		case s.results <- r:
		default:
			slog.Warn("result queue full, result not published", "format", string(r.Format))
		}
	}
	s.resultsMu.RUnlock()

	if s.resultHook != nil {
		s.resultHook.OnResult(r)
	}
}

// resume restarts scanning after the post-result pause.
func (s *Service) resume() {
	if err := s.controller.Restart(); err != nil {
		slog.Debug("auto-resume skipped", "error", err)
		return
	}
	slog.Debug("scanning resumed after result")
}

func (s *Service) closeResults() {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	if !s.resultsClosed {
		s.resultsClosed = true
		close(s.results)
	}
}

// publishResults forwards decoded results to MQTT until the queue is closed.
func (s *Service) publishResults() {
	for r := range s.results {
		if s.emitter == nil {
			slog.Info("scan result",
				"text", r.Text,
				"format", string(r.Format),
				"frame_seq", r.FrameSeq,
			)
			continue
		}
		if err := s.emitter.PublishResult(r); err != nil {
			slog.Error("failed to publish result", "error", err, "format", string(r.Format))
		}
	}
}

// publishHealth sends a health snapshot over MQTT periodically.
func (s *Service) publishHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := emitter.Encode(config.EncodingJSON, s.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health", "error", err)
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health publish failed", "error", err)
			}
		}
	}
}
