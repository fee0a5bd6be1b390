package core

import (
	"fmt"
	"time"
)

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scan := s.controller.Stats()

	status := map[string]interface{}{
		"instance_id":     s.cfg.InstanceID,
		"uptime_s":        time.Since(s.started).Seconds(),
		"running":         s.isRunning,
		"source":          s.cfg.Source.Type,
		"source_open":     s.sourceOpen,
		"resume_after_ms": s.resumeAfter.Milliseconds(),
		"scan":            scan,
		"config": map[string]interface{}{
			"formats":          s.cfg.Decoder.Formats,
			"try_harder":       s.cfg.Decoder.TryHarder,
			"restrict_to_crop": s.cfg.Decoder.RestrictToCrop,
			"stop_timeout_ms":  s.cfg.Scan.StopTimeoutMS,
			"graceful_stop":    *s.cfg.Scan.GracefulStop,
		},
	}

	if s.emitter != nil {
		status["emitter"] = s.emitter.Stats()
	}
	if s.lastResult != nil {
		status["last_result"] = map[string]interface{}{
			"text":       s.lastResult.Text,
			"format":     string(s.lastResult.Format),
			"decoded_at": s.lastResult.DecodedAt.UTC().Format(time.RFC3339),
		}
	}

	return status
}

// startScan starts the pipeline under the service run context
func (s *Service) startScan() error {
	s.mu.RLock()
	ctx := s.runCtx
	running := s.isRunning
	s.mu.RUnlock()

	if !running || ctx == nil {
		return fmt.Errorf("service not running")
	}
	return s.controller.Start(ctx)
}

// stopScan stops the pipeline and cancels a pending auto-resume
func (s *Service) stopScan() error {
	s.mu.Lock()
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	s.mu.Unlock()

	return s.controller.Stop()
}

// restartScan asks the pipeline for a new frame
func (s *Service) restartScan() error {
	return s.controller.Restart()
}

// setResumeAfter changes the pause after a result; 0 waits for restart_scan
func (s *Service) setResumeAfter(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("resume delay must be >= 0")
	}

	s.mu.Lock()
	s.resumeAfter = d
	s.mu.Unlock()
	return nil
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}
	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	// Run returns and the caller runs Shutdown
	s.cancelCtx()
	return nil
}
