package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/care/orionscan/internal/pipeline"
)

// HealthStatus represents the health state of the scanner service
type HealthStatus struct {
	Status        string         `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64          `json:"uptime_seconds"`
	SourceOpen    bool           `json:"source_open"`
	Scanning      bool           `json:"scanning"`
	MQTTConnected bool           `json:"mqtt_connected"`
	Scan          pipeline.Stats `json:"scan"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	sourceOpen := s.sourceOpen
	started := s.started
	s.mu.RUnlock()

	scan := s.controller.Stats()
	status := HealthStatus{
		Status:     "healthy",
		SourceOpen: sourceOpen,
		Scanning:   scan.State == pipeline.StateRunning.String(),
		Scan:       scan,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	mqttConfigured := s.emitter != nil
	if mqttConfigured {
		status.MQTTConnected = s.emitter.Stats().Connected
	}

	// A stopped pipeline is a normal pause, not a fault
	if !running || !sourceOpen {
		status.Status = "unhealthy"
	} else if mqttConfigured && !status.MQTTConnected {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (process is alive)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness; 503 while unhealthy
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// MetricsHandler handles /metrics in the Prometheus text format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	scan := s.controller.Stats()
	instance := strconv.Quote(s.cfg.InstanceID)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	metric := func(name string, value interface{}) {
		fmt.Fprintf(w, "orionscan_%s{instance=%s} %v\n", name, instance, value)
	}

	metric("frame_requests_total", scan.Requests)
	metric("frame_retries_total", scan.Retries)
	metric("results_total", scan.Results)
	metric("outcomes_discarded_total", scan.Discarded)
	metric("requests_not_ready_total", scan.NotReady)
	metric("requests_refused_total", scan.Refused)
	metric("request_in_flight", boolGauge(scan.InFlight))
	metric("scanning", boolGauge(scan.State == pipeline.StateRunning.String()))

	if wm := scan.Worker; wm != nil {
		metric("frames_decoded_total", wm.FramesProcessed)
		metric("decode_succeeded_total", wm.Succeeded)
		metric("decode_failed_total", wm.Failed)
		metric("frames_rejected_total", wm.Rejected)
		metric("decode_latency_seconds_avg", wm.AvgDecodeLatency.Seconds())
	}
}

// Router returns the health endpoints.
func (s *Service) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readiness", s.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.MetricsHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.getStatus())
	}).Methods(http.MethodGet)
	return router
}

// StartHealthServer starts the HTTP health check server on the given port.
// It binds synchronously and serves in the background.
func (s *Service) StartHealthServer(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}

	server := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.healthServer = server
	s.mu.Unlock()

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/status"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}
