// Package control implements the MQTT control plane of the scanner.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/orionscan/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands.
// A nil callback answers its command with a "not implemented" error.
type CommandCallbacks struct {
	OnGetStatus      func() map[string]interface{}
	OnStartScan      func() error
	OnStopScan       func() error
	OnRestartScan    func() error
	OnSetResumeAfter func(time.Duration) error
	OnShutdown       func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	// ShutdownDelay separates the shutdown response from the callback
	ShutdownDelay time.Duration

	mu        sync.RWMutex
	stopped   bool
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:           cfg,
		client:        client,
		commands:      make(chan Command, 10),
		ShutdownDelay: 500 * time.Millisecond,
		callbacks:     callbacks,
	}
}

// Start subscribes to the control topic and starts processing commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and stops processing. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called by the MQTT client for every control message
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes its response
func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp = notImplemented(resp)
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "start_scan":
		resp = h.run(resp, h.callbacks.OnStartScan, map[string]interface{}{
			"scanning": true,
		})

	case "stop_scan":
		resp = h.run(resp, h.callbacks.OnStopScan, map[string]interface{}{
			"scanning": false,
		})

	case "restart_scan":
		resp = h.run(resp, h.callbacks.OnRestartScan, map[string]interface{}{
			"frame_requested": true,
		})

	case "set_resume_after":
		if h.callbacks.OnSetResumeAfter == nil {
			resp = notImplemented(resp)
			break
		}
		ms, ok := cmd.Params["resume_after_ms"].(float64)
		if !ok || ms < 0 {
			resp.Status = "error"
			resp.Error = "missing or invalid 'resume_after_ms' parameter (expected number >= 0)"
			break
		}
		delay := time.Duration(ms) * time.Millisecond
		if err := h.callbacks.OnSetResumeAfter(delay); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"resume_after_ms": delay.Milliseconds(),
		}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp = notImplemented(resp)
			break
		}
		slog.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		// Response goes out before the service starts tearing down
		h.sendResponse(resp)

		go func() {
			time.Sleep(h.ShutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *Handler) run(resp Response, fn func() error, data map[string]interface{}) Response {
	if fn == nil {
		return notImplemented(resp)
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	resp.Status = "success"
	resp.Data = data
	return resp
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

// sendResponse publishes a response to the responses topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Responses
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
