package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/care/orionscan/internal/config"
	"github.com/care/orionscan/internal/types"
)

// MQTTEmitter publishes scan results to the MQTT broker
type MQTTEmitter struct {
	cfg       *config.Config
	Client    mqtt.Client // Exported for control plane
	sessionID string

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		published: make(map[string]uint64),
	}
}

// NewMQTTEmitterWithClient creates an emitter around an existing client.
// Connect will call Connect on it instead of dialing a new one.
func NewMQTTEmitterWithClient(cfg *config.Config, client mqtt.Client) *MQTTEmitter {
	e := NewMQTTEmitter(cfg)
	e.Client = client
	return e
}

// SessionID identifies this process run in every published result.
func (e *MQTTEmitter) SessionID() string {
	return e.sessionID
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if e.Client == nil {
		e.Client = mqtt.NewClient(e.clientOptions())
	}

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

func (e *MQTTEmitter) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.MQTT.ClientID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}
	return opts
}

// PublishResult publishes a decoded code to the results topic
func (e *MQTTEmitter) PublishResult(result types.Result) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := e.cfg.MQTT.Topics.Results
	qos := e.getQoS("results")

	payload, err := Encode(e.cfg.MQTT.Encoding, newResultPayload(e.cfg.InstanceID, e.sessionID, result))
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := e.publish(topic, qos, payload); err != nil {
		e.countError()
		return err
	}

	slog.Debug("result published",
		"topic", topic,
		"qos", qos,
		"format", result.Format,
		"size", len(payload),
	)
	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	return e.publish(e.cfg.MQTT.Topics.Health, e.getQoS("health"), payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		SessionID: e.sessionID,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	SessionID string            `json:"session_id"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// brokerURL accepts "host:port" or a full URL ("ssl://host:8883")
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// getQoS returns the QoS level for a topic kind
func (e *MQTTEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0
}
