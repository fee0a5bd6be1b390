package config

import (
	"fmt"
	"regexp"

	"github.com/care/orionscan/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Source types
const (
	SourceMock      = "mock"
	SourceImages    = "images"
	SourceGStreamer = "gstreamer"
)

// Payload encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	for _, name := range cfg.Decoder.Formats {
		if _, err := types.ParseFormat(name); err != nil {
			return fmt.Errorf("decoder.formats: %w", err)
		}
	}

	if cfg.Scan.StopTimeoutMS <= 0 {
		cfg.Scan.StopTimeoutMS = 500
	}
	if cfg.Scan.RetryDelayMS <= 0 {
		cfg.Scan.RetryDelayMS = 10
	}
	if cfg.Scan.GracefulStop == nil {
		graceful := true
		cfg.Scan.GracefulStop = &graceful
	}
	if cfg.Scan.AutoStart == nil {
		autoStart := true
		cfg.Scan.AutoStart = &autoStart
	}
	if cfg.Scan.ResumeAfterSuccessMS < 0 {
		return fmt.Errorf("scan.resume_after_success_ms must be >= 0")
	}

	if err := validateMQTT(&cfg.MQTT, cfg.InstanceID); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}

	return nil
}

func validateSource(src *SourceConfig) error {
	if src.Type == "" {
		src.Type = SourceMock
	}
	if !src.Preview.Valid() {
		src.Preview = types.Size{Width: 640, Height: 480}
	}
	if !src.Screen.Valid() {
		src.Screen = types.Size{Width: 1080, Height: 1920}
	}

	switch src.Type {
	case SourceMock:
	case SourceImages:
		if src.Images.Dir == "" {
			return fmt.Errorf("images.dir is required for type %q", SourceImages)
		}
	case SourceGStreamer:
		if src.GStreamer.FPS < 0 {
			return fmt.Errorf("gstreamer.fps must be >= 0")
		}
	default:
		return fmt.Errorf("unknown type %q (must be mock, images or gstreamer)", src.Type)
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if m.Encoding == "" {
		m.Encoding = EncodingJSON
	}
	if m.Encoding != EncodingJSON && m.Encoding != EncodingMsgpack {
		return fmt.Errorf("encoding must be json or msgpack, got %q", m.Encoding)
	}
	if m.ClientID == "" {
		m.ClientID = "orionscan-" + instanceID
	}

	if m.Topics.Results == "" {
		m.Topics.Results = fmt.Sprintf("scan/results/%s", instanceID)
	}
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("scan/control/%s", instanceID)
	}
	if m.Topics.Responses == "" {
		m.Topics.Responses = fmt.Sprintf("scan/responses/%s", instanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("scan/health/%s", instanceID)
	}

	if m.QoS == nil {
		m.QoS = map[string]byte{
			"results": 1,
			"control": 1,
			"health":  0,
		}
	}
	return nil
}
