package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/pipeline"
	"github.com/care/orionscan/internal/types"
)

// Config represents the complete scanner configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Source           SourceConfig  `yaml:"source"`
	Decoder          DecoderConfig `yaml:"decoder"`
	Scan             ScanConfig    `yaml:"scan"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Health           HealthConfig  `yaml:"health"`
}

// SourceConfig selects and configures the frame source
type SourceConfig struct {
	Type      string          `yaml:"type"`    // mock, images, gstreamer
	Preview   types.Size      `yaml:"preview"` // sensor-order frame size
	Screen    types.Size      `yaml:"screen"`  // viewfinder size, for the crop region
	Images    ImagesConfig    `yaml:"images"`
	GStreamer GStreamerConfig `yaml:"gstreamer"`
	Mock      MockConfig      `yaml:"mock"`
}

// ImagesConfig configures the image directory source
type ImagesConfig struct {
	Dir        string `yaml:"dir"`
	Loop       bool   `yaml:"loop"`
	IntervalMS int    `yaml:"interval_ms"`
}

// GStreamerConfig configures the live capture source
type GStreamerConfig struct {
	Launch  string `yaml:"launch"` // custom pipeline ending in "appsink name=sink"
	RTSPURL string `yaml:"rtsp_url"`
	Device  string `yaml:"device"` // V4L2 device (default /dev/video0)
	FPS     int    `yaml:"fps"`
}

// MockConfig configures the synthetic source
type MockConfig struct {
	DelayMS int `yaml:"delay_ms"`
}

// DecoderConfig contains decode worker settings
type DecoderConfig struct {
	Formats        []string `yaml:"formats"` // empty = all
	TryHarder      bool     `yaml:"try_harder"`
	RestrictToCrop bool     `yaml:"restrict_to_crop"`
}

// ScanConfig contains pipeline lifecycle settings
type ScanConfig struct {
	StopTimeoutMS int   `yaml:"stop_timeout_ms"` // bounded worker join (default 500)
	GracefulStop  *bool `yaml:"graceful_stop"`   // drain queued frames on stop (default true)
	// RetryDelayMS waits this long before asking a source that was not
	// ready again (default 10)
	RetryDelayMS int `yaml:"retry_delay_ms"`
	// ResumeAfterSuccessMS restarts scanning this long after a result.
	// 0 pauses until an explicit restart.
	ResumeAfterSuccessMS int   `yaml:"resume_after_success_ms"`
	AutoStart            *bool `yaml:"auto_start"` // start scanning on boot (default true)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string          `yaml:"broker"` // empty disables MQTT
	ClientID string          `yaml:"client_id"`
	Encoding string          `yaml:"encoding"` // json, msgpack
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Results   string `yaml:"results"`
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Health    string `yaml:"health"`
}

// HealthConfig configures the HTTP health server
type HealthConfig struct {
	Port int `yaml:"port"` // 0 = default 8080, -1 = disabled
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DecoderHints converts the decoder section into decoder.Hints.
// Validate has already checked the format names.
func (c *Config) DecoderHints() decoder.Hints {
	var formats []types.Format
	for _, name := range c.Decoder.Formats {
		if f, err := types.ParseFormat(name); err == nil {
			formats = append(formats, f)
		}
	}
	return decoder.Hints{
		Formats:        formats,
		TryHarder:      c.Decoder.TryHarder,
		RestrictToCrop: c.Decoder.RestrictToCrop,
	}
}

// PipelineConfig converts the scan section into pipeline.Config.
func (c *Config) PipelineConfig() pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Hints = c.DecoderHints()
	pc.StopTimeout = time.Duration(c.Scan.StopTimeoutMS) * time.Millisecond
	pc.GracefulStop = *c.Scan.GracefulStop
	pc.RetryDelay = time.Duration(c.Scan.RetryDelayMS) * time.Millisecond
	pc.WorkerID = c.InstanceID + "-decoder"
	return pc
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ResumeAfterSuccess returns the auto-resume delay (0 = disabled).
func (c *Config) ResumeAfterSuccess() time.Duration {
	return time.Duration(c.Scan.ResumeAfterSuccessMS) * time.Millisecond
}
