package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config represents the complete service configuration
type Config struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	AEC      AECConfig      `yaml:"aec"`
	HTTP     HTTPConfig     `yaml:"http"`
	Spool    SpoolConfig    `yaml:"spool"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CaptureConfig contains microphone constraints and processing toggles
type CaptureConfig struct {
	SampleRate       int  `yaml:"sample_rate" validate:"min=8000,max=192000"`
	Channels         int  `yaml:"channels" validate:"min=1,max=8"`
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

// PipelineConfig contains processing pipeline parameters
type PipelineConfig struct {
	VADThreshold       float32 `yaml:"vad_threshold" validate:"gte=0,lte=1"`
	CalibrationBuffers int     `yaml:"calibration_buffers" validate:"gte=0"`
	ChunkDuration      float64 `yaml:"chunk_duration"` // seconds
}

// AECConfig contains echo canceller parameters
type AECConfig struct {
	FilterLength int     `yaml:"filter_length" validate:"gte=0"`
	StepSize     float64 `yaml:"step_size" validate:"gte=0,lt=2"`
}

// HTTPConfig contains the monitoring API server configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// SpoolConfig controls WAV spooling of processed chunks to disk
type SpoolConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			SampleRate:       48000,
			Channels:         1,
			EchoCancellation: false,
			NoiseSuppression: true,
			AutoGainControl:  false,
		},
		Pipeline: PipelineConfig{
			VADThreshold:       0.02,
			CalibrationBuffers: 50,
			ChunkDuration:      0.5,
		},
		AEC: AECConfig{
			FilterLength: 256,
			StepSize:     0.01,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8080,
		},
		Spool: SpoolConfig{
			Enabled:   false,
			Directory: "./chunks",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("field validation: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Spool.Validate(); err != nil {
		return fmt.Errorf("spool config: %w", err)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %f", p.ChunkDuration)
	}

	if p.ChunkDuration > 10 {
		return fmt.Errorf("chunk_duration must not exceed 10 seconds, got %f", p.ChunkDuration)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates spool configuration
func (s *SpoolConfig) Validate() error {
	if s.Enabled && s.Directory == "" {
		return fmt.Errorf("spool directory cannot be empty when spooling is enabled")
	}

	return nil
}

// GetChunkDuration returns the chunk duration as a time.Duration
func (p *PipelineConfig) GetChunkDuration() time.Duration {
	return time.Duration(p.ChunkDuration * float64(time.Second))
}
