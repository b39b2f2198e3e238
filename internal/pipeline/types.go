package pipeline

import (
	"fmt"
	"time"

	"github.com/voicelayer/mic-capture-service/internal/capture"
	"github.com/voicelayer/mic-capture-service/internal/dsp"
)

// State represents the controller lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateCalibrating
	StateRunning
	StateStopped
)

// String returns the lowercase state name used in logs and the API.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateCalibrating:
		return "calibrating"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// CaptureConstraints describes the requested capture format and the
// processing toggles for a session.
type CaptureConstraints struct {
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

// Validate checks the constraints against the supported capture bounds.
func (c *CaptureConstraints) Validate() error {
	if c.SampleRate < capture.MinSampleRate || c.SampleRate > capture.MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d outside [%d, %d]",
			capture.ErrUnsupportedConstraints, c.SampleRate, capture.MinSampleRate, capture.MaxSampleRate)
	}
	if c.Channels < 1 || c.Channels > capture.MaxChannels {
		return fmt.Errorf("%w: channel count %d outside [1, %d]",
			capture.ErrUnsupportedConstraints, c.Channels, capture.MaxChannels)
	}
	return nil
}

// CaptureConstraintsPatch is a partial constraints update; nil fields
// keep their current value.
type CaptureConstraintsPatch struct {
	SampleRate       *int  `json:"sample_rate,omitempty"`
	Channels         *int  `json:"channels,omitempty"`
	EchoCancellation *bool `json:"echo_cancellation,omitempty"`
	NoiseSuppression *bool `json:"noise_suppression,omitempty"`
	AutoGainControl  *bool `json:"auto_gain_control,omitempty"`
}

// Apply returns a copy of the constraints with the patch applied.
func (c CaptureConstraints) Apply(patch CaptureConstraintsPatch) CaptureConstraints {
	if patch.SampleRate != nil {
		c.SampleRate = *patch.SampleRate
	}
	if patch.Channels != nil {
		c.Channels = *patch.Channels
	}
	if patch.EchoCancellation != nil {
		c.EchoCancellation = *patch.EchoCancellation
	}
	if patch.NoiseSuppression != nil {
		c.NoiseSuppression = *patch.NoiseSuppression
	}
	if patch.AutoGainControl != nil {
		c.AutoGainControl = *patch.AutoGainControl
	}
	return c
}

// ChunkFormat describes the encoding of an emitted chunk.
type ChunkFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// ProcessedAudioChunk is one fully conditioned audio segment, encoded as
// a WAV container at the pipeline target format.
type ProcessedAudioChunk struct {
	Sequence  uint64        `json:"sequence"`
	Data      []byte        `json:"-"`
	Samples   int           `json:"samples"`
	Duration  time.Duration `json:"duration"`
	Format    ChunkFormat   `json:"format"`
	HasVoice  bool          `json:"has_voice"`
	Timestamp time.Time     `json:"timestamp"`
}

// Callbacks carries the consumer hooks for a session. Any of the fields
// may be nil. Callbacks run synchronously on the capture path: they must
// not block and must not call back into the Controller.
type Callbacks struct {
	OnChunk   func(*ProcessedAudioChunk)
	OnMetrics func(dsp.Metrics)
	OnError   func(error)
}
