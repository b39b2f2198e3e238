package vad

import (
	"fmt"
	"sync"
	"time"
)

// DefaultThreshold is the RMS level above which a buffer can be
// classified as speech.
const DefaultThreshold = 0.02

// PeakFloorRatio is the factor by which the buffer peak must exceed the
// calibrated noise floor.
const PeakFloorRatio = 2.0

// Detector classifies buffers as speech or non-speech. The decision is
// stateless per buffer; the detector only accumulates statistics.
type Detector struct {
	threshold float32

	// Statistics
	totalBuffers uint64
	voiceBuffers uint64
	lastDetected time.Time

	mu sync.RWMutex
}

// Result represents a single voice activity decision.
type Result struct {
	HasVoice   bool      `json:"has_voice"`   // Buffer classified as speech
	Level      float32   `json:"level"`       // RMS level of the buffer
	Peak       float32   `json:"peak"`        // Peak amplitude of the buffer
	NoiseFloor float32   `json:"noise_floor"` // Floor used for the peak test
	Timestamp  time.Time `json:"timestamp"`   // When the decision was made
}

// DetectorStats represents detector statistics.
type DetectorStats struct {
	Threshold       float32   `json:"threshold"`
	TotalBuffers    uint64    `json:"total_buffers"`
	VoiceBuffers    uint64    `json:"voice_buffers"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastDetected    time.Time `json:"last_detected"`
}

// NewDetector creates a Detector with the given RMS threshold. A zero
// threshold falls back to DefaultThreshold.
func NewDetector(threshold float32) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}, nil
}

// Detect classifies one buffer from its RMS level, peak amplitude, and
// the calibrated noise floor. Both conditions must hold: the RMS level
// exceeds the threshold and the peak exceeds PeakFloorRatio times the
// floor. A zero noise floor makes the peak test trivially satisfiable
// by any non-silent buffer.
func (d *Detector) Detect(level, peak, noiseFloor float32) Result {
	hasVoice := level > d.threshold && peak > PeakFloorRatio*noiseFloor

	d.mu.Lock()
	d.totalBuffers++
	if hasVoice {
		d.voiceBuffers++
		d.lastDetected = time.Now()
	}
	d.mu.Unlock()

	return Result{
		HasVoice:   hasVoice,
		Level:      level,
		Peak:       peak,
		NoiseFloor: noiseFloor,
		Timestamp:  time.Now(),
	}
}

// Threshold returns the configured RMS threshold.
func (d *Detector) Threshold() float32 {
	return d.threshold
}

// GetStats returns current detector statistics.
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePct := 0.0
	if d.totalBuffers > 0 {
		voicePct = float64(d.voiceBuffers) / float64(d.totalBuffers) * 100
	}

	return DetectorStats{
		Threshold:       d.threshold,
		TotalBuffers:    d.totalBuffers,
		VoiceBuffers:    d.voiceBuffers,
		VoicePercentage: voicePct,
		LastDetected:    d.lastDetected,
	}
}

// Reset clears the accumulated statistics.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalBuffers = 0
	d.voiceBuffers = 0
	d.lastDetected = time.Time{}
}
