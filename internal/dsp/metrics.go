package dsp

import "math"

const (
	// ClippingThreshold is the absolute sample magnitude treated as a clip.
	ClippingThreshold = 0.99

	// SNRSentinel is reported as the signal-to-noise ratio when the noise
	// floor estimate is zero, to avoid division by zero.
	SNRSentinel = 100.0

	// PeakHistorySize is the number of trailing buffers tracked for peak
	// level statistics.
	PeakHistorySize = 100

	// NoiseHistorySize is the number of trailing buffers over which the
	// rolling noise floor is estimated.
	NoiseHistorySize = 50
)

// Metrics holds the per-buffer measurements computed by the Calculator.
// Level values are linear amplitudes clamped to [0, 1]. VoiceActivity is
// filled in by the pipeline after the VAD stage.
type Metrics struct {
	Level         float32 `json:"level"`           // RMS amplitude
	PeakLevel     float32 `json:"peak_level"`      // Maximum absolute sample
	NoiseLevel    float32 `json:"noise_level"`     // Rolling noise floor estimate
	Clipping      bool    `json:"clipping"`        // Any sample at or above ClippingThreshold
	VoiceActivity bool    `json:"voice_activity"`  // Buffer classified as speech
	SignalToNoise float32 `json:"signal_to_noise"` // Level / NoiseLevel, unitless
}

// RMS computes the root-mean-square amplitude of a buffer. An empty buffer
// has RMS 0.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// Peak returns the maximum absolute sample value of a buffer.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// Calculator computes per-buffer audio metrics and maintains the rolling
// peak and noise histories for the session. The noise floor estimate is the
// minimum RMS observed over the trailing NoiseHistorySize buffers, so it
// adapts conservatively downward within a session, never upward.
type Calculator struct {
	peakHistory  *RunningHistory
	noiseHistory *RunningHistory
}

// NewCalculator creates a Calculator with empty histories.
func NewCalculator() *Calculator {
	return &Calculator{
		peakHistory:  NewRunningHistory(PeakHistorySize),
		noiseHistory: NewRunningHistory(NoiseHistorySize),
	}
}

// Analyze measures one processed buffer, updates the rolling histories, and
// returns the resulting metrics. VoiceActivity is left false for the caller
// to fill in.
func (c *Calculator) Analyze(samples []float32) Metrics {
	rms := RMS(samples)
	peak := Peak(samples)

	clipping := false
	for _, s := range samples {
		if s >= ClippingThreshold || s <= -ClippingThreshold {
			clipping = true
			break
		}
	}

	c.peakHistory.Push(peak)
	c.noiseHistory.Push(rms)

	noiseLevel := c.noiseHistory.Min()

	snr := float32(SNRSentinel)
	if noiseLevel > 0 {
		snr = rms / noiseLevel
	}

	return Metrics{
		Level:         clamp01(rms),
		PeakLevel:     clamp01(peak),
		NoiseLevel:    clamp01(noiseLevel),
		Clipping:      clipping,
		SignalToNoise: snr,
	}
}

// NoiseLevel returns the current rolling noise floor estimate.
func (c *Calculator) NoiseLevel() float32 {
	return c.noiseHistory.Min()
}

// PeakHistoryLen returns the number of buffers tracked in the peak history.
func (c *Calculator) PeakHistoryLen() int {
	return c.peakHistory.Len()
}

// Reset clears both rolling histories.
func (c *Calculator) Reset() {
	c.peakHistory.Reset()
	c.noiseHistory.Reset()
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
