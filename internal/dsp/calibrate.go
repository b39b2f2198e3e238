package dsp

import "sort"

const (
	// DefaultCalibrationBuffers is the number of buffers collected during
	// the startup calibration window (~500 ms at 10 ms buffers).
	DefaultCalibrationBuffers = 50

	// CalibrationPercentile selects the RMS value used as the floor
	// estimate from the sorted calibration window.
	CalibrationPercentile = 0.95

	// CalibrationSafetyMargin scales the percentile value so brief lulls
	// during calibration do not produce an overly aggressive gate.
	CalibrationSafetyMargin = 1.5

	// DefaultNoiseFloor is used when calibration terminates without
	// collecting any samples.
	DefaultNoiseFloor = 0.01
)

// Calibrator estimates the ambient noise floor from a fixed window of
// buffers observed at session start. It runs exactly once per session,
// before normal chunk forwarding begins.
type Calibrator struct {
	target    int
	rmsValues []float32
}

// NewCalibrator creates a Calibrator that completes after targetBuffers
// buffers. A non-positive target falls back to DefaultCalibrationBuffers.
func NewCalibrator(targetBuffers int) *Calibrator {
	if targetBuffers <= 0 {
		targetBuffers = DefaultCalibrationBuffers
	}
	return &Calibrator{
		target:    targetBuffers,
		rmsValues: make([]float32, 0, targetBuffers),
	}
}

// Add records the RMS of one calibration buffer and reports whether the
// calibration window is complete.
func (c *Calibrator) Add(samples []float32) bool {
	if len(c.rmsValues) < c.target {
		c.rmsValues = append(c.rmsValues, RMS(samples))
	}
	return len(c.rmsValues) >= c.target
}

// Collected returns the number of calibration buffers recorded so far.
func (c *Calibrator) Collected() int {
	return len(c.rmsValues)
}

// Finalize computes the noise floor from whatever samples were collected:
// the RMS values are sorted ascending, the 95th-percentile value is taken,
// and a 1.5x safety margin is applied. Calibration terminates even when the
// window is short; with no samples at all the floor defaults to a small
// positive constant.
func (c *Calibrator) Finalize() float32 {
	if len(c.rmsValues) == 0 {
		return DefaultNoiseFloor
	}

	sorted := make([]float32, len(c.rmsValues))
	copy(sorted, c.rmsValues)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * CalibrationPercentile)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx] * CalibrationSafetyMargin
}
