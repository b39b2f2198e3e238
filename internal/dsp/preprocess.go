package dsp

const (
	// DCFilterCoefficient is the one-pole high-pass coefficient used for
	// DC removal: y[n] = x[n] - coefficient * x[n-1].
	DCFilterCoefficient = 0.95

	// CompressorThreshold is the amplitude above which dynamic-range
	// compression engages.
	CompressorThreshold = 0.7

	// CompressorRatio is the compression ratio applied to the signal
	// portion exceeding CompressorThreshold.
	CompressorRatio = 4.0
)

// Preprocessor applies the per-buffer conditioning chain: a one-pole
// high-pass filter for DC removal, an amplitude noise gate (when noise
// suppression is enabled), and a dynamic-range compressor.
//
// The filter state (the previous raw sample) carries across buffer
// boundaries, so one Preprocessor must only ever see one contiguous sample
// stream. It is driven exclusively by the capture callback and is not safe
// for concurrent use.
type Preprocessor struct {
	noiseSuppression bool
	noiseFloor       float32
	prev             float32 // previous raw input sample, not the filtered output
}

// NewPreprocessor creates a Preprocessor. The gate threshold starts at zero
// and is set after noise-floor calibration via SetNoiseFloor.
func NewPreprocessor(noiseSuppression bool) *Preprocessor {
	return &Preprocessor{noiseSuppression: noiseSuppression}
}

// SetNoiseFloor updates the noise gate threshold to the calibrated floor.
func (p *Preprocessor) SetNoiseFloor(floor float32) {
	if floor < 0 {
		floor = 0
	}
	p.noiseFloor = floor
}

// NoiseFloor returns the current gate threshold.
func (p *Preprocessor) NoiseFloor() float32 {
	return p.noiseFloor
}

// Process conditions one buffer and returns a new buffer of the same
// length. The input is not mutated, so the raw signal stays available to
// the echo canceller and metrics stages.
func (p *Preprocessor) Process(samples []float32) []float32 {
	out := make([]float32, len(samples))

	for i, x := range samples {
		// High-pass / DC removal against the previous raw sample.
		y := x - DCFilterCoefficient*p.prev
		p.prev = x

		// Noise gate: zero anything below the calibrated floor.
		if p.noiseSuppression {
			gateMag := y
			if gateMag < 0 {
				gateMag = -gateMag
			}
			if gateMag < p.noiseFloor {
				y = 0
			}
		}

		// Compression above the threshold, sign preserved.
		mag := y
		if mag < 0 {
			mag = -mag
		}
		if mag > CompressorThreshold {
			excess := mag - CompressorThreshold
			compressed := CompressorThreshold + excess/CompressorRatio
			if y < 0 {
				y = -compressed
			} else {
				y = compressed
			}
		}

		out[i] = y
	}

	return out
}

// Reset clears the filter state for a fresh sample stream.
func (p *Preprocessor) Reset() {
	p.prev = 0
}
