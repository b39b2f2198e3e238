package dsp

const (
	// AGCTargetLevel is the RMS level the gain controller steers toward,
	// roughly -14 dBFS.
	AGCTargetLevel = 0.2

	// AGCMinGain and AGCMaxGain clamp the gain multiplier to +/-20 dB so
	// silence amplification cannot run away.
	AGCMinGain = 0.1
	AGCMaxGain = 10.0

	// AGCAttackCoeff controls how quickly gain is reduced when the level
	// exceeds the target.
	AGCAttackCoeff = 0.8

	// AGCReleaseCoeff controls how quickly gain recovers after a loud
	// transient. Slower than attack to avoid pumping artefacts.
	AGCReleaseCoeff = 0.02

	// agcSilenceRMS suppresses gain updates on near-silent buffers so the
	// noise floor is not boosted.
	agcSilenceRMS = 0.001
)

// AutoGain is a single-channel automatic gain control stage. It tracks
// the short-term RMS of each buffer and steers a multiplicative gain
// toward the target level with asymmetric attack/release smoothing. The
// gain carries across buffers, so one AutoGain must only ever see one
// contiguous sample stream.
type AutoGain struct {
	target float32
	gain   float32
}

// NewAutoGain creates an AutoGain at unity gain.
func NewAutoGain() *AutoGain {
	return &AutoGain{target: AGCTargetLevel, gain: 1}
}

// Process returns a new gain-adjusted buffer of the same length and
// adapts the gain from the raw buffer level. The input is not mutated.
func (a *AutoGain) Process(samples []float32) []float32 {
	out := make([]float32, len(samples))
	if len(samples) == 0 {
		return out
	}

	for i, s := range samples {
		v := s * a.gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}

	rms := RMS(samples)
	if rms < agcSilenceRMS {
		return out
	}

	desired := a.target / rms
	if desired < AGCMinGain {
		desired = AGCMinGain
	} else if desired > AGCMaxGain {
		desired = AGCMaxGain
	}

	// Attack (gain down) is fast, release (gain up) is slow.
	coeff := float32(AGCReleaseCoeff)
	if desired < a.gain {
		coeff = AGCAttackCoeff
	}
	a.gain += coeff * (desired - a.gain)

	return out
}

// Gain returns the current linear gain multiplier.
func (a *AutoGain) Gain() float32 {
	return a.gain
}

// Reset restores unity gain for a fresh sample stream.
func (a *AutoGain) Reset() {
	a.gain = 1
}
