package aec

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultFilterLength is the number of adaptive filter taps. At
	// 48 kHz this covers roughly 5 ms of echo tail.
	DefaultFilterLength = 256

	// DefaultStepSize is the NLMS adaptation step size mu.
	DefaultStepSize = 0.01

	// RegularizationEpsilon stabilizes the normalized update when the
	// reference power is near zero.
	RegularizationEpsilon = 0.001

	// CoefficientLimit bounds each filter tap after every update, which
	// keeps a diverging filter from corrupting the output.
	CoefficientLimit = 4.0
)

// Canceller implements NLMS acoustic echo cancellation. The reference
// history and filter coefficients persist across Process calls, so one
// Canceller must only ever see one contiguous capture stream.
type Canceller struct {
	filterLength int
	stepSize     float64

	filter []float64 // adaptive taps, filter[0] is the most recent reference sample

	// Sliding far-end history. refHistory[refIndex-1] is the most recent
	// sample; indices wrap modulo filterLength.
	refHistory []float64
	refIndex   int

	// Statistics
	buffersProcessed uint64
	lastERLE         float64
	lastProcessed    time.Time

	mu sync.Mutex
}

// CancellerStats represents echo canceller statistics. ERLE is the echo
// return loss enhancement of the most recent buffer, in dB.
type CancellerStats struct {
	FilterLength     int       `json:"filter_length"`
	StepSize         float64   `json:"step_size"`
	BuffersProcessed uint64    `json:"buffers_processed"`
	LastERLE         float64   `json:"last_erle_db"`
	LastProcessed    time.Time `json:"last_processed"`
}

// NewCanceller creates a Canceller. Non-positive filterLength and
// stepSize fall back to the defaults.
func NewCanceller(filterLength int, stepSize float64) (*Canceller, error) {
	if filterLength < 0 {
		return nil, fmt.Errorf("filter length must not be negative, got %d", filterLength)
	}
	if filterLength == 0 {
		filterLength = DefaultFilterLength
	}

	if stepSize < 0 || stepSize >= 2 {
		return nil, fmt.Errorf("step size must be in [0, 2), got %f", stepSize)
	}
	if stepSize == 0 {
		stepSize = DefaultStepSize
	}

	return &Canceller{
		filterLength: filterLength,
		stepSize:     stepSize,
		filter:       make([]float64, filterLength),
		refHistory:   make([]float64, filterLength),
	}, nil
}

// FilterLength returns the number of adaptive taps.
func (c *Canceller) FilterLength() int {
	return c.filterLength
}

// Process cancels the echo of reference from input and returns a new
// buffer; the inputs are not mutated. Both buffers must have the same
// length. For each sample the reference enters the sliding history, the
// echo estimate is formed from the current taps, and the taps adapt on
// the residual with power-normalized steps.
func (c *Canceller) Process(input, reference []float32) ([]float32, error) {
	if len(input) != len(reference) {
		return nil, fmt.Errorf("buffer length mismatch: input %d, reference %d", len(input), len(reference))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	output := make([]float32, len(input))

	var inPower, outPower float64

	for i := range input {
		c.refHistory[c.refIndex] = float64(reference[i])
		c.refIndex = (c.refIndex + 1) % c.filterLength

		// Echo estimate and reference power over the history window.
		var estimate, power float64
		for j := 0; j < c.filterLength; j++ {
			idx := (c.refIndex - 1 - j + c.filterLength) % c.filterLength
			x := c.refHistory[idx]
			estimate += c.filter[j] * x
			power += x * x
		}

		errSignal := float64(input[i]) - estimate

		step := c.stepSize * errSignal / (power + RegularizationEpsilon)
		for j := 0; j < c.filterLength; j++ {
			idx := (c.refIndex - 1 - j + c.filterLength) % c.filterLength
			updated := c.filter[j] + step*c.refHistory[idx]
			if updated > CoefficientLimit {
				updated = CoefficientLimit
			} else if updated < -CoefficientLimit {
				updated = -CoefficientLimit
			}
			c.filter[j] = updated
		}

		output[i] = float32(errSignal)
		inPower += float64(input[i]) * float64(input[i])
		outPower += errSignal * errSignal
	}

	c.buffersProcessed++
	c.lastERLE = erle(inPower, outPower)
	c.lastProcessed = time.Now()

	return output, nil
}

// GetStats returns current canceller statistics.
func (c *Canceller) GetStats() CancellerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CancellerStats{
		FilterLength:     c.filterLength,
		StepSize:         c.stepSize,
		BuffersProcessed: c.buffersProcessed,
		LastERLE:         c.lastERLE,
		LastProcessed:    c.lastProcessed,
	}
}

// Reset clears the filter coefficients and reference history for a fresh
// capture stream.
func (c *Canceller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.filter {
		c.filter[i] = 0
	}
	for i := range c.refHistory {
		c.refHistory[i] = 0
	}
	c.refIndex = 0
	c.buffersProcessed = 0
	c.lastERLE = 0
	c.lastProcessed = time.Time{}
}

// erle computes the echo return loss enhancement in dB, capped to
// [0, 60].
func erle(inPower, outPower float64) float64 {
	if inPower < 1e-10 {
		return 0
	}
	if outPower < 1e-10 {
		return 60
	}

	v := 10 * math.Log10(inPower/outPower)
	if v < 0 {
		return 0
	}
	if v > 60 {
		return 60
	}
	return v
}
