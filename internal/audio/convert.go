package audio

import (
	"fmt"
	"math"
)

// TargetSampleRate is the sample rate expected by the downstream
// transcription engine. All emitted chunks are resampled to this rate.
const TargetSampleRate = 16000

// Resample converts samples from sourceRate to targetRate using linear
// interpolation. For output index i the source position is
// i * sourceRate / targetRate; the two neighbouring input samples are
// blended by the fractional part. When the upper neighbour falls past the
// end of the input, the lower sample is used as-is (no wraparound).
func Resample(input []float32, sourceRate, targetRate int) ([]float32, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got source=%d target=%d", sourceRate, targetRate)
	}

	if sourceRate == targetRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out, nil
	}

	ratio := float64(sourceRate) / float64(targetRate)
	outLen := int(float64(len(input)) / ratio)
	output := make([]float32, outLen)

	for i := 0; i < outLen; i++ {
		sourceIndex := float64(i) * ratio
		lower := int(math.Floor(sourceIndex))
		upper := lower + 1
		frac := float32(sourceIndex - float64(lower))

		if upper >= len(input) {
			output[i] = input[lower]
			continue
		}

		output[i] = input[lower]*(1-frac) + input[upper]*frac
	}

	return output, nil
}

// DownmixMono merges interleaved multi-channel samples to mono by taking
// the arithmetic mean of all channel samples at each frame index. A mono
// input is copied unchanged.
func DownmixMono(interleaved []float32, channels int) ([]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("channel count must be at least 1, got %d", channels)
	}

	if channels == 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out, nil
	}

	if len(interleaved)%channels != 0 {
		return nil, fmt.Errorf("sample count %d is not a multiple of channel count %d", len(interleaved), channels)
	}

	frames := len(interleaved) / channels
	output := make([]float32, frames)

	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		output[i] = sum / float32(channels)
	}

	return output, nil
}

// FloatToPCM16 converts float32 samples in [-1, 1] to signed 16-bit PCM.
// Out-of-range samples are clamped before scaling by 32767.
func FloatToPCM16(samples []float32) []int16 {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		pcm[i] = int16(s * 32767)
	}
	return pcm
}

// PCM16ToFloat converts signed 16-bit PCM samples to float32 in [-1, 1].
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
