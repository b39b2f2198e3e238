package pipeline

import (
	"fmt"
	"math/cmplx"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"

	"github.com/voicelayer/mic-capture-service/internal/aec"
	"github.com/voicelayer/mic-capture-service/internal/audio"
	"github.com/voicelayer/mic-capture-service/internal/dsp"
	"github.com/voicelayer/mic-capture-service/internal/vad"
)

// SpectrumWindowSize is the number of trailing processed samples used
// for the frequency spectrum.
const SpectrumWindowSize = 512

// referenceQueueSeconds sizes the far-end reference queue.
const referenceQueueSeconds = 1

// sessionResult carries everything one buffer produced.
type sessionResult struct {
	metrics         dsp.Metrics
	chunks          []*ProcessedAudioChunk
	chunksDiscarded int
	calibrationDone bool
	noiseFloor      float32
	aecApplied      bool
	vadEvaluated    bool
}

// session owns the per-session processing state: filter and canceller
// state, calibration progress, rolling metrics, and the pending chunk.
// A session sees exactly one contiguous capture stream; restarting the
// controller builds a fresh one.
type session struct {
	mu sync.Mutex

	constraints  CaptureConstraints
	chunkSamples int

	autoGain     *dsp.AutoGain
	preprocessor *dsp.Preprocessor
	calculator   *dsp.Calculator
	calibrator   *dsp.Calibrator
	detector     *vad.Detector
	canceller    *aec.Canceller
	reference    *referenceQueue

	calibrated bool
	noiseFloor float32

	pending      []float32
	pendingVoice bool
	sequence     uint64

	lastLevel float32
	spectrum  []float32
}

// newSession builds the processing chain for one capture session.
func newSession(cfg Config) (*session, error) {
	detector, err := vad.NewDetector(cfg.VADThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice activity detector: %w", err)
	}

	s := &session{
		constraints:  cfg.Constraints,
		preprocessor: dsp.NewPreprocessor(cfg.Constraints.NoiseSuppression),
		calculator:   dsp.NewCalculator(),
		calibrator:   dsp.NewCalibrator(cfg.CalibrationBuffers),
		detector:     detector,
		spectrum:     make([]float32, 0, SpectrumWindowSize),
	}

	s.chunkSamples = int(cfg.ChunkDuration.Seconds() * float64(audio.TargetSampleRate))
	if s.chunkSamples <= 0 {
		return nil, fmt.Errorf("chunk duration %v yields no samples", cfg.ChunkDuration)
	}

	if cfg.Constraints.AutoGainControl {
		s.autoGain = dsp.NewAutoGain()
	}

	if cfg.Constraints.EchoCancellation {
		canceller, err := aec.NewCanceller(cfg.AECFilterLength, cfg.AECStepSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create echo canceller: %w", err)
		}
		s.canceller = canceller
		s.reference = newReferenceQueue(cfg.Constraints.SampleRate * referenceQueueSeconds)
	}

	return s, nil
}

// process runs one raw capture buffer through the full chain. During
// calibration only metrics are produced; once the noise floor is set,
// buffers also feed chunk assembly.
func (s *session) process(raw []float32) (sessionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result sessionResult

	mono := raw
	if s.constraints.Channels > 1 {
		var err error
		mono, err = audio.DownmixMono(raw, s.constraints.Channels)
		if err != nil {
			return result, fmt.Errorf("downmix failed: %w", err)
		}
	}

	// Echo cancellation runs on the raw signal, before any filtering.
	if s.canceller != nil {
		ref := s.reference.pop(len(mono))
		cancelled, err := s.canceller.Process(mono, ref)
		if err != nil {
			return result, fmt.Errorf("echo cancellation failed: %w", err)
		}
		mono = cancelled
		result.aecApplied = true
	}

	// Gain normalization runs after echo cancellation so the canceller
	// adapts on the true echo path, and before the gate so quiet speech
	// is lifted over the calibrated floor.
	if s.autoGain != nil {
		mono = s.autoGain.Process(mono)
	}

	processed := s.preprocessor.Process(mono)
	m := s.calculator.Analyze(processed)

	s.lastLevel = m.Level
	s.updateSpectrum(processed)

	if !s.calibrated {
		if s.calibrator.Add(processed) {
			s.finishCalibration()
			result.calibrationDone = true
			result.noiseFloor = s.noiseFloor
		}
		result.metrics = m
		return result, nil
	}

	detection := s.detector.Detect(m.Level, m.PeakLevel, s.noiseFloor)
	m.VoiceActivity = detection.HasVoice
	result.metrics = m
	result.vadEvaluated = true

	converted, err := audio.Resample(processed, s.constraints.SampleRate, audio.TargetSampleRate)
	if err != nil {
		return result, fmt.Errorf("resample failed: %w", err)
	}

	s.pending = append(s.pending, converted...)
	s.pendingVoice = s.pendingVoice || detection.HasVoice

	for len(s.pending) >= s.chunkSamples {
		segment := make([]float32, s.chunkSamples)
		copy(segment, s.pending)
		s.pending = s.pending[s.chunkSamples:]

		hadVoice := s.pendingVoice
		s.pendingVoice = false

		// Silent chunks are dropped when noise suppression is on; with
		// suppression off the consumer receives the full stream.
		if !hadVoice && s.constraints.NoiseSuppression {
			result.chunksDiscarded++
			continue
		}

		chunk, err := s.buildChunk(segment, hadVoice)
		if err != nil {
			return result, fmt.Errorf("chunk encoding failed: %w", err)
		}
		result.chunks = append(result.chunks, chunk)
	}

	return result, nil
}

// finishCalibration applies the calibrated floor to the gate. Callers
// must hold s.mu.
func (s *session) finishCalibration() {
	s.noiseFloor = s.calibrator.Finalize()
	s.preprocessor.SetNoiseFloor(s.noiseFloor)
	s.calibrated = true
}

// forceCalibration ends calibration early with whatever was collected.
// Used when the session stops before the window completes. Reports
// false when calibration had already finished.
func (s *session) forceCalibration() (float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.calibrated {
		return s.noiseFloor, false
	}
	s.finishCalibration()
	return s.noiseFloor, true
}

// flush emits the partial pending chunk, if any. Called on stop so the
// tail of the session is not lost.
func (s *session) flush() (*ProcessedAudioChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, nil
	}

	segment := s.pending
	s.pending = nil
	hadVoice := s.pendingVoice
	s.pendingVoice = false

	if !hadVoice && s.constraints.NoiseSuppression {
		return nil, nil
	}

	return s.buildChunk(segment, hadVoice)
}

// buildChunk encodes a segment of target-rate samples as a WAV chunk.
// Callers must hold s.mu.
func (s *session) buildChunk(segment []float32, hasVoice bool) (*ProcessedAudioChunk, error) {
	pcm := audio.FloatToPCM16(segment)
	data, err := audio.EncodeWAV(pcm, audio.TargetSampleRate, 1)
	if err != nil {
		return nil, err
	}

	s.sequence++
	return &ProcessedAudioChunk{
		Sequence: s.sequence,
		Data:     data,
		Samples:  len(segment),
		Duration: time.Duration(float64(len(segment)) / float64(audio.TargetSampleRate) * float64(time.Second)),
		Format: ChunkFormat{
			SampleRate: audio.TargetSampleRate,
			Channels:   1,
			BitDepth:   16,
		},
		HasVoice:  hasVoice,
		Timestamp: time.Now(),
	}, nil
}

// feedReference queues far-end playback samples for the echo canceller.
// A no-op when echo cancellation is disabled.
func (s *session) feedReference(samples []float32) {
	if s.reference == nil {
		return
	}
	s.reference.push(samples)
}

// updateSpectrum keeps the trailing processed samples for the frequency
// spectrum. Callers must hold s.mu.
func (s *session) updateSpectrum(processed []float32) {
	s.spectrum = append(s.spectrum, processed...)
	if len(s.spectrum) > SpectrumWindowSize {
		s.spectrum = s.spectrum[len(s.spectrum)-SpectrumWindowSize:]
	}
}

// currentLevel returns the RMS level of the most recent buffer.
func (s *session) currentLevel() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLevel
}

// frequencyData returns the magnitude spectrum of the most recent
// processed samples, or nil before the first buffer.
func (s *session) frequencyData() []float32 {
	s.mu.Lock()
	window := make([]float64, len(s.spectrum))
	for i, v := range s.spectrum {
		window[i] = float64(v)
	}
	s.mu.Unlock()

	if len(window) == 0 {
		return nil
	}

	bins := fft.FFTReal(window)
	half := len(bins)/2 + 1

	magnitudes := make([]float32, half)
	scale := 1 / float64(len(window))
	for i := 0; i < half; i++ {
		magnitudes[i] = float32(cmplx.Abs(bins[i]) * scale)
	}
	return magnitudes
}

// snapshot returns the session counters used in controller stats.
func (s *session) snapshot() (noiseFloor float32, calibrated bool, collected int, sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noiseFloor, s.calibrated, s.calibrator.Collected(), s.sequence
}

// detectorStats returns the VAD statistics for this session.
func (s *session) detectorStats() vad.DetectorStats {
	return s.detector.GetStats()
}

// cancellerStats returns AEC statistics, or nil when disabled.
func (s *session) cancellerStats() *aec.CancellerStats {
	if s.canceller == nil {
		return nil
	}
	stats := s.canceller.GetStats()
	return &stats
}
