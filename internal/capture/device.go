package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

const (
	// MinSampleRate and MaxSampleRate bound the rates accepted from
	// constraints before device negotiation.
	MinSampleRate = 8000
	MaxSampleRate = 192000

	// MaxChannels is the largest channel count accepted from
	// constraints.
	MaxChannels = 8
)

// Source delivers interleaved float32 capture buffers. Open negotiates
// the format and registers the data callback; Start and Stop control the
// stream without releasing the device, and Close frees all resources.
type Source interface {
	Open(sampleRate, channels int, onData func(samples []float32)) error
	Start() error
	Stop() error
	Close() error
	SampleRate() int
	Channels() int
}

// DeviceSource captures from the default system microphone via
// miniaudio. It implements Source.
type DeviceSource struct {
	logger *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	sampleRate int
	channels   int

	mu      sync.Mutex
	running bool
}

// NewDeviceSource initializes the audio backend and logs the capture
// devices it finds. The device itself is not opened until Open.
func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &CaptureError{Op: "init backend", Err: classifyBackendError(err)}
	}

	s := &DeviceSource{
		logger: logger,
		ctx:    ctx,
	}
	s.logDevices()
	return s, nil
}

// logDevices enumerates capture devices for diagnostics. Enumeration
// failures are logged and ignored; the default device may still work.
func (s *DeviceSource) logDevices() {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		s.logger.Warn("Capture device enumeration failed", slog.String("error", err.Error()))
		return
	}
	if len(infos) == 0 {
		s.logger.Warn("No capture devices found")
		return
	}
	for i, info := range infos {
		s.logger.Info("Capture device found",
			slog.Int("index", i),
			slog.String("name", info.Name()),
			slog.Bool("default", info.IsDefault != 0))
	}
}

// Open negotiates the capture format and registers the data callback.
// The backend resamples internally when the hardware cannot produce the
// requested rate, so constraints within the supported bounds always
// succeed on a working device.
func (s *DeviceSource) Open(sampleRate, channels int, onData func(samples []float32)) error {
	if sampleRate < MinSampleRate || sampleRate > MaxSampleRate {
		return &CaptureError{Op: "open", Err: fmt.Errorf("%w: sample rate %d", ErrUnsupportedConstraints, sampleRate)}
	}
	if channels < 1 || channels > MaxChannels {
		return &CaptureError{Op: "open", Err: fmt.Errorf("%w: channel count %d", ErrUnsupportedConstraints, channels)}
	}

	// Reopening with new constraints releases the previous device.
	if s.device != nil {
		if err := s.Stop(); err != nil {
			return err
		}
		s.device.Uninit()
		s.device = nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(_, pSamples []byte, frameCount uint32) {
		onData(decodeF32(pSamples, int(frameCount)*channels))
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return &CaptureError{Op: "open", Err: classifyBackendError(err)}
	}

	s.device = device
	s.sampleRate = sampleRate
	s.channels = channels

	s.logger.Info("Capture device opened",
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels))

	return nil
}

// Start begins delivering buffers to the registered callback.
func (s *DeviceSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return &CaptureError{Op: "start", Err: fmt.Errorf("%w: device not opened", ErrDeviceUnavailable)}
	}
	if s.running {
		return nil
	}

	if err := s.device.Start(); err != nil {
		return &CaptureError{Op: "start", Err: classifyBackendError(err)}
	}
	s.running = true
	return nil
}

// Stop halts buffer delivery but keeps the device so Start can resume.
// Stopping an already stopped source is a no-op.
func (s *DeviceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil || !s.running {
		return nil
	}

	if err := s.device.Stop(); err != nil {
		return &CaptureError{Op: "stop", Err: err}
	}
	s.running = false
	return nil
}

// Close stops the stream and releases the device and backend context.
func (s *DeviceSource) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}

	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			return &CaptureError{Op: "close", Err: err}
		}
		s.ctx.Free()
		s.ctx = nil
	}

	return nil
}

// SampleRate returns the negotiated sample rate.
func (s *DeviceSource) SampleRate() int {
	return s.sampleRate
}

// Channels returns the negotiated channel count.
func (s *DeviceSource) Channels() int {
	return s.channels
}

// classifyBackendError maps a miniaudio failure onto the sentinel
// capture errors so callers can branch on the cause.
func classifyBackendError(err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, malgo.ErrFormatNotSupported),
		errors.Is(err, malgo.ErrDeviceTypeNotSupported),
		errors.Is(err, malgo.ErrShareModeNotSupported):
		return fmt.Errorf("%w: %v", ErrUnsupportedConstraints, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

// decodeF32 converts a little-endian float32 byte stream from the
// device callback into samples.
func decodeF32(data []byte, sampleCount int) []float32 {
	if sampleCount*4 > len(data) {
		sampleCount = len(data) / 4
	}

	samples := make([]float32, sampleCount)
	for i := 0; i < sampleCount; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
