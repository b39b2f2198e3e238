package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicelayer/mic-capture-service/internal/aec"
	"github.com/voicelayer/mic-capture-service/internal/capture"
	"github.com/voicelayer/mic-capture-service/internal/metrics"
	"github.com/voicelayer/mic-capture-service/internal/vad"
)

// Config contains the controller configuration for a session.
type Config struct {
	Constraints        CaptureConstraints
	VADThreshold       float32
	CalibrationBuffers int
	ChunkDuration      time.Duration
	AECFilterLength    int
	AECStepSize        float64
}

// Controller drives the capture session lifecycle:
//
//	Uninitialized -> Initializing -> Calibrating -> Running -> Stopped
//
// Initialize opens the device, Start begins capture and noise floor
// calibration, and Stop halts the stream. A stopped controller can be
// re-initialized; UpdateConstraints restarts the session with new
// constraints while keeping the registered callbacks.
type Controller struct {
	logger *slog.Logger
	meter  *metrics.Metrics
	source capture.Source

	mu        sync.RWMutex
	state     State
	cfg       Config
	callbacks Callbacks
	session   *session
	startTime time.Time

	buffersProcessed uint64
	bufferErrors     uint64
	chunksEmitted    uint64
	chunksDiscarded  uint64
}

// ControllerStats is a JSON-serializable snapshot of the controller.
type ControllerStats struct {
	State            string              `json:"state"`
	Constraints      CaptureConstraints  `json:"constraints"`
	StartTime        time.Time           `json:"start_time,omitempty"`
	UptimeSeconds    float64             `json:"uptime_seconds"`
	BuffersProcessed uint64              `json:"buffers_processed"`
	BufferErrors     uint64              `json:"buffer_errors"`
	ChunksEmitted    uint64              `json:"chunks_emitted"`
	ChunksDiscarded  uint64              `json:"chunks_discarded"`
	Calibrated       bool                `json:"calibrated"`
	CalibrationCount int                 `json:"calibration_buffers_collected"`
	NoiseFloor       float32             `json:"noise_floor"`
	VAD              vad.DetectorStats   `json:"vad"`
	AEC              *aec.CancellerStats `json:"aec,omitempty"`
}

// NewController creates a Controller over the given capture source.
func NewController(logger *slog.Logger, meter *metrics.Metrics, source capture.Source, cfg Config) *Controller {
	return &Controller{
		logger: logger,
		meter:  meter,
		source: source,
		cfg:    cfg,
		state:  StateUninitialized,
	}
}

// Initialize validates the constraints, opens the capture device, and
// builds the session. Valid from Uninitialized or Stopped.
func (c *Controller) Initialize(callbacks Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized && c.state != StateStopped {
		return fmt.Errorf("cannot initialize from state %s", c.state)
	}

	c.state = StateInitializing
	c.callbacks = callbacks

	if err := c.initSessionLocked(); err != nil {
		c.state = StateUninitialized
		return err
	}

	c.logger.Info("Pipeline initialized",
		slog.Int("sample_rate", c.cfg.Constraints.SampleRate),
		slog.Int("channels", c.cfg.Constraints.Channels),
		slog.Bool("echo_cancellation", c.cfg.Constraints.EchoCancellation),
		slog.Bool("noise_suppression", c.cfg.Constraints.NoiseSuppression),
	)
	return nil
}

// initSessionLocked validates constraints, opens the source, and builds
// the session. Callers must hold c.mu with state already set to
// Initializing.
func (c *Controller) initSessionLocked() error {
	if err := c.cfg.Constraints.Validate(); err != nil {
		return err
	}

	sess, err := newSession(c.cfg)
	if err != nil {
		return err
	}

	if err := c.source.Open(c.cfg.Constraints.SampleRate, c.cfg.Constraints.Channels, c.handleBuffer); err != nil {
		return err
	}

	c.session = sess
	return nil
}

// Start begins capture and the noise floor calibration window. Valid
// from Initializing.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInitializing {
		return fmt.Errorf("cannot start from state %s", c.state)
	}

	if err := c.source.Start(); err != nil {
		return err
	}

	c.state = StateCalibrating
	c.startTime = time.Now()
	c.meter.RecordSessionStarted()

	c.logger.Info("Capture session started",
		slog.Int("calibration_buffers", c.cfg.CalibrationBuffers))
	return nil
}

// Stop halts capture and flushes the pending chunk. Stopping an already
// stopped or uninitialized controller is a no-op.
//
// The device stop blocks until an in-flight data callback has returned,
// and that callback acquires the controller lock, so the lock must not
// be held across source.Stop. The in-flight buffer is processed to
// completion; its callbacks may observe a stopped controller.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateUninitialized || c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}

	wasCapturing := c.state == StateCalibrating || c.state == StateRunning
	stoppedDuringCalibration := c.state == StateCalibrating
	c.state = StateStopped
	c.mu.Unlock()

	if err := c.source.Stop(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishStopLocked(wasCapturing, stoppedDuringCalibration)
	return nil
}

// finishStopLocked runs the post-stop teardown once the device has
// confirmed no data callback is in flight. Callers must hold c.mu.
func (c *Controller) finishStopLocked(wasCapturing, stoppedDuringCalibration bool) {
	if c.session != nil {
		// A session cut short during calibration still finalizes its
		// floor from the partial window, so final stats report one.
		if stoppedDuringCalibration {
			if floor, finalized := c.session.forceCalibration(); finalized {
				c.meter.RecordCalibrationCompleted(float64(floor))
				c.logger.Info("Calibration finalized early on stop",
					slog.Float64("noise_floor", float64(floor)))
			}
		}

		if chunk, err := c.session.flush(); err != nil {
			c.logger.Warn("Failed to flush final chunk", slog.String("error", err.Error()))
		} else if chunk != nil {
			c.chunksEmitted++
			c.meter.RecordChunkEmitted(chunk.Duration.Seconds(), len(chunk.Data))
			if c.callbacks.OnChunk != nil {
				c.callbacks.OnChunk(chunk)
			}
		}
	}

	if wasCapturing {
		duration := time.Since(c.startTime)
		c.meter.RecordSessionStopped(duration.Seconds())
		c.logger.Info("Capture session stopped",
			slog.Duration("duration", duration),
			slog.Uint64("buffers_processed", c.buffersProcessed),
			slog.Uint64("chunks_emitted", c.chunksEmitted),
		)
	}
}

// UpdateConstraints applies a partial constraints update by restarting
// the session: the device is reopened with the merged constraints and,
// if the controller was capturing, capture resumes with a fresh
// calibration. Callbacks are retained.
func (c *Controller) UpdateConstraints(patch CaptureConstraintsPatch) error {
	c.mu.Lock()

	if c.state == StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("cannot update constraints from state %s", c.state)
	}

	merged := c.cfg.Constraints.Apply(patch)
	if err := merged.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}

	wasCapturing := c.state == StateCalibrating || c.state == StateRunning
	stoppedDuringCalibration := c.state == StateCalibrating
	needsStop := c.state != StateStopped
	c.state = StateStopped
	c.mu.Unlock()

	// As in Stop, the device stop must run without the controller lock
	// so an in-flight callback can finish.
	if needsStop {
		if err := c.source.Stop(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if needsStop {
		c.finishStopLocked(wasCapturing, stoppedDuringCalibration)
	}

	previous := c.cfg.Constraints
	c.cfg.Constraints = merged
	c.state = StateInitializing

	if err := c.initSessionLocked(); err != nil {
		c.cfg.Constraints = previous
		c.state = StateStopped
		return err
	}

	c.logger.Info("Constraints updated, session restarted",
		slog.Int("sample_rate", merged.SampleRate),
		slog.Int("channels", merged.Channels),
		slog.Bool("echo_cancellation", merged.EchoCancellation),
		slog.Bool("noise_suppression", merged.NoiseSuppression),
	)

	if wasCapturing {
		if err := c.source.Start(); err != nil {
			return err
		}
		c.state = StateCalibrating
		c.startTime = time.Now()
		c.meter.RecordSessionStarted()
	}

	return nil
}

// handleBuffer is the capture data callback. A failure on one buffer is
// reported and dropped; the session continues with the next buffer.
func (c *Controller) handleBuffer(samples []float32) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.bufferErrors++
			cb := c.callbacks.OnError
			c.mu.Unlock()

			c.meter.RecordBufferError()
			c.logger.Error("Panic while processing buffer", slog.Any("panic", r))
			if cb != nil {
				cb(fmt.Errorf("buffer processing panic: %v", r))
			}
		}
	}()

	// No state gate here: a buffer already in flight when Stop lands is
	// still processed to completion, with the controller possibly
	// reporting a stopped state to its callbacks.
	c.mu.Lock()
	sess := c.session
	cbs := c.callbacks
	c.mu.Unlock()

	if sess == nil {
		return
	}

	result, err := sess.process(samples)
	if err != nil {
		c.mu.Lock()
		c.bufferErrors++
		c.mu.Unlock()

		c.meter.RecordBufferError()
		c.logger.Warn("Buffer processing failed", slog.String("error", err.Error()))
		if cbs.OnError != nil {
			cbs.OnError(err)
		}
		return
	}

	c.mu.Lock()
	c.buffersProcessed++
	if result.calibrationDone && c.state == StateCalibrating {
		c.state = StateRunning
	}
	c.chunksEmitted += uint64(len(result.chunks))
	c.chunksDiscarded += uint64(result.chunksDiscarded)
	c.mu.Unlock()

	c.meter.RecordBufferProcessed(float64(result.metrics.Level), result.metrics.Clipping)
	if result.vadEvaluated {
		c.meter.RecordVADBuffer(result.metrics.VoiceActivity)
	}
	if result.aecApplied {
		if stats := sess.cancellerStats(); stats != nil {
			c.meter.RecordAECBuffer(stats.LastERLE)
		}
	}

	if result.calibrationDone {
		c.meter.RecordCalibrationCompleted(float64(result.noiseFloor))
		c.logger.Info("Noise floor calibration completed",
			slog.Float64("noise_floor", float64(result.noiseFloor)))
	}

	if cbs.OnMetrics != nil {
		cbs.OnMetrics(result.metrics)
	}

	for _, chunk := range result.chunks {
		c.meter.RecordChunkEmitted(chunk.Duration.Seconds(), len(chunk.Data))
		if cbs.OnChunk != nil {
			cbs.OnChunk(chunk)
		}
	}
}

// FeedReference queues far-end playback samples for echo cancellation.
// A no-op when the session is not capturing or AEC is disabled.
func (c *Controller) FeedReference(samples []float32) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()

	if sess != nil {
		sess.feedReference(samples)
	}
}

// CurrentLevel returns the RMS level of the most recent buffer, or 0
// before the first buffer.
func (c *Controller) CurrentLevel() float32 {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()

	if sess == nil {
		return 0
	}
	return sess.currentLevel()
}

// FrequencyData returns the magnitude spectrum of the most recent
// processed audio, or nil before the first buffer.
func (c *Controller) FrequencyData() []float32 {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()

	if sess == nil {
		return nil
	}
	return sess.frequencyData()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Constraints returns the active capture constraints.
func (c *Controller) Constraints() CaptureConstraints {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Constraints
}

// GetStats returns a snapshot of the controller state and counters.
func (c *Controller) GetStats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ControllerStats{
		State:            c.state.String(),
		Constraints:      c.cfg.Constraints,
		StartTime:        c.startTime,
		BuffersProcessed: c.buffersProcessed,
		BufferErrors:     c.bufferErrors,
		ChunksEmitted:    c.chunksEmitted,
		ChunksDiscarded:  c.chunksDiscarded,
	}

	if c.state == StateCalibrating || c.state == StateRunning {
		stats.UptimeSeconds = time.Since(c.startTime).Seconds()
	}

	if c.session != nil {
		noiseFloor, calibrated, collected, _ := c.session.snapshot()
		stats.NoiseFloor = noiseFloor
		stats.Calibrated = calibrated
		stats.CalibrationCount = collected
		stats.VAD = c.session.detectorStats()
		stats.AEC = c.session.cancellerStats()
	}

	return stats
}
