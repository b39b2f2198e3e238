package pipeline

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicelayer/mic-capture-service/internal/dsp"
	"github.com/voicelayer/mic-capture-service/internal/metrics"
)

// fakeSource is a scripted capture source. Tests call emit to push
// buffers through the registered data callback.
type fakeSource struct {
	mu         sync.Mutex
	onData     func([]float32)
	sampleRate int
	channels   int
	started    bool

	openCalls  int
	startCalls int
	stopCalls  int
}

func (f *fakeSource) Open(sampleRate, channels int, onData func([]float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sampleRate = sampleRate
	f.channels = channels
	f.onData = onData
	f.openCalls++
	return nil
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.startCalls++
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.stopCalls++
	return nil
}

func (f *fakeSource) Close() error    { return nil }
func (f *fakeSource) SampleRate() int { return f.sampleRate }
func (f *fakeSource) Channels() int   { return f.channels }

func (f *fakeSource) emit(samples []float32) {
	f.mu.Lock()
	onData := f.onData
	started := f.started
	f.mu.Unlock()

	if started && onData != nil {
		onData(samples)
	}
}

func testConfig() Config {
	return Config{
		Constraints: CaptureConstraints{
			SampleRate:       16000,
			Channels:         1,
			NoiseSuppression: true,
		},
		VADThreshold:       0.02,
		CalibrationBuffers: 3,
		ChunkDuration:      10 * time.Millisecond, // 160 samples at 16 kHz
	}
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeSource) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	meter := metrics.NewMetricsWith(prometheus.NewRegistry())
	source := &fakeSource{}
	return NewController(logger, meter, source, cfg), source
}

// silentBuffer and speechBuffer are one capture buffer (10 ms at 16 kHz).
func silentBuffer() []float32 {
	return make([]float32, 160)
}

func speechBuffer() []float32 {
	buf := make([]float32, 160)
	for i := range buf {
		if i%2 == 0 {
			buf[i] = 0.5
		} else {
			buf[i] = -0.5
		}
	}
	return buf
}

// calibrate pushes enough silent buffers to complete the calibration
// window.
func calibrate(c *Controller, source *fakeSource) {
	for i := 0; i < 3; i++ {
		source.emit(silentBuffer())
	}
	_ = c
}

func TestControllerLifecycle(t *testing.T) {
	c, source := newTestController(t, testConfig())

	if c.State() != StateUninitialized {
		t.Fatalf("Expected uninitialized state, got %s", c.State())
	}

	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if c.State() != StateInitializing {
		t.Errorf("Expected initializing state, got %s", c.State())
	}
	if source.openCalls != 1 {
		t.Errorf("Expected 1 open call, got %d", source.openCalls)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State() != StateCalibrating {
		t.Errorf("Expected calibrating state, got %s", c.State())
	}

	calibrate(c, source)
	if c.State() != StateRunning {
		t.Errorf("Expected running state after calibration, got %s", c.State())
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", c.State())
	}
}

func TestControllerInvalidTransitions(t *testing.T) {
	c, _ := newTestController(t, testConfig())

	if err := c.Start(); err == nil {
		t.Error("Expected error starting an uninitialized controller")
	}

	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Initialize(Callbacks{}); err == nil {
		t.Error("Expected error initializing twice")
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	c, source := newTestController(t, testConfig())

	// Stop before initialize is a no-op.
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop on uninitialized controller failed: %v", err)
	}

	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
	if source.stopCalls != 1 {
		t.Errorf("Expected 1 device stop call, got %d", source.stopCalls)
	}
}

// deviceLikeSource mirrors the hardware backend contract: Stop blocks
// until an in-flight data callback has returned.
type deviceLikeSource struct {
	fakeSource
	inFlight sync.WaitGroup
}

func (d *deviceLikeSource) Stop() error {
	d.inFlight.Wait()
	return d.fakeSource.Stop()
}

// emitHeld delivers one buffer on its own goroutine, holding it at the
// callback boundary until release is closed.
func (d *deviceLikeSource) emitHeld(samples []float32, entered, release chan struct{}) {
	d.inFlight.Add(1)
	go func() {
		defer d.inFlight.Done()
		close(entered)
		<-release
		d.emit(samples)
	}()
}

func TestStopWaitsForInFlightBuffer(t *testing.T) {
	var chunks []*ProcessedAudioChunk

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	meter := metrics.NewMetricsWith(prometheus.NewRegistry())
	source := &deviceLikeSource{}
	c := NewController(logger, meter, source, testConfig())

	err := c.Initialize(Callbacks{
		OnChunk: func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, &source.fakeSource)

	// Hold a buffer at the callback boundary, then stop while it is in
	// flight. The device stop cannot complete until the callback does.
	entered := make(chan struct{})
	release := make(chan struct{})
	source.emitHeld(speechBuffer(), entered, release)
	<-entered

	stopDone := make(chan error, 1)
	go func() { stopDone <- c.Stop() }()

	// Give Stop time to reach the blocking device stop, then let the
	// held buffer through.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a data callback was in flight")
	}

	if c.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", c.State())
	}

	// The in-flight buffer was processed to completion, not dropped.
	stats := c.GetStats()
	if stats.BuffersProcessed != 4 {
		t.Errorf("Expected in-flight buffer processed, got %d buffers", stats.BuffersProcessed)
	}
	if len(chunks) != 1 {
		t.Errorf("Expected chunk from the in-flight buffer, got %d", len(chunks))
	}
}

func TestControllerRejectsInvalidConstraints(t *testing.T) {
	cfg := testConfig()
	cfg.Constraints.SampleRate = 1000

	c, _ := newTestController(t, cfg)
	if err := c.Initialize(Callbacks{}); err == nil {
		t.Fatal("Expected error for unsupported sample rate")
	}
	if c.State() != StateUninitialized {
		t.Errorf("Failed initialize must return to uninitialized, got %s", c.State())
	}
}

func TestNoChunksDuringCalibration(t *testing.T) {
	var chunks []*ProcessedAudioChunk
	var metricsCount int

	c, source := newTestController(t, testConfig())
	err := c.Initialize(Callbacks{
		OnChunk:   func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
		OnMetrics: func(dsp.Metrics) { metricsCount++ },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	source.emit(speechBuffer())
	source.emit(speechBuffer())

	if len(chunks) != 0 {
		t.Errorf("Expected no chunks during calibration, got %d", len(chunks))
	}
	if metricsCount != 2 {
		t.Errorf("Expected metrics callback during calibration, got %d calls", metricsCount)
	}
}

func TestChunkEmissionWithVoice(t *testing.T) {
	var chunks []*ProcessedAudioChunk

	c, source := newTestController(t, testConfig())
	err := c.Initialize(Callbacks{
		OnChunk: func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)

	// Each buffer fills exactly one chunk.
	source.emit(speechBuffer())
	source.emit(speechBuffer())

	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}

	first := chunks[0]
	if !first.HasVoice {
		t.Error("Expected chunk marked as containing voice")
	}
	if first.Format.SampleRate != 16000 || first.Format.Channels != 1 || first.Format.BitDepth != 16 {
		t.Errorf("Unexpected chunk format: %+v", first.Format)
	}
	if first.Samples != 160 {
		t.Errorf("Expected 160 samples per chunk, got %d", first.Samples)
	}
	if len(first.Data) != 44+160*2 {
		t.Errorf("Expected WAV container of %d bytes, got %d", 44+160*2, len(first.Data))
	}
	if first.Sequence != 1 || chunks[1].Sequence != 2 {
		t.Errorf("Expected sequence 1,2, got %d,%d", first.Sequence, chunks[1].Sequence)
	}
}

func TestSilentChunksDiscardedWithSuppression(t *testing.T) {
	var chunks []*ProcessedAudioChunk

	c, source := newTestController(t, testConfig())
	err := c.Initialize(Callbacks{
		OnChunk: func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)

	source.emit(silentBuffer())
	source.emit(silentBuffer())

	if len(chunks) != 0 {
		t.Errorf("Expected silent chunks discarded, got %d", len(chunks))
	}

	stats := c.GetStats()
	if stats.ChunksDiscarded != 2 {
		t.Errorf("Expected 2 discarded chunks, got %d", stats.ChunksDiscarded)
	}
}

func TestSilentChunksDeliveredWithoutSuppression(t *testing.T) {
	var chunks []*ProcessedAudioChunk

	cfg := testConfig()
	cfg.Constraints.NoiseSuppression = false

	c, source := newTestController(t, cfg)
	err := c.Initialize(Callbacks{
		OnChunk: func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)

	source.emit(silentBuffer())

	if len(chunks) != 1 {
		t.Fatalf("Expected silent chunk delivered without suppression, got %d", len(chunks))
	}
	if chunks[0].HasVoice {
		t.Error("Silent chunk must not be marked as voice")
	}
}

func TestBufferErrorRecovery(t *testing.T) {
	var chunks []*ProcessedAudioChunk
	var errs []error

	cfg := testConfig()
	cfg.Constraints.Channels = 2

	c, source := newTestController(t, cfg)
	err := c.Initialize(Callbacks{
		OnChunk: func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
		OnError: func(e error) { errs = append(errs, e) },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stereoSilent := make([]float32, 320)
	for i := 0; i < 3; i++ {
		source.emit(stereoSilent)
	}
	if c.State() != StateRunning {
		t.Fatalf("Expected running state, got %s", c.State())
	}

	// An odd-length stereo buffer cannot be downmixed; the error is
	// reported and the session keeps going.
	source.emit(make([]float32, 321))

	if len(errs) != 1 {
		t.Fatalf("Expected 1 error callback, got %d", len(errs))
	}
	if c.State() != StateRunning {
		t.Errorf("Expected session still running after buffer error, got %s", c.State())
	}

	stereoSpeech := make([]float32, 320)
	for i := range stereoSpeech {
		stereoSpeech[i] = 0.5
	}
	source.emit(stereoSpeech)

	stats := c.GetStats()
	if stats.BufferErrors != 1 {
		t.Errorf("Expected 1 buffer error, got %d", stats.BufferErrors)
	}
	if stats.BuffersProcessed != 4 {
		t.Errorf("Expected 4 processed buffers, got %d", stats.BuffersProcessed)
	}
}

func TestUpdateConstraintsRestartsSession(t *testing.T) {
	var chunks []*ProcessedAudioChunk

	c, source := newTestController(t, testConfig())
	err := c.Initialize(Callbacks{
		OnChunk: func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)

	suppression := false
	if err := c.UpdateConstraints(CaptureConstraintsPatch{NoiseSuppression: &suppression}); err != nil {
		t.Fatalf("UpdateConstraints failed: %v", err)
	}

	// The session restarts with a fresh calibration window.
	if c.State() != StateCalibrating {
		t.Errorf("Expected calibrating state after restart, got %s", c.State())
	}
	if got := c.Constraints(); got.NoiseSuppression {
		t.Error("Expected noise suppression disabled after update")
	}
	if source.openCalls != 2 {
		t.Errorf("Expected device reopened, got %d open calls", source.openCalls)
	}

	// Callbacks are retained across the restart.
	calibrate(c, source)
	source.emit(silentBuffer())
	if len(chunks) != 1 {
		t.Errorf("Expected chunk callback retained after restart, got %d chunks", len(chunks))
	}
}

func TestUpdateConstraintsWhileStoppedStaysStopped(t *testing.T) {
	c, source := newTestController(t, testConfig())
	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	rate := 44100
	if err := c.UpdateConstraints(CaptureConstraintsPatch{SampleRate: &rate}); err != nil {
		t.Fatalf("UpdateConstraints failed: %v", err)
	}

	if c.State() != StateInitializing {
		t.Errorf("Expected initializing state without capture resume, got %s", c.State())
	}
	if source.startCalls != 1 {
		t.Errorf("Capture must not resume for a stopped session, got %d start calls", source.startCalls)
	}
	if c.Constraints().SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", c.Constraints().SampleRate)
	}
}

func TestUpdateConstraintsRejectsInvalidPatch(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	rate := 1000
	if err := c.UpdateConstraints(CaptureConstraintsPatch{SampleRate: &rate}); err == nil {
		t.Error("Expected error for unsupported sample rate")
	}
	if c.Constraints().SampleRate != 16000 {
		t.Errorf("Constraints must be unchanged after rejected patch, got %d", c.Constraints().SampleRate)
	}
}

func TestStopFlushesPartialChunk(t *testing.T) {
	var chunks []*ProcessedAudioChunk

	cfg := testConfig()
	cfg.ChunkDuration = 100 * time.Millisecond // 1600 samples, far more than one buffer

	c, source := newTestController(t, cfg)
	err := c.Initialize(Callbacks{
		OnChunk: func(ch *ProcessedAudioChunk) { chunks = append(chunks, ch) },
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)

	source.emit(speechBuffer())
	if len(chunks) != 0 {
		t.Fatalf("Expected no full chunk yet, got %d", len(chunks))
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(chunks) != 1 {
		t.Fatalf("Expected partial chunk flushed on stop, got %d", len(chunks))
	}
	if chunks[0].Samples != 160 {
		t.Errorf("Expected 160-sample partial chunk, got %d", chunks[0].Samples)
	}
}

func TestCurrentLevelAndFrequencyData(t *testing.T) {
	c, source := newTestController(t, testConfig())

	if c.FrequencyData() != nil {
		t.Error("Expected nil frequency data before initialization")
	}
	if c.CurrentLevel() != 0 {
		t.Error("Expected zero level before initialization")
	}

	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if c.FrequencyData() != nil {
		t.Error("Expected nil frequency data before the first buffer")
	}

	source.emit(speechBuffer())

	if c.CurrentLevel() <= 0 {
		t.Errorf("Expected positive level after speech buffer, got %f", c.CurrentLevel())
	}

	spectrum := c.FrequencyData()
	if len(spectrum) == 0 {
		t.Fatal("Expected frequency data after the first buffer")
	}

	// A 0.5 amplitude square wave concentrates energy at the Nyquist
	// bin, well above the DC bin.
	if spectrum[len(spectrum)-1] <= spectrum[0] {
		t.Errorf("Expected energy at Nyquist above DC: nyquist=%f dc=%f",
			spectrum[len(spectrum)-1], spectrum[0])
	}
}

func TestAutoGainSessionLiftsQuietInput(t *testing.T) {
	cfg := testConfig()
	cfg.Constraints.AutoGainControl = true

	c, source := newTestController(t, cfg)
	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)

	quiet := make([]float32, 160)
	for i := range quiet {
		if i%2 == 0 {
			quiet[i] = 0.1
		} else {
			quiet[i] = -0.1
		}
	}

	source.emit(quiet)
	first := c.CurrentLevel()

	// The gain releases toward the target level across buffers, so the
	// same quiet input reads progressively louder.
	for i := 0; i < 30; i++ {
		source.emit(quiet)
	}

	if c.CurrentLevel() <= first {
		t.Errorf("Expected level lifted by gain control: first %f, last %f",
			first, c.CurrentLevel())
	}
}

func TestEchoCancellationSession(t *testing.T) {
	cfg := testConfig()
	cfg.Constraints.EchoCancellation = true
	cfg.AECFilterLength = 64
	cfg.AECStepSize = 0.1

	c, source := newTestController(t, cfg)
	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)

	// Feed the playback reference, then capture its echo.
	echo := speechBuffer()
	c.FeedReference(echo)
	source.emit(echo)

	stats := c.GetStats()
	if stats.AEC == nil {
		t.Fatal("Expected AEC stats for an echo-cancelling session")
	}
	if stats.AEC.BuffersProcessed != 4 {
		t.Errorf("Expected 4 buffers through the canceller, got %d", stats.AEC.BuffersProcessed)
	}
}

func TestGetStats(t *testing.T) {
	c, source := newTestController(t, testConfig())
	if err := c.Initialize(Callbacks{}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	calibrate(c, source)
	source.emit(speechBuffer())

	stats := c.GetStats()
	if stats.State != "running" {
		t.Errorf("Expected state running, got %s", stats.State)
	}
	if !stats.Calibrated {
		t.Error("Expected calibrated session")
	}
	if stats.BuffersProcessed != 4 {
		t.Errorf("Expected 4 processed buffers, got %d", stats.BuffersProcessed)
	}
	if stats.ChunksEmitted != 1 {
		t.Errorf("Expected 1 emitted chunk, got %d", stats.ChunksEmitted)
	}
	if stats.VAD.TotalBuffers != 1 {
		t.Errorf("Expected 1 VAD-classified buffer, got %d", stats.VAD.TotalBuffers)
	}
	if stats.AEC != nil {
		t.Error("Expected no AEC stats when echo cancellation is disabled")
	}
}
