package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture service
type Metrics struct {
	// Capture buffer metrics
	BuffersProcessed prometheus.Counter
	BufferErrors     prometheus.Counter
	CurrentLevel     prometheus.Gauge
	ClippingEvents   prometheus.Counter

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	SessionDuration prometheus.Histogram

	// Calibration metrics
	CalibrationsCompleted prometheus.Counter
	NoiseFloor            prometheus.Gauge

	// VAD metrics
	VADBuffersProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter

	// Echo cancellation metrics
	AECBuffersProcessed prometheus.Counter
	AECLastERLE         prometheus.Gauge

	// Chunk metrics
	ChunksEmitted prometheus.Counter
	ChunkDuration prometheus.Histogram
	ChunkSize     prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on the given registerer
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture buffer metrics
		BuffersProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_buffers_processed_total",
			Help: "Total number of audio buffers processed",
		}),
		BufferErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_buffer_errors_total",
			Help: "Total number of buffers dropped due to processing errors",
		}),
		CurrentLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_current_level",
			Help: "RMS level of the most recent buffer",
		}),
		ClippingEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_clipping_events_total",
			Help: "Total number of buffers with clipped samples",
		}),

		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_sessions_stopped_total",
			Help: "Total number of capture sessions stopped",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Calibration metrics
		CalibrationsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_calibrations_completed_total",
			Help: "Total number of noise floor calibrations completed",
		}),
		NoiseFloor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_noise_floor",
			Help: "Calibrated noise floor of the current session",
		}),

		// VAD metrics
		VADBuffersProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_vad_buffers_processed_total",
			Help: "Total number of buffers classified by the voice activity detector",
		}),
		VADVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_vad_voice_detected_total",
			Help: "Total number of buffers classified as speech",
		}),

		// Echo cancellation metrics
		AECBuffersProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_aec_buffers_processed_total",
			Help: "Total number of buffers passed through the echo canceller",
		}),
		AECLastERLE: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_aec_erle_db",
			Help: "Echo return loss enhancement of the most recent buffer in dB",
		}),

		// Chunk metrics
		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_chunks_emitted_total",
			Help: "Total number of processed audio chunks emitted",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_chunk_duration_seconds",
			Help:    "Duration of emitted audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~25s
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_chunk_size_bytes",
			Help:    "Size of emitted audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordBufferProcessed records one processed buffer and its level
func (m *Metrics) RecordBufferProcessed(level float64, clipping bool) {
	m.BuffersProcessed.Inc()
	m.CurrentLevel.Set(level)
	if clipping {
		m.ClippingEvents.Inc()
	}
}

// RecordBufferError increments the buffer error counter
func (m *Metrics) RecordBufferError() {
	m.BufferErrors.Inc()
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionStopped increments the sessions stopped counter and records duration
func (m *Metrics) RecordSessionStopped(durationSeconds float64) {
	m.SessionsStopped.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordCalibrationCompleted records a completed calibration and its floor
func (m *Metrics) RecordCalibrationCompleted(noiseFloor float64) {
	m.CalibrationsCompleted.Inc()
	m.NoiseFloor.Set(noiseFloor)
}

// RecordVADBuffer increments VAD buffers processed and optionally voice detected
func (m *Metrics) RecordVADBuffer(hasVoice bool) {
	m.VADBuffersProcessed.Inc()
	if hasVoice {
		m.VADVoiceDetected.Inc()
	}
}

// RecordAECBuffer records one echo-cancelled buffer and its ERLE
func (m *Metrics) RecordAECBuffer(erleDB float64) {
	m.AECBuffersProcessed.Inc()
	m.AECLastERLE.Set(erleDB)
}

// RecordChunkEmitted records an emitted audio chunk
func (m *Metrics) RecordChunkEmitted(durationSeconds float64, sizeBytes int) {
	m.ChunksEmitted.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
