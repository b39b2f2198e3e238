package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicelayer/mic-capture-service/internal/capture"
	"github.com/voicelayer/mic-capture-service/internal/config"
	"github.com/voicelayer/mic-capture-service/internal/dsp"
	"github.com/voicelayer/mic-capture-service/internal/metrics"
	"github.com/voicelayer/mic-capture-service/internal/pipeline"
	"github.com/voicelayer/mic-capture-service/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "mic-capture-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Load .env before reading any environment variables
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	if *configPath == defaultConfigPath {
		if envPath := os.Getenv("CAPTURE_CONFIG"); envPath != "" {
			*configPath = envPath
		}
	}

	// Load configuration; the built-in defaults apply when the default
	// config file is absent.
	var cfg *config.Config
	if _, err := os.Stat(*configPath); os.IsNotExist(err) && *configPath == defaultConfigPath {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Int("channels", cfg.Capture.Channels),
		slog.Bool("echo_cancellation", cfg.Capture.EchoCancellation),
		slog.Bool("noise_suppression", cfg.Capture.NoiseSuppression),
		slog.Float64("vad_threshold", float64(cfg.Pipeline.VADThreshold)),
		slog.Int("calibration_buffers", cfg.Pipeline.CalibrationBuffers),
		slog.Float64("chunk_duration", cfg.Pipeline.ChunkDuration),
		slog.Bool("spool_enabled", cfg.Spool.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Open the capture backend
	source, err := capture.NewDeviceSource(logger)
	if err != nil {
		logger.Error("Failed to initialize capture backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Error("Error closing capture device", slog.String("error", err.Error()))
		}
	}()

	// Build the pipeline controller
	controller := pipeline.NewController(logger, appMetrics, source, pipeline.Config{
		Constraints: pipeline.CaptureConstraints{
			SampleRate:       cfg.Capture.SampleRate,
			Channels:         cfg.Capture.Channels,
			EchoCancellation: cfg.Capture.EchoCancellation,
			NoiseSuppression: cfg.Capture.NoiseSuppression,
			AutoGainControl:  cfg.Capture.AutoGainControl,
		},
		VADThreshold:       cfg.Pipeline.VADThreshold,
		CalibrationBuffers: cfg.Pipeline.CalibrationBuffers,
		ChunkDuration:      cfg.Pipeline.GetChunkDuration(),
		AECFilterLength:    cfg.AEC.FilterLength,
		AECStepSize:        cfg.AEC.StepSize,
	})

	consumer := newChunkConsumer(logger, cfg.Spool)

	err = controller.Initialize(pipeline.Callbacks{
		OnChunk: consumer.consume,
		OnMetrics: func(m dsp.Metrics) {
			if m.Clipping {
				logger.Warn("Input clipping detected",
					slog.Float64("level", float64(m.Level)),
					slog.Float64("peak", float64(m.PeakLevel)),
				)
			}
		},
		OnError: func(err error) {
			logger.Warn("Recoverable pipeline error", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		logger.Error("Failed to initialize pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, controller, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start capture
	if err := controller.Start(); err != nil {
		logger.Error("Failed to start capture", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, capturing audio...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop capture and flush the pending chunk
	if err := controller.Stop(); err != nil {
		logger.Error("Error stopping capture", slog.String("error", err.Error()))
	}

	stats := controller.GetStats()
	logger.Info("Final pipeline statistics",
		slog.Uint64("buffers_processed", stats.BuffersProcessed),
		slog.Uint64("buffer_errors", stats.BufferErrors),
		slog.Uint64("chunks_emitted", stats.ChunksEmitted),
		slog.Uint64("chunks_discarded", stats.ChunksDiscarded),
		slog.Float64("noise_floor", float64(stats.NoiseFloor)),
	)

	logger.Info("Service stopped")
}

// chunkConsumer logs emitted chunks and optionally spools them to disk
// as WAV files.
type chunkConsumer struct {
	logger *slog.Logger
	spool  config.SpoolConfig
}

func newChunkConsumer(logger *slog.Logger, spool config.SpoolConfig) *chunkConsumer {
	if spool.Enabled {
		if err := os.MkdirAll(spool.Directory, 0o755); err != nil {
			logger.Error("Failed to create spool directory, spooling disabled",
				slog.String("directory", spool.Directory),
				slog.String("error", err.Error()),
			)
			spool.Enabled = false
		}
	}
	return &chunkConsumer{logger: logger, spool: spool}
}

func (c *chunkConsumer) consume(chunk *pipeline.ProcessedAudioChunk) {
	c.logger.Debug("Audio chunk emitted",
		slog.Uint64("sequence", chunk.Sequence),
		slog.Int("samples", chunk.Samples),
		slog.Float64("duration", chunk.Duration.Seconds()),
		slog.Bool("has_voice", chunk.HasVoice),
		slog.Int("size_bytes", len(chunk.Data)),
	)

	if !c.spool.Enabled {
		return
	}

	path := filepath.Join(c.spool.Directory, fmt.Sprintf("chunk_%06d.wav", chunk.Sequence))
	if err := os.WriteFile(path, chunk.Data, 0o644); err != nil {
		c.logger.Error("Failed to spool chunk",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
