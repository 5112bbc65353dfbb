package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/memoir/internal/api"
	"github.com/lexiqai/memoir/internal/capture"
	"github.com/lexiqai/memoir/internal/config"
	"github.com/lexiqai/memoir/internal/kv"
	"github.com/lexiqai/memoir/internal/media"
	"github.com/lexiqai/memoir/internal/observability"
	"github.com/lexiqai/memoir/internal/prompts"
	"github.com/lexiqai/memoir/internal/resilience"
	"github.com/lexiqai/memoir/internal/session"
	"github.com/lexiqai/memoir/internal/story"
	"github.com/lexiqai/memoir/internal/stt"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	capSeconds, _ := cfg.CapSeconds(cfg.Plan)
	logger.Info().
		Str("port", cfg.Port).
		Str("plan", cfg.Plan).
		Int("cap_seconds", capSeconds).
		Str("capture_source", cfg.CaptureSource).
		Bool("transcription_enabled", cfg.TranscriptionEnabled()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Memoir recorder starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Story library
	db, err := kv.Open(ctx, cfg.StorePath, &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("Failed to open story database")
	}
	stories, err := story.Open(ctx, db, cfg.StoreKey, observability.WithComponent("story_store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load story library")
	}

	promptSet, err := prompts.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load prompts")
	}
	blobs := media.NewRegistry()

	// Capture device
	var device capture.Device
	var mic *capture.MicHub
	switch cfg.CaptureSource {
	case config.CaptureFile:
		device = capture.NewFileDevice(cfg.CaptureFile, cfg.CaptureChunkBytes, cfg.ChunkInterval(), cfg.CaptureBuffer,
			observability.WithComponent("capture"))
	default:
		mic = capture.NewMicHub(cfg.CaptureBuffer, observability.WithComponent("capture"))
		device = mic
	}

	// Streaming recognizer; left nil so sessions record without transcription
	var recognizer stt.Recognizer
	var deepgram *stt.DeepgramRecognizer
	if cfg.TranscriptionEnabled() {
		deepgram = stt.NewDeepgramRecognizer(cfg, observability.WithComponent("stt"))
		recognizer = deepgram
	} else {
		logger.Warn().Msg("DEEPGRAM_API_KEY not set, transcription unavailable")
	}

	controller, err := session.New(session.Options{
		Device:            device,
		Recognizer:        recognizer,
		Stories:           stories,
		Media:             blobs,
		Prompts:           promptSet,
		AudioMIME:         cfg.AudioMIME,
		DefaultLocale:     cfg.DefaultLocale,
		DefaultCapSeconds: capSeconds,
		ReleaseTimeout:    cfg.StopReleaseTimeout(),
		Logger:            observability.WithComponent("session"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session controller")
	}
	go controller.Run(ctx)

	// Create HTTP server
	mux := http.NewServeMux()

	var micHandler http.Handler
	if mic != nil {
		micHandler = mic
	}
	api.New(api.Deps{
		Controller:    controller,
		Stories:       stories,
		Media:         blobs,
		Prompts:       promptSet,
		Mic:           micHandler,
		CapSeconds:    capSeconds,
		DefaultLocale: cfg.DefaultLocale,
		Logger:        observability.WithComponent("api"),
	}).Register(mux)

	// Health check endpoint
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())

	checks := []observability.HealthCheck{{Name: "store", Check: db.Ping}}
	if deepgram != nil {
		checks = append(checks, observability.HealthCheck{Name: "recognizer", Optional: true, Check: deepgram.Healthy})
	}
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	var grpcHealth *observability.GRPCHealth
	if cfg.GRPCHealthPort != "" {
		grpcHealth = observability.NewGRPCHealth(checks, 0, observability.WithComponent("grpc_health"))
		go func() {
			if err := grpcHealth.Serve(":" + cfg.GRPCHealthPort); err != nil {
				logger.Error().Err(err).Msg("gRPC health service stopped")
			}
		}()
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("events", fmt.Sprintf("ws://localhost:%s/events", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Release the microphone before the library closes
	controller.Close()
	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	cancel()
	if err := stories.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close story library")
	}
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close story database")
	}

	logger.Info().Msg("Server exited gracefully")
}
