package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/cress/adapters/device"
	"github.com/satriahrh/cress/adapters/llm"
	"github.com/satriahrh/cress/internal/api"
	"github.com/satriahrh/cress/internal/audio"
	"github.com/satriahrh/cress/internal/auth"
	"github.com/satriahrh/cress/internal/config"
	"github.com/satriahrh/cress/internal/metrics"
	"github.com/satriahrh/cress/internal/voice"
	"github.com/satriahrh/cress/internal/websocket"
	"github.com/satriahrh/cress/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.APIKey == "" {
		logger.Warn("GEMINI_API_KEY is not set; chat and voice will report a missing key")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	// Initialize audio devices
	mic, speaker, closeDevices, err := openDevices(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDevices()

	// Initialize adapters
	chatModel := llm.NewGeminiChatModel(llm.GeminiConfig{
		APIKey: cfg.APIKey,
		Model:  cfg.ChatModel,
	}, logger)
	live := llm.NewGeminiLive(llm.GeminiLiveConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.LiveURL,
	}, logger)

	controller := voice.NewController(mic, speaker, live, voice.Config{
		Live:           llm.NewVoiceLiveConfig(cfg.LiveModel, cfg.LiveVoice),
		BlockSize:      cfg.CaptureBlockSize,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger, m)
	defer controller.Close()

	// Initialize usecase services
	chatService := usecase.NewChatService(ctx, chatModel, logger, m)
	conversationService := usecase.NewConversationService(controller, chatService, logger)

	// Initialize WebSocket hub
	watchdog := websocket.NewIdleWatchdog(controller, cfg.IdleDisconnect, logger)
	defer watchdog.Stop()
	hub := websocket.NewHub(controller, chatService, conversationService, watchdog, logger, m)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:      hub,
		Voice:    controller,
		Chat:     chatService,
		Modes:    conversationService,
		Issuer:   auth.NewIssuer(cfg.JWTSecret),
		Gatherer: registry,
		Metrics:  m,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Server started",
			zap.String("port", cfg.Port),
			zap.String("audioBackend", cfg.AudioBackend),
			zap.Bool("auth", cfg.AuthEnabled()))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openDevices picks the audio backend. The memory backend feeds silence so a
// headless host can still hold a call.
func openDevices(cfg *config.Config, logger *zap.Logger) (audio.Microphone, audio.Speaker, func(), error) {
	if cfg.AudioBackend == config.AudioBackendMemory {
		mic := device.NewMemoryMicrophone()
		mic.Silence = true
		return mic, device.NewMemorySpeaker(), func() {}, nil
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := portaudio.Terminate(); err != nil {
			logger.Warn("Failed to terminate portaudio", zap.Error(err))
		}
	}
	return device.NewPortAudioMicrophone(logger), device.NewBeepSpeaker(0, logger), closeFn, nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}
