package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bretmckee/game-scheduler-sub006/pkg/bridge"
	"github.com/bretmckee/game-scheduler-sub006/pkg/broker"
	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
	"github.com/bretmckee/game-scheduler-sub006/pkg/event"
	"github.com/bretmckee/game-scheduler-sub006/pkg/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/bridge", "bridge")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "bridge").Logger()

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	// The bridge consumes the web-facing subset of broker events
	consumer, err := broker.NewConsumer(ctx, &cfg.Broker, cfg.Bridge.Queue, event.Topics())
	if err != nil {
		log.Fatal("Failed to initialize broker consumer: ", err)
	}
	defer consumer.Close()

	auth := bridge.NewHTTPAuthorizer(cfg.Bridge.AuthURL)
	b := bridge.New(cfg.Bridge, auth, logger)

	r := chi.NewRouter()
	r.Mount("/", b.Routes())

	srv := &http.Server{Addr: cfg.Bridge.ListenAddr, Handler: r}
	go func() {
		logger.Info().Str("addr", cfg.Bridge.ListenAddr).Msg("bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			cancel()
		}
	}()

	// Run the fan-out loop (blocks until the context is canceled)
	if err := b.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("bridge consume loop exited")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
}
