package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/bretmckee/game-scheduler-sub006/pkg/broker"
	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
	"github.com/bretmckee/game-scheduler-sub006/pkg/scheduler"
	"github.com/bretmckee/game-scheduler-sub006/pkg/store"
	"github.com/bretmckee/game-scheduler-sub006/pkg/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/scheduler", "scheduler")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "scheduler").Logger()

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to open database: ", err)
	}
	defer db.Close()
	repo := store.NewPostgresRepository(db)

	// The change channel wakes the loop when schedule rows change
	changes, err := store.NewChangeListener(cfg.Database.DSN, cfg.Database.NotifyChannel, logger)
	if err != nil {
		log.Fatal("Failed to start change listener: ", err)
	}
	defer changes.Close()

	// Initialize the message broker
	b, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		log.Fatal("Failed to initialize broker: ", err)
	}
	defer b.Close()

	daemon := scheduler.New(repo, b, changes, cfg.Scheduler, logger)

	// Run the daemon (blocks until the context is canceled)
	if err := daemon.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("scheduler daemon exited")
	}
}
