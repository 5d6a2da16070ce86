package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-pnl-tracker-go/internal/binance"
	"binance-pnl-tracker-go/internal/config"
	"binance-pnl-tracker-go/internal/database"
	"binance-pnl-tracker-go/internal/jobs"
	"binance-pnl-tracker-go/internal/logger"
	"binance-pnl-tracker-go/internal/sweeper"
	"binance-pnl-tracker-go/internal/syncer"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.Load("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Wire the sync core. The REST client only sees traffic when
	// scheduled syncs are enabled.
	restClient := binance.NewRestClient(&cfg.Binance, log)
	registry := jobs.NewRegistry(db, log)
	monitor := jobs.NewMonitor(db, time.Duration(cfg.Sync.StuckAfterMinutes)*time.Minute, log)
	ingestor := syncer.NewAccountIngestor(db, restClient, registry, log)
	deduper := syncer.NewDeduper(db, log)
	orchestrator := syncer.NewOrchestrator(db, registry, ingestor, deduper, &cfg.Sync, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	sweeper.New(&cfg.Sweeper, monitor, orchestrator, log).Run(ctx)

	log.Info("Sweeper has been shut down.")
}
