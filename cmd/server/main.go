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
	"binance-pnl-tracker-go/internal/server"
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

	// Initialize Binance REST client. Connectivity is not fatal here:
	// reads and job management keep working without the exchange, and
	// every account sync reports its own failure.
	restClient := binance.NewRestClient(&cfg.Binance, log)
	if err := restClient.Ping(context.Background()); err != nil {
		log.Warn("Binance API unreachable, syncs will fail until it recovers", zap.Error(err))
	} else {
		log.Info("Successfully connected to Binance API.")
	}

	// Wire the sync core
	registry := jobs.NewRegistry(db, log)
	monitor := jobs.NewMonitor(db, time.Duration(cfg.Sync.StuckAfterMinutes)*time.Minute, log)
	ingestor := syncer.NewAccountIngestor(db, restClient, registry, log)
	deduper := syncer.NewDeduper(db, log)
	reconciler := syncer.NewReconciler(db, log)
	orchestrator := syncer.NewOrchestrator(db, registry, ingestor, deduper, &cfg.Sync, log)

	apiServer := server.New(&cfg, db, registry, monitor, orchestrator, deduper, reconciler, log)
	apiServer.Start()

	// Block until a shutdown signal arrives
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server cleanly", zap.Error(err))
	}

	log.Info("Server has been shut down.")
}
