// Package sweeper is the maintenance daemon: it periodically force-fails
// jobs stalled in the running state and, when enabled, kicks off an
// all-account sync on a schedule.
package sweeper

import (
	"context"
	"time"

	"binance-pnl-tracker-go/internal/config"
	"binance-pnl-tracker-go/internal/jobs"
	"binance-pnl-tracker-go/internal/syncer"
	"go.uber.org/zap"
)

// Sweeper runs the periodic maintenance loop.
type Sweeper struct {
	scanInterval time.Duration
	syncInterval time.Duration
	syncEnabled  bool
	monitor      *jobs.Monitor
	orchestrator *syncer.Orchestrator
	logger       *zap.Logger
}

// New creates a Sweeper. Non-positive intervals fall back to 10 minutes
// for the scan and 6 hours for the scheduled sync.
func New(cfg *config.Sweeper, monitor *jobs.Monitor, orchestrator *syncer.Orchestrator, logger *zap.Logger) *Sweeper {
	scan := time.Duration(cfg.ScanIntervalMinutes) * time.Minute
	if scan <= 0 {
		scan = 10 * time.Minute
	}
	sync := time.Duration(cfg.SyncIntervalMinutes) * time.Minute
	if sync <= 0 {
		sync = 6 * time.Hour
	}
	return &Sweeper{
		scanInterval: scan,
		syncInterval: sync,
		syncEnabled:  cfg.SyncEnabled,
		monitor:      monitor,
		orchestrator: orchestrator,
		logger:       logger.Named("sweeper"),
	}
}

// Run starts the maintenance loop and blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting sweeper loop",
		zap.Duration("scan_interval", s.scanInterval),
		zap.Duration("sync_interval", s.syncInterval),
		zap.Bool("sync_enabled", s.syncEnabled))

	// A restarted deployment may have orphaned running jobs; sweep right
	// away instead of waiting out the first tick.
	s.sweep(ctx)

	scanTicker := time.NewTicker(s.scanInterval)
	defer scanTicker.Stop()
	syncTicker := time.NewTicker(s.syncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sweeper...")
			return
		case <-scanTicker.C:
			s.sweep(ctx)
		case <-syncTicker.C:
			s.syncAll(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	flipped, err := s.monitor.SweepStalled(ctx)
	if err != nil {
		s.logger.Error("Stuck-job sweep failed", zap.Error(err))
		return
	}
	if flipped > 0 {
		s.logger.Info("Swept stalled jobs", zap.Int64("failed", flipped))
	}
}

func (s *Sweeper) syncAll(ctx context.Context) {
	if !s.syncEnabled {
		return
	}
	jobID, err := s.orchestrator.StartSync(ctx, "", "", syncer.SyncRequest{})
	if err != nil {
		s.logger.Error("Scheduled sync failed to start", zap.Error(err))
		return
	}
	if jobID == "" {
		s.logger.Info("Scheduled sync skipped, no accounts")
		return
	}
	s.logger.Info("Scheduled sync started", zap.String("job_id", jobID))
}
