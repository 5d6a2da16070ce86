package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-pnl-tracker-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CanceledMessage is written into a job force-failed by Cancel.
const CanceledMessage = "manually canceled"

// Monitor finds jobs stalled in the running state and force-fails them.
// Background tasks have no cancellation channel, so rewriting the recorded
// status is the only lever; it is advisory and does not stop in-flight
// exchange calls. The owning task's eventual terminal write yields to the
// forced status (see Orchestrator's terminal-write guard).
type Monitor struct {
	db        *gorm.DB
	threshold time.Duration
	logger    *zap.Logger
}

// NewMonitor creates a Monitor. A non-positive threshold falls back to 30
// minutes.
func NewMonitor(db *gorm.DB, threshold time.Duration, logger *zap.Logger) *Monitor {
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return &Monitor{db: db, threshold: threshold, logger: logger.Named("job-monitor")}
}

// StuckMessage is the standard error text written into a force-failed job.
func (m *Monitor) StuckMessage() string {
	return fmt.Sprintf("stuck - timeout after %d minutes without update", int(m.threshold.Minutes()))
}

// Scan returns an owner's running jobs. In all mode the list is returned
// untouched. Otherwise only jobs whose last update is older than the
// staleness threshold are returned, and each of those is flipped to error
// inside one transaction before the call returns; the returned rows carry
// the pre-flip state.
func (m *Monitor) Scan(ctx context.Context, owner string, all bool) ([]models.SyncJob, int64, error) {
	var stalled []models.SyncJob
	var flipped int64

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running []models.SyncJob
		err := tx.Where("user_id = ? AND status = ?", owner, models.JobStatusRunning).
			Order("updated_at asc").
			Find(&running).Error
		if err != nil {
			return err
		}
		if all {
			stalled = running
			return nil
		}
		stalled, flipped, err = m.flipStalled(tx, running)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("stuck-job scan for %s failed: %w", owner, err)
	}

	if flipped > 0 {
		m.logger.Warn("Force-failed stalled jobs",
			zap.String("owner", owner),
			zap.Int64("count", flipped))
	}
	return stalled, flipped, nil
}

// SweepStalled force-fails stalled running jobs across all owners. This is
// the periodic variant used by the sweeper daemon.
func (m *Monitor) SweepStalled(ctx context.Context) (int64, error) {
	var flipped int64

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running []models.SyncJob
		err := tx.Where("status = ?", models.JobStatusRunning).
			Order("updated_at asc").
			Find(&running).Error
		if err != nil {
			return err
		}
		_, flipped, err = m.flipStalled(tx, running)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("stuck-job sweep failed: %w", err)
	}

	if flipped > 0 {
		m.logger.Warn("Force-failed stalled jobs", zap.Int64("count", flipped))
	}
	return flipped, nil
}

// flipStalled marks every stalled job in running as errored. The status
// predicate in the UPDATE keeps a concurrent terminal write from being
// clobbered between the read and the flip.
func (m *Monitor) flipStalled(tx *gorm.DB, running []models.SyncJob) ([]models.SyncJob, int64, error) {
	cutoff := time.Now().Add(-m.threshold)
	msg := m.StuckMessage()

	var stalled []models.SyncJob
	var flipped int64
	for _, job := range running {
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		stalled = append(stalled, job)

		res := tx.Model(&models.SyncJob{}).
			Where("job_id = ? AND status = ?", job.JobID, models.JobStatusRunning).
			Updates(map[string]interface{}{
				"status":     models.JobStatusError,
				"error":      msg,
				"message":    msg,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return nil, 0, res.Error
		}
		flipped += res.RowsAffected
	}
	return stalled, flipped, nil
}

// Cancel force-fails a job owned by owner regardless of its current status
// or age. Unknown jobs and jobs owned by someone else are both reported as
// not found. The returned row carries the post-cancel state.
func (m *Monitor) Cancel(ctx context.Context, owner, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	err := m.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if job.UserID != owner {
		return nil, ErrJobNotFound
	}

	job.Status = models.JobStatusError
	job.Error = CanceledMessage
	job.Message = CanceledMessage
	job.UpdatedAt = time.Now()
	if err := m.db.WithContext(ctx).Save(&job).Error; err != nil {
		return nil, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	m.logger.Info("Job canceled", zap.String("job_id", jobID), zap.String("owner", owner))
	return &job, nil
}
