package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-pnl-tracker-go/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrJobNotFound is returned when a job identifier matches no stored job.
var ErrJobNotFound = errors.New("job not found")

// Registry persists job lifecycle state in the shared database so that
// progress survives process restarts and is visible to every server
// instance. Ownership checks are the caller's concern: compare
// SyncJob.UserID against the requester before exposing a job.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRegistry creates a Registry backed by db.
func NewRegistry(db *gorm.DB, logger *zap.Logger) *Registry {
	return &Registry{db: db, logger: logger.Named("jobs")}
}

// NewJobID produces an identifier for a fresh job. The tag names the job
// kind so identifiers group naturally in logs. Uniqueness rests on the
// millisecond timestamp plus a uuid fragment; a collision is treated as
// practically impossible rather than prevented.
func (r *Registry) NewJobID(tag string) string {
	return fmt.Sprintf("%s-%d-%s", tag, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// SetProgress upserts the full job row, stamping UpdatedAt with the current
// time so that staleness detection sees every write.
func (r *Registry) SetProgress(ctx context.Context, job *models.SyncJob) error {
	job.UpdatedAt = time.Now()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(job).Error
	if err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.JobID, err)
	}
	return nil
}

// GetProgress reads a job by identifier.
func (r *Registry) GetProgress(ctx context.Context, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	err := r.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	return &job, nil
}

// RunningByOwner lists an owner's jobs still marked running, oldest update
// first.
func (r *Registry) RunningByOwner(ctx context.Context, owner string) ([]models.SyncJob, error) {
	var running []models.SyncJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", owner, models.JobStatusRunning).
		Order("updated_at asc").
		Find(&running).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list running jobs for %s: %w", owner, err)
	}
	return running, nil
}

// RecordProgress updates the symbol/date trail of a running sync job while
// a fetch is in flight. It is best effort: a failed write must never
// interrupt the ingest, so errors are logged and swallowed.
func (r *Registry) RecordProgress(jobID, symbol string, day time.Time) {
	ctx := context.Background()
	job, err := r.GetProgress(ctx, jobID)
	if err != nil {
		r.logger.Warn("Cannot record fetch progress", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != models.JobStatusRunning {
		// A monitor or a manual cancel got there first; don't resurrect it.
		return
	}
	job.CurrentSymbol = symbol
	job.CurrentDate = day.Format("2006-01-02")
	job.Message = fmt.Sprintf("fetching %s %s", symbol, job.CurrentDate)
	if err := r.SetProgress(ctx, job); err != nil {
		r.logger.Warn("Cannot record fetch progress", zap.String("job_id", jobID), zap.Error(err))
	}
}
