package models

import (
	"math"
	"time"

	"gorm.io/datatypes"
)

// Job statuses. completed and error are terminal: nothing flips a job back
// to running. The one sanctioned late transition is the stuck-job monitor
// forcing a stalled running job to error.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusError     = "error"
)

// SystemOwner marks jobs started by the scheduler rather than a user.
const SystemOwner = "system"

// SyncJob tracks one unit of background work. The component that owns the
// job upserts the full row as it progresses; polling clients read it by
// JobID. Rows are never deleted by the sync core.
type SyncJob struct {
	JobID         string         `gorm:"primaryKey" json:"jobId"`
	UserID        string         `gorm:"index" json:"userId"`
	Status        string         `gorm:"index" json:"status"`
	CurrentStep   int            `json:"currentStep"`
	TotalSteps    int            `json:"totalSteps"`
	Message       string         `json:"message"`
	CurrentSymbol string         `json:"currentSymbol,omitempty"`
	CurrentDate   string         `json:"currentDate,omitempty"`
	Result        datatypes.JSON `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Percent reports completion as a rounded percentage. A job that never
// declared its step count reports 0 regardless of CurrentStep.
func (j *SyncJob) Percent() int {
	if j.TotalSteps == 0 {
		return 0
	}
	return int(math.Round(float64(j.CurrentStep) / float64(j.TotalSteps) * 100))
}

// Terminal reports whether the job reached a final status.
func (j *SyncJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusError
}
