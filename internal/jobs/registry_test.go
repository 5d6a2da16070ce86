package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"binance-pnl-tracker-go/internal/database"
	"binance-pnl-tracker-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestDB opens a throwaway sqlite database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return db
}

func TestNewJobID(t *testing.T) {
	r := NewRegistry(newTestDB(t), zap.NewNop())

	a := r.NewJobID("sync")
	b := r.NewJobID("sync")

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "sync-")
}

func TestSetAndGetProgress(t *testing.T) {
	r := NewRegistry(newTestDB(t), zap.NewNop())
	ctx := context.Background()

	job := &models.SyncJob{
		JobID:       "sync-u1-1",
		UserID:      "u1",
		Status:      models.JobStatusRunning,
		CurrentStep: 0,
		TotalSteps:  3,
		Message:     "starting",
	}
	require.NoError(t, r.SetProgress(ctx, job))

	got, err := r.GetProgress(ctx, "sync-u1-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 3, got.TotalSteps)
	firstUpdate := got.UpdatedAt

	// Upserting the same job id replaces the row and advances UpdatedAt.
	time.Sleep(10 * time.Millisecond)
	job.CurrentStep = 2
	job.Message = "almost there"
	require.NoError(t, r.SetProgress(ctx, job))

	got, err = r.GetProgress(ctx, "sync-u1-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, "almost there", got.Message)
	assert.True(t, got.UpdatedAt.After(firstUpdate))
}

func TestGetProgressNotFound(t *testing.T) {
	r := NewRegistry(newTestDB(t), zap.NewNop())

	_, err := r.GetProgress(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunningByOwner(t *testing.T) {
	db := newTestDB(t)
	r := NewRegistry(db, zap.NewNop())
	ctx := context.Background()

	seed := []*models.SyncJob{
		{JobID: "a", UserID: "u1", Status: models.JobStatusRunning},
		{JobID: "b", UserID: "u1", Status: models.JobStatusCompleted},
		{JobID: "c", UserID: "u2", Status: models.JobStatusRunning},
	}
	for _, j := range seed {
		require.NoError(t, r.SetProgress(ctx, j))
	}

	running, err := r.RunningByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].JobID)
}

func TestRecordProgress(t *testing.T) {
	r := NewRegistry(newTestDB(t), zap.NewNop())
	ctx := context.Background()
	day := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.SetProgress(ctx, &models.SyncJob{
		JobID: "j1", UserID: "u1", Status: models.JobStatusRunning,
	}))
	r.RecordProgress("j1", "BTCUSDT", day)

	got, err := r.GetProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.CurrentSymbol)
	assert.Equal(t, "2024-05-02", got.CurrentDate)
	assert.Contains(t, got.Message, "BTCUSDT")

	// Terminal jobs are left alone: the trail must not resurrect them.
	require.NoError(t, r.SetProgress(ctx, &models.SyncJob{
		JobID: "j2", UserID: "u1", Status: models.JobStatusError, Error: "boom",
	}))
	r.RecordProgress("j2", "ETHUSDT", day)

	got, err = r.GetProgress(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Empty(t, got.CurrentSymbol)
}
