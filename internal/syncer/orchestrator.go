package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"binance-pnl-tracker-go/internal/config"
	"binance-pnl-tracker-go/internal/jobs"
	"binance-pnl-tracker-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// defaultSymbols is the starter set used when neither the request nor the
// configuration names any symbols.
var defaultSymbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"}

// SyncRequest carries the caller's parameters for one sync run.
type SyncRequest struct {
	StartDate string   `json:"startDate,omitempty"` // "2006-01-02"
	EndDate   string   `json:"endDate,omitempty"`   // "2006-01-02", inclusive
	Symbols   []string `json:"symbols,omitempty"`
}

// AccountResult is one account's slice of a sync job's outcome.
type AccountResult struct {
	AccountID uint   `json:"accountId"`
	Name      string `json:"name"`
	Inserted  int64  `json:"inserted"`
	Updated   int64  `json:"updated"`
	Error     string `json:"error,omitempty"`
}

// SyncResult is the aggregate payload written into a finished job. Dedup
// jobs reuse it with Updated carrying the deleted row count.
type SyncResult struct {
	Inserted int64           `json:"inserted"`
	Updated  int64           `json:"updated"`
	Accounts []AccountResult `json:"accounts,omitempty"`
}

// Orchestrator owns the background half of every sync and dedup request.
// It creates the job row, answers the caller immediately with the job id,
// and drives the job through its lifecycle from a detached goroutine that
// nothing ever joins. The job row is the only channel back to the client.
type Orchestrator struct {
	db       *gorm.DB
	registry *jobs.Registry
	ingestor Ingestor
	deduper  *Deduper
	cfg      *config.Sync
	logger   *zap.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(db *gorm.DB, registry *jobs.Registry, ingestor Ingestor, deduper *Deduper, cfg *config.Sync, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		registry: registry,
		ingestor: ingestor,
		deduper:  deduper,
		cfg:      cfg,
		logger:   logger.Named("sync"),
	}
}

// StartSync resolves the target accounts and fires the background sync.
// An empty owner means a scheduled system run over every account in the
// store. The returned job id is empty when no accounts match: a run that
// would do nothing creates no job.
func (o *Orchestrator) StartSync(ctx context.Context, owner, authHeader string, req SyncRequest) (string, error) {
	start, end, err := o.resolveWindow(req)
	if err != nil {
		return "", err
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = o.cfg.DefaultSymbols
	}
	if len(symbols) == 0 {
		symbols = defaultSymbols
	}

	ownerTag := owner
	q := o.db.WithContext(ctx)
	if owner == "" {
		ownerTag = models.SystemOwner
	} else {
		q = q.Where("user_id = ?", owner)
	}
	var accounts []models.Account
	if err := q.Find(&accounts).Error; err != nil {
		return "", fmt.Errorf("could not resolve accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", nil
	}

	jobID := o.registry.NewJobID("sync")
	job := &models.SyncJob{
		JobID:      jobID,
		UserID:     ownerTag,
		Status:     models.JobStatusRunning,
		TotalSteps: len(accounts),
		Message:    fmt.Sprintf("sync started for %d accounts", len(accounts)),
	}
	if err := o.registry.SetProgress(ctx, job); err != nil {
		return "", err
	}

	o.logger.Info("Sync job started",
		zap.String("job_id", jobID),
		zap.String("owner", ownerTag),
		zap.Int("accounts", len(accounts)),
		zap.Time("start", start),
		zap.Time("end", end))

	go o.runSync(jobID, ownerTag, accounts, start, end, symbols, authHeader)
	return jobID, nil
}

// runSync is the detached background task for one sync job. Accounts are
// processed strictly one after another; parallel crawls would multiply
// exchange rate-limit exposure for no deterministic gain.
func (o *Orchestrator) runSync(jobID, owner string, accounts []models.Account, start, end time.Time, symbols []string, authHeader string) {
	// The request context died with the HTTP response; background work
	// gets its own.
	ctx := context.Background()
	log := o.logger.With(zap.String("job_id", jobID), zap.String("owner", owner))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Sync job panicked", zap.Any("panic", r))
			o.failJob(ctx, jobID, fmt.Sprintf("sync job panicked: %v", r))
		}
	}()

	result := SyncResult{Accounts: make([]AccountResult, 0, len(accounts))}
	for i := range accounts {
		account := &accounts[i]
		res, err := o.ingestor.IngestAccount(ctx, account, start, end, symbols, authHeader, jobID)

		entry := AccountResult{
			AccountID: account.ID,
			Name:      account.Name,
			Inserted:  res.Inserted,
			Updated:   res.Updated,
		}
		if err != nil {
			// One failing account must not sink the rest of the batch.
			log.Error("Account sync failed", zap.Uint("account_id", account.ID), zap.Error(err))
			entry.Inserted = 0
			entry.Updated = 0
			entry.Error = err.Error()
		} else {
			result.Inserted += res.Inserted
			result.Updated += res.Updated
		}
		result.Accounts = append(result.Accounts, entry)

		o.stepJob(ctx, jobID, i+1, fmt.Sprintf("synced %d/%d accounts", i+1, len(accounts)))
	}

	payload, err := json.Marshal(result)
	if err != nil {
		o.failJob(ctx, jobID, fmt.Sprintf("could not encode result: %v", err))
		return
	}
	msg := fmt.Sprintf("sync finished: %d inserted, %d updated across %d accounts",
		result.Inserted, result.Updated, len(result.Accounts))
	o.completeJob(ctx, jobID, msg, payload)
	log.Info("Sync job finished",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("updated", result.Updated))
}

// StartDedup validates the filter, then fires the background dedup job.
// Validation failures are rejected before any job exists.
func (o *Orchestrator) StartDedup(ctx context.Context, owner string, f TradeFilter) (string, error) {
	if _, _, err := f.Window(); err != nil {
		return "", err
	}

	jobID := o.registry.NewJobID("dedup")
	job := &models.SyncJob{
		JobID:      jobID,
		UserID:     owner,
		Status:     models.JobStatusRunning,
		TotalSteps: 2,
		Message:    "dedup started",
	}
	if err := o.registry.SetProgress(ctx, job); err != nil {
		return "", err
	}

	o.logger.Info("Dedup job started", zap.String("job_id", jobID), zap.String("owner", owner))
	go o.runDedup(jobID, owner, f)
	return jobID, nil
}

// runDedup executes the two dedup passes from a detached goroutine with a
// discrete progress step after each.
func (o *Orchestrator) runDedup(jobID, owner string, f TradeFilter) {
	ctx := context.Background()
	log := o.logger.With(zap.String("job_id", jobID), zap.String("owner", owner))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Dedup job panicked", zap.Any("panic", r))
			o.failJob(ctx, jobID, fmt.Sprintf("dedup job panicked: %v", r))
		}
	}()

	byID, err := o.deduper.DedupByTradeID(ctx, owner, f)
	if err != nil {
		log.Error("Exchange-id pass failed", zap.Error(err))
		o.failJob(ctx, jobID, err.Error())
		return
	}
	o.stepJob(ctx, jobID, 1, fmt.Sprintf("removed %d exchange-id duplicates", byID))

	byKey, err := o.deduper.DedupBySyntheticKey(ctx, owner, f)
	if err != nil {
		log.Error("Synthetic-key pass failed", zap.Error(err))
		o.failJob(ctx, jobID, err.Error())
		return
	}

	total := byID + byKey
	payload, err := json.Marshal(SyncResult{Updated: total})
	if err != nil {
		o.failJob(ctx, jobID, fmt.Sprintf("could not encode result: %v", err))
		return
	}
	o.completeJob(ctx, jobID, fmt.Sprintf("dedup finished: %d duplicates removed", total), payload)
	log.Info("Dedup job finished", zap.Int64("deleted", total))
}

// resolveWindow parses the requested dates, defaulting to the trailing
// configured window ending now. EndDate is inclusive.
func (o *Orchestrator) resolveWindow(req SyncRequest) (time.Time, time.Time, error) {
	days := o.cfg.WindowDays
	if days <= 0 {
		days = 7
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	if req.StartDate != "" {
		t, err := parseDay(req.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: bad startDate %q", ErrValidation, req.StartDate)
		}
		start = t
	}
	if req.EndDate != "" {
		t, err := parseDay(req.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: bad endDate %q", ErrValidation, req.EndDate)
		}
		end = t.AddDate(0, 0, 1)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: endDate before startDate", ErrValidation)
	}
	return start, end, nil
}

// stepJob advances the progress counter of a still-running job. Best
// effort: a lost progress write must not interrupt the work itself.
func (o *Orchestrator) stepJob(ctx context.Context, jobID string, step int, msg string) {
	job, err := o.registry.GetProgress(ctx, jobID)
	if err != nil || job.Status != models.JobStatusRunning {
		return
	}
	job.CurrentStep = step
	job.Message = msg
	if err := o.registry.SetProgress(ctx, job); err != nil {
		o.logger.Warn("Cannot record job progress", zap.String("job_id", jobID), zap.Error(err))
	}
}

// completeJob writes the terminal completed state with the result payload.
func (o *Orchestrator) completeJob(ctx context.Context, jobID, msg string, payload []byte) {
	o.writeTerminal(ctx, jobID, func(job *models.SyncJob) {
		job.Status = models.JobStatusCompleted
		job.CurrentStep = job.TotalSteps
		job.Message = msg
		job.Result = datatypes.JSON(payload)
	})
}

// failJob writes the terminal error state.
func (o *Orchestrator) failJob(ctx context.Context, jobID, errText string) {
	o.writeTerminal(ctx, jobID, func(job *models.SyncJob) {
		job.Status = models.JobStatusError
		job.Message = errText
		job.Error = errText
	})
}

// writeTerminal applies a terminal mutation unless something else already
// ended the job. A stuck-job force-fail or a manual cancel that lands
// while the task is still running wins; overwriting it would resurrect a
// job its owner was already told is dead.
func (o *Orchestrator) writeTerminal(ctx context.Context, jobID string, mutate func(*models.SyncJob)) {
	job, err := o.registry.GetProgress(ctx, jobID)
	if err != nil {
		o.logger.Error("Cannot finalize job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Terminal() {
		o.logger.Warn("Job already ended elsewhere, dropping terminal write",
			zap.String("job_id", jobID), zap.String("status", job.Status))
		return
	}
	mutate(job)
	if err := o.registry.SetProgress(ctx, job); err != nil {
		o.logger.Error("Cannot finalize job", zap.String("job_id", jobID), zap.Error(err))
	}
}
