package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"binance-pnl-tracker-go/internal/models"
	"binance-pnl-tracker-go/internal/syncer"
	"go.uber.org/zap"
)

// jobStartedResponse answers the fire-and-poll endpoints. The caller gets
// the job id back immediately and follows progress on the poll endpoint.
type jobStartedResponse struct {
	OK        bool   `json:"ok"`
	JobID     string `json:"jobId"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// jobResponse is the poll payload for a single job.
type jobResponse struct {
	JobID         string          `json:"jobId"`
	Status        string          `json:"status"`
	Percent       int             `json:"percent"`
	CurrentStep   int             `json:"currentStep"`
	TotalSteps    int             `json:"totalSteps"`
	CurrentSymbol string          `json:"currentSymbol,omitempty"`
	CurrentDate   string          `json:"currentDate,omitempty"`
	Message       string          `json:"message"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func toJobResponse(job *models.SyncJob) jobResponse {
	return jobResponse{
		JobID:         job.JobID,
		Status:        job.Status,
		Percent:       job.Percent(),
		CurrentStep:   job.CurrentStep,
		TotalSteps:    job.TotalSteps,
		CurrentSymbol: job.CurrentSymbol,
		CurrentDate:   job.CurrentDate,
		Message:       job.Message,
		Result:        json.RawMessage(job.Result),
		Error:         job.Error,
	}
}

// handleStartSync fires a background trade sync and returns the job id
// without waiting for the crawl. A scheduled call (cron secret instead of
// a user header) syncs every account in the store.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req syncer.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	syncOwner := owner
	if owner == models.SystemOwner {
		syncOwner = ""
	}
	jobID, err := s.orchestrator.StartSync(r.Context(), syncOwner, r.Header.Get("Authorization"), req)
	if err != nil {
		s.failErr(w, err)
		return
	}

	resp := jobStartedResponse{OK: true, JobID: jobID, Timestamp: time.Now().UnixMilli()}
	if jobID == "" {
		resp.Message = "no accounts to sync"
	}
	s.respond(w, http.StatusOK, resp)
}

// handleGetJob is the poll endpoint. Jobs are private: polling someone
// else's job is forbidden, polling an unknown id is not found.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	job, err := s.registry.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.failErr(w, err)
		return
	}
	if job.UserID != owner {
		s.fail(w, http.StatusForbidden, "job belongs to another user")
		return
	}
	s.respond(w, http.StatusOK, toJobResponse(job))
}

type scanResponse struct {
	OK     bool          `json:"ok"`
	Jobs   []jobResponse `json:"jobs"`
	Failed int64         `json:"failed"`
}

// handleScanJobs lists the caller's running jobs. Without all=true the
// scan also force-fails any job stalled past the staleness threshold and
// returns just those.
func (s *Server) handleScanJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	jobs, failed, err := s.monitor.Scan(r.Context(), owner, all)
	if err != nil {
		s.failErr(w, err)
		return
	}

	resp := scanResponse{OK: true, Jobs: make([]jobResponse, 0, len(jobs)), Failed: failed}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(&jobs[i]))
	}
	s.respond(w, http.StatusOK, resp)
}

type cancelResponse struct {
	OK     bool   `json:"ok"`
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// handleCancelJob force-fails one of the caller's jobs regardless of age.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	job, err := s.monitor.Cancel(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.failErr(w, err)
		return
	}

	s.logger.Info("Job canceled via API", zap.String("job_id", job.JobID), zap.String("owner", owner))
	s.respond(w, http.StatusOK, cancelResponse{OK: true, JobID: job.JobID, Status: job.Status})
}

// handleDedup fires a background duplicate sweep over the caller's trades.
func (s *Server) handleDedup(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var f syncer.TradeFilter
	if err := decodeJSON(r, &f); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.orchestrator.StartDedup(r.Context(), owner, f)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, jobStartedResponse{OK: true, JobID: jobID, Timestamp: time.Now().UnixMilli()})
}

type deleteTradesResponse struct {
	OK      bool  `json:"ok"`
	Deleted int64 `json:"deleted"`
}

// handleDeleteTrades removes the caller's trades matching the filter. The
// filter must narrow the set somehow; an empty filter is rejected rather
// than treated as delete-everything.
func (s *Server) handleDeleteTrades(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var f syncer.TradeFilter
	if err := decodeJSON(r, &f); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := s.deduper.DeleteTrades(r.Context(), owner, f)
	if err != nil {
		s.failErr(w, err)
		return
	}

	s.logger.Info("Trades deleted via API", zap.String("owner", owner), zap.Int64("deleted", deleted))
	s.respond(w, http.StatusOK, deleteTradesResponse{OK: true, Deleted: deleted})
}

type recalculateResponse struct {
	OK      bool  `json:"ok"`
	Updated int64 `json:"updated"`
}

// handleRecalculate rebuilds realized PnL for every trade of the caller.
// This one runs inline: it touches no exchange and finishes quickly.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	updated, err := s.reconciler.Recalculate(r.Context(), owner)
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, recalculateResponse{OK: true, Updated: updated})
}
