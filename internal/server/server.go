// Package server exposes the sync, dedup and reconciliation operations
// over a JSON HTTP API. Identity arrives pre-resolved in a trusted header
// set by an upstream proxy; scheduled callers authenticate with a shared
// secret instead.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"binance-pnl-tracker-go/internal/config"
	"binance-pnl-tracker-go/internal/jobs"
	"binance-pnl-tracker-go/internal/models"
	"binance-pnl-tracker-go/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// cronSecretHeader carries the shared secret for scheduled/system calls.
const cronSecretHeader = "X-Cron-Secret"

// Server is the HTTP front of the tracker.
type Server struct {
	http         *http.Server
	db           *gorm.DB
	cfg          *config.Config
	registry     *jobs.Registry
	monitor      *jobs.Monitor
	orchestrator *syncer.Orchestrator
	deduper      *syncer.Deduper
	reconciler   *syncer.Reconciler
	logger       *zap.Logger
}

// New creates a Server listening on the configured port.
func New(cfg *config.Config, db *gorm.DB, registry *jobs.Registry, monitor *jobs.Monitor, orchestrator *syncer.Orchestrator, deduper *syncer.Deduper, reconciler *syncer.Reconciler, logger *zap.Logger) *Server {
	s := &Server{
		db:           db,
		cfg:          cfg,
		registry:     registry,
		monitor:      monitor,
		orchestrator: orchestrator,
		deduper:      deduper,
		reconciler:   reconciler,
		logger:       logger.Named("api"),
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync", s.handleStartSync)
	mux.HandleFunc("GET /api/sync/jobs", s.handleScanJobs)
	mux.HandleFunc("GET /api/sync/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/sync/jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("POST /api/trades/dedup", s.handleDedup)
	mux.HandleFunc("POST /api/trades/delete", s.handleDeleteTrades)
	mux.HandleFunc("GET /api/trades", s.handleListTrades)

	mux.HandleFunc("POST /api/pnl/recalculate", s.handleRecalculate)
	mux.HandleFunc("GET /api/pnl/summary", s.handlePnlSummary)

	mux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /api/accounts", s.handleCreateAccount)
	mux.HandleFunc("DELETE /api/accounts/{id}", s.handleDeleteAccount)

	mux.HandleFunc("GET /api/cashflows", s.handleListCashflows)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.http.Addr))
	go func() {
		if err := s.http.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.http.Shutdown(ctx)
}

// resolveOwner returns the effective identity of a request: the trusted
// user header, or the system sentinel when the scheduled-run secret
// matches. ok is false when neither is present.
func (s *Server) resolveOwner(r *http.Request) (string, bool) {
	if user := r.Header.Get(s.cfg.Auth.UserHeader); user != "" {
		return user, true
	}
	secret := s.cfg.Sync.CronSecret
	if secret != "" && r.Header.Get(cronSecretHeader) == secret {
		return models.SystemOwner, true
	}
	return "", false
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// respond writes v as a JSON body with the given status.
func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

// fail writes a JSON error body.
func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, errorResponse{OK: false, Error: msg})
}

// failErr maps an operation error onto a status code: validation errors
// are the caller's fault, unknown jobs are 404, everything else is a
// server failure surfaced with the underlying text.
func (s *Server) failErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncer.ErrValidation):
		s.fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrJobNotFound):
		s.fail(w, http.StatusNotFound, "job not found")
	default:
		s.fail(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON fills v from the request body. An empty body is not an
// error: every field of every request type has a workable zero value.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
