package server

import (
	"net/http"
	"strconv"
	"time"

	"binance-pnl-tracker-go/internal/models"
	"binance-pnl-tracker-go/internal/syncer"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// pageLimit parses the limit query parameter with a default of 100 and a
// hard cap of 1000.
func pageLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// ownerAccounts is a subquery selecting the ids of owner's accounts.
func (s *Server) ownerAccounts(owner string) *gorm.DB {
	return s.db.Model(&models.Account{}).Select("id").Where("user_id = ?", owner)
}

type accountsResponse struct {
	OK       bool             `json:"ok"`
	Accounts []models.Account `json:"accounts"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	accounts := make([]models.Account, 0)
	err := s.db.WithContext(r.Context()).
		Where("user_id = ?", owner).
		Order("id asc").
		Find(&accounts).Error
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, accountsResponse{OK: true, Accounts: accounts})
}

type createAccountRequest struct {
	Name      string `json:"name"`
	Market    string `json:"market"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

type accountResponse struct {
	OK      bool           `json:"ok"`
	Account models.Account `json:"account"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		s.fail(w, http.StatusBadRequest, "account name is required")
		return
	}
	if req.Market == "" {
		req.Market = models.MarketSpot
	}
	if !models.ValidMarket(req.Market) {
		s.fail(w, http.StatusBadRequest, "market must be SPOT, FUTURES or BOTH")
		return
	}

	account := models.Account{
		UserID:    owner,
		Name:      req.Name,
		Market:    req.Market,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
	}
	if err := s.db.WithContext(r.Context()).Create(&account).Error; err != nil {
		s.failErr(w, err)
		return
	}

	s.logger.Info("Account created",
		zap.String("owner", owner),
		zap.Uint("account_id", account.ID),
		zap.String("market", account.Market))
	s.respond(w, http.StatusOK, accountResponse{OK: true, Account: account})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid account id")
		return
	}

	res := s.db.WithContext(r.Context()).
		Where("id = ? AND user_id = ?", id, owner).
		Delete(&models.Account{})
	if res.Error != nil {
		s.failErr(w, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		s.fail(w, http.StatusNotFound, "account not found")
		return
	}

	s.logger.Info("Account deleted", zap.String("owner", owner), zap.Uint64("account_id", id))
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

type tradesResponse struct {
	OK     bool           `json:"ok"`
	Trades []models.Trade `json:"trades"`
}

// handleListTrades lists the caller's trades newest first. The query
// parameters mirror the dedup filter: month, startDate, endDate, market,
// symbol, plus limit.
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	params := r.URL.Query()
	f := syncer.TradeFilter{
		Month:     params.Get("month"),
		StartDate: params.Get("startDate"),
		EndDate:   params.Get("endDate"),
		Market:    params.Get("market"),
		Symbol:    params.Get("symbol"),
	}

	q, err := f.Scope(s.db.WithContext(r.Context()), owner)
	if err != nil {
		s.failErr(w, err)
		return
	}

	trades := make([]models.Trade, 0)
	err = q.Order("executed_at desc, id desc").
		Limit(pageLimit(r)).
		Find(&trades).Error
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, tradesResponse{OK: true, Trades: trades})
}

type cashflowsResponse struct {
	OK        bool              `json:"ok"`
	Cashflows []models.Cashflow `json:"cashflows"`
}

func (s *Server) handleListCashflows(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	cashflows := make([]models.Cashflow, 0)
	err := s.db.WithContext(r.Context()).
		Where("account_id IN (?)", s.ownerAccounts(owner)).
		Order("occurred_at desc").
		Limit(pageLimit(r)).
		Find(&cashflows).Error
	if err != nil {
		s.failErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, cashflowsResponse{OK: true, Cashflows: cashflows})
}

// pnlDetail aggregates realized PnL over one time bucket. Sells counts
// closed sells, meaning SELL fills carrying a nonzero realized PnL.
type pnlDetail struct {
	RealizedPnl decimal.Decimal `json:"realizedPnl"`
	Sells       int             `json:"sells"`
	Wins        int             `json:"wins"`
	WinRate     float64         `json:"winRate"`
}

func (d *pnlDetail) add(t *models.Trade) {
	d.RealizedPnl = d.RealizedPnl.Add(t.RealizedPnl)
	if t.Side != models.SideSell || t.RealizedPnl.IsZero() {
		return
	}
	d.Sells++
	if t.RealizedPnl.Sign() > 0 {
		d.Wins++
	}
}

func (d *pnlDetail) finish() {
	if d.Sells > 0 {
		d.WinRate = float64(d.Wins) / float64(d.Sells) * 100
	}
}

type pnlSummaryResponse struct {
	OK       bool      `json:"ok"`
	Since24h pnlDetail `json:"since24h"`
	AllTime  pnlDetail `json:"allTime"`
}

// handlePnlSummary reports realized-PnL totals and win rates for the
// caller, all time and over the trailing 24 hours.
func (s *Server) handlePnlSummary(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.resolveOwner(r)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var trades []models.Trade
	err := s.db.WithContext(r.Context()).
		Where("account_id IN (?)", s.ownerAccounts(owner)).
		Find(&trades).Error
	if err != nil {
		s.failErr(w, err)
		return
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	resp := pnlSummaryResponse{OK: true}
	for i := range trades {
		resp.AllTime.add(&trades[i])
		if !trades[i].ExecutedAt.Before(cutoff) {
			resp.Since24h.add(&trades[i])
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
