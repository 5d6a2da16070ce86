package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"binance-pnl-tracker-go/internal/binance"
	"binance-pnl-tracker-go/internal/jobs"
	"binance-pnl-tracker-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Exchange status codes for finished cash movements.
const (
	depositStatusSuccess    = 1
	withdrawStatusCompleted = 6
)

// IngestResult reports what one account's crawl changed.
type IngestResult struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
}

// Ingestor crawls the exchange for one account and upserts what it finds
// into storage. authHeader is the caller's opaque credential, forwarded
// untouched for implementations that resolve API keys elsewhere; jobID
// lets the implementation leave a progress trail on the job while a long
// crawl is in flight.
type Ingestor interface {
	IngestAccount(ctx context.Context, account *models.Account, start, end time.Time, symbols []string, authHeader, jobID string) (IngestResult, error)
}

// AccountIngestor is the built-in Ingestor against the Binance REST API.
// It crawls one day of one symbol at a time: the 24h slices stay inside
// Binance's range limits on the history endpoints, and every slice updates
// the job's current symbol and date for polling clients. API credentials
// come from the account row, so the forwarded auth header is unused here.
type AccountIngestor struct {
	db       *gorm.DB
	client   binance.RestClientInterface
	registry *jobs.Registry
	logger   *zap.Logger
}

// ensure AccountIngestor implements the interface
var _ Ingestor = (*AccountIngestor)(nil)

// NewAccountIngestor creates an AccountIngestor.
func NewAccountIngestor(db *gorm.DB, client binance.RestClientInterface, registry *jobs.Registry, logger *zap.Logger) *AccountIngestor {
	return &AccountIngestor{db: db, client: client, registry: registry, logger: logger.Named("ingest")}
}

// IngestAccount fetches the account's fills for every requested symbol
// inside [start, end) and upserts them, keyed on the exchange trade id. A
// BOTH account is crawled as SPOT first, then FUTURES. Cash movements are
// recorded once per run alongside the SPOT crawl.
func (a *AccountIngestor) IngestAccount(ctx context.Context, account *models.Account, start, end time.Time, symbols []string, authHeader, jobID string) (IngestResult, error) {
	creds := binance.Credentials{APIKey: account.APIKey, APISecret: account.APISecret}
	log := a.logger.With(zap.Uint("account_id", account.ID), zap.String("job_id", jobID))

	var markets []string
	switch account.Market {
	case models.MarketBoth:
		markets = []string{models.MarketSpot, models.MarketFutures}
	case models.MarketFutures:
		markets = []string{models.MarketFutures}
	default:
		markets = []string{models.MarketSpot}
	}

	var result IngestResult
	for _, market := range markets {
		for _, symbol := range symbols {
			for day := start; day.Before(end); day = day.Add(24 * time.Hour) {
				dayEnd := day.Add(24 * time.Hour)
				if dayEnd.After(end) {
					dayEnd = end
				}
				a.registry.RecordProgress(jobID, symbol, day)

				batch, err := a.fetchTrades(ctx, creds, market, symbol, day, dayEnd)
				if err != nil {
					return result, fmt.Errorf("could not fetch %s %s trades for %s: %w",
						market, symbol, day.Format("2006-01-02"), err)
				}
				for i := range batch {
					batch[i].AccountID = account.ID
					inserted, err := a.upsertTrade(ctx, &batch[i])
					if err != nil {
						return result, err
					}
					if inserted {
						result.Inserted++
					} else {
						result.Updated++
					}
				}
			}
		}

		if market == models.MarketSpot {
			if err := a.ingestCashflows(ctx, account, creds, start, end); err != nil {
				return result, err
			}
		}
	}

	log.Info("Account ingest finished",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("updated", result.Updated))
	return result, nil
}

// fetchTrades pulls one (market, symbol, day) slice and converts the wire
// records to trade rows. Malformed records are logged and skipped rather
// than failing the whole account.
func (a *AccountIngestor) fetchTrades(ctx context.Context, creds binance.Credentials, market, symbol string, start, end time.Time) ([]models.Trade, error) {
	if market == models.MarketFutures {
		fills, err := a.client.FuturesTrades(ctx, creds, symbol, start, end)
		if err != nil {
			return nil, err
		}
		out := make([]models.Trade, 0, len(fills))
		for _, f := range fills {
			t, err := futuresToTrade(f)
			if err != nil {
				a.logger.Warn("Skipping malformed futures fill",
					zap.Int64("id", f.ID), zap.Error(err))
				continue
			}
			out = append(out, t)
		}
		return out, nil
	}

	fills, err := a.client.SpotTrades(ctx, creds, symbol, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]models.Trade, 0, len(fills))
	for _, f := range fills {
		t, err := spotToTrade(f)
		if err != nil {
			a.logger.Warn("Skipping malformed spot fill",
				zap.Int64("id", f.ID), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// upsertTrade writes one fetched fill, keyed on (account, market, trade
// id). Existing rows get their exchange-sourced fields refreshed; realized
// PnL stays untouched except on futures fills, where the exchange itself
// reports it.
func (a *AccountIngestor) upsertTrade(ctx context.Context, t *models.Trade) (bool, error) {
	var existing models.Trade
	err := a.db.WithContext(ctx).
		Where("account_id = ? AND market = ? AND trade_id = ?", t.AccountID, t.Market, t.TradeID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := a.db.WithContext(ctx).Create(t).Error; err != nil {
			return false, fmt.Errorf("could not insert trade %s: %w", *t.TradeID, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not look up trade %s: %w", *t.TradeID, err)
	}

	updates := map[string]interface{}{
		"symbol":      t.Symbol,
		"side":        t.Side,
		"quantity":    t.Quantity,
		"price":       t.Price,
		"fee":         t.Fee,
		"fee_asset":   t.FeeAsset,
		"executed_at": t.ExecutedAt,
		"order_id":    t.OrderID,
	}
	if t.Market == models.MarketFutures {
		updates["realized_pnl"] = t.RealizedPnl
	}
	err = a.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error
	if err != nil {
		return false, fmt.Errorf("could not update trade %s: %w", *t.TradeID, err)
	}
	return false, nil
}

// ingestCashflows records completed deposits and withdrawals inside the
// window. The exchange transaction id dedups re-synced movements, so
// overlapping windows never double-count.
func (a *AccountIngestor) ingestCashflows(ctx context.Context, account *models.Account, creds binance.Credentials, start, end time.Time) error {
	deposits, err := a.client.Deposits(ctx, creds, start, end)
	if err != nil {
		return fmt.Errorf("could not fetch deposits: %w", err)
	}
	for _, d := range deposits {
		if d.Status != depositStatusSuccess {
			continue
		}
		amount, err := parseDecimal(d.Amount)
		if err != nil {
			a.logger.Warn("Skipping malformed deposit", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		externalID := d.ID
		flow := models.Cashflow{
			AccountID:  account.ID,
			Type:       models.CashflowDeposit,
			Asset:      d.Coin,
			Amount:     amount,
			ExternalID: &externalID,
			OccurredAt: time.UnixMilli(d.InsertTime).UTC(),
			Note:       d.TxID,
		}
		if err := a.insertCashflow(ctx, &flow); err != nil {
			return err
		}
	}

	withdrawals, err := a.client.Withdrawals(ctx, creds, start, end)
	if err != nil {
		return fmt.Errorf("could not fetch withdrawals: %w", err)
	}
	for _, w := range withdrawals {
		if w.Status != withdrawStatusCompleted {
			continue
		}
		amount, aerr := parseDecimal(w.Amount)
		fee, ferr := parseDecimal(w.TransactionFee)
		occurred, terr := time.ParseInLocation("2006-01-02 15:04:05", w.ApplyTime, time.UTC)
		if aerr != nil || ferr != nil || terr != nil {
			a.logger.Warn("Skipping malformed withdrawal", zap.String("id", w.ID))
			continue
		}
		externalID := w.ID
		flow := models.Cashflow{
			AccountID: account.ID,
			Type:      models.CashflowWithdrawal,
			Asset:     w.Coin,
			// Outflow includes the network fee; stored signed.
			Amount:     amount.Add(fee).Neg(),
			ExternalID: &externalID,
			OccurredAt: occurred,
			Note:       w.TxID,
		}
		if err := a.insertCashflow(ctx, &flow); err != nil {
			return err
		}
	}
	return nil
}

// insertCashflow creates the row unless the external id was already
// recorded for the account.
func (a *AccountIngestor) insertCashflow(ctx context.Context, flow *models.Cashflow) error {
	var count int64
	err := a.db.WithContext(ctx).Model(&models.Cashflow{}).
		Where("account_id = ? AND external_id = ?", flow.AccountID, flow.ExternalID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("could not check cashflow %s: %w", *flow.ExternalID, err)
	}
	if count > 0 {
		return nil
	}
	if err := a.db.WithContext(ctx).Create(flow).Error; err != nil {
		return fmt.Errorf("could not insert cashflow %s: %w", *flow.ExternalID, err)
	}
	return nil
}

func spotToTrade(f binance.SpotTrade) (models.Trade, error) {
	qty, err := parseDecimal(f.Qty)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad qty %q: %w", f.Qty, err)
	}
	price, err := parseDecimal(f.Price)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad price %q: %w", f.Price, err)
	}
	fee, err := parseDecimal(f.Commission)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad commission %q: %w", f.Commission, err)
	}

	side := models.SideSell
	if f.IsBuyer {
		side = models.SideBuy
	}
	orderID := strconv.FormatInt(f.OrderID, 10)
	tradeID := strconv.FormatInt(f.ID, 10)
	return models.Trade{
		Symbol:     f.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Fee:        fee,
		FeeAsset:   f.CommissionAsset,
		Market:     models.MarketSpot,
		ExecutedAt: time.UnixMilli(f.Time).UTC(),
		OrderID:    &orderID,
		TradeID:    &tradeID,
	}, nil
}

func futuresToTrade(f binance.FuturesTrade) (models.Trade, error) {
	qty, err := parseDecimal(f.Qty)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad qty %q: %w", f.Qty, err)
	}
	price, err := parseDecimal(f.Price)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad price %q: %w", f.Price, err)
	}
	fee, err := parseDecimal(f.Commission)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad commission %q: %w", f.Commission, err)
	}
	pnl, err := parseDecimal(f.RealizedPnl)
	if err != nil {
		return models.Trade{}, fmt.Errorf("bad realizedPnl %q: %w", f.RealizedPnl, err)
	}

	orderID := strconv.FormatInt(f.OrderID, 10)
	tradeID := strconv.FormatInt(f.ID, 10)
	return models.Trade{
		Symbol:      f.Symbol,
		Side:        f.Side,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		FeeAsset:    f.CommissionAsset,
		RealizedPnl: pnl,
		Market:      models.MarketFutures,
		ExecutedAt:  time.UnixMilli(f.Time).UTC(),
		OrderID:     &orderID,
		TradeID:     &tradeID,
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
