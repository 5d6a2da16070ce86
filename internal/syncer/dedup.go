package syncer

import (
	"context"
	"fmt"

	"binance-pnl-tracker-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// deleteBatchSize caps how many primary keys one DELETE carries.
const deleteBatchSize = 500

// Deduper removes redundant trade rows left behind by overlapping or
// retried syncs. Two independent passes run in order: exchange-assigned
// trade identifiers first, then a synthetic business key for rows that
// carry no identifiers at all. Deletions are not wrapped in a transaction;
// rows removed before a failure stay removed, and re-running the dedup is
// always safe because groups with one surviving row are no-ops.
type Deduper struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDeduper creates a Deduper backed by db.
func NewDeduper(db *gorm.DB, logger *zap.Logger) *Deduper {
	return &Deduper{db: db, logger: logger.Named("dedup")}
}

type tradeIDKey struct {
	accountID uint
	tradeID   string
}

type syntheticKey struct {
	accountID uint
	executed  int64 // unix seconds, sub-second jitter truncated away
	symbol    string
	side      string
	price     string
	qty       string
}

// DedupByTradeID removes trades that share an exchange-assigned trade
// identifier within one account, keeping the most recently inserted row of
// each group. An exchange trade id is authoritative: any repeat is a true
// duplicate from re-ingestion.
func (d *Deduper) DedupByTradeID(ctx context.Context, owner string, f TradeFilter) (int64, error) {
	q, err := f.Scope(d.db.WithContext(ctx), owner)
	if err != nil {
		return 0, err
	}

	var trades []models.Trade
	err = q.Where("trade_id IS NOT NULL").
		Order("created_at desc, id desc").
		Find(&trades).Error
	if err != nil {
		return 0, fmt.Errorf("could not load trades for exchange-id pass: %w", err)
	}

	seen := make(map[tradeIDKey]bool)
	var doomed []uint
	for _, t := range trades {
		key := tradeIDKey{accountID: t.AccountID, tradeID: *t.TradeID}
		if seen[key] {
			doomed = append(doomed, t.ID)
			continue
		}
		seen[key] = true
	}

	deleted, err := d.deleteByID(ctx, doomed)
	if deleted > 0 {
		d.logger.Info("Removed exchange-id duplicates",
			zap.String("owner", owner), zap.Int64("deleted", deleted))
	}
	return deleted, err
}

// DedupBySyntheticKey removes duplicates among trades lacking both order
// and trade identifiers. Such rows can only be matched by near-exact
// business-key equality: same account, symbol and side, timestamps equal
// once truncated to the second, price and quantity equal at 8 decimals.
// The most recently inserted row of each group survives.
func (d *Deduper) DedupBySyntheticKey(ctx context.Context, owner string, f TradeFilter) (int64, error) {
	q, err := f.Scope(d.db.WithContext(ctx), owner)
	if err != nil {
		return 0, err
	}

	var trades []models.Trade
	err = q.Where("order_id IS NULL AND trade_id IS NULL").
		Order("created_at desc, id desc").
		Find(&trades).Error
	if err != nil {
		return 0, fmt.Errorf("could not load trades for synthetic-key pass: %w", err)
	}

	seen := make(map[syntheticKey]bool)
	var doomed []uint
	for _, t := range trades {
		key := syntheticKey{
			accountID: t.AccountID,
			executed:  t.ExecutedAt.Unix(),
			symbol:    t.Symbol,
			side:      t.Side,
			price:     t.Price.StringFixed(8),
			qty:       t.Quantity.StringFixed(8),
		}
		if seen[key] {
			doomed = append(doomed, t.ID)
			continue
		}
		seen[key] = true
	}

	deleted, err := d.deleteByID(ctx, doomed)
	if deleted > 0 {
		d.logger.Info("Removed synthetic-key duplicates",
			zap.String("owner", owner), zap.Int64("deleted", deleted))
	}
	return deleted, err
}

// DeleteTrades removes every trade the filter matches. At least one filter
// field must be set: an unfiltered call would wipe the owner's entire
// history and is rejected as a validation error.
func (d *Deduper) DeleteTrades(ctx context.Context, owner string, f TradeFilter) (int64, error) {
	if f.IsZero() {
		return 0, fmt.Errorf("%w: refusing to delete without a filter", ErrValidation)
	}
	q, err := f.Scope(d.db.WithContext(ctx), owner)
	if err != nil {
		return 0, err
	}

	res := q.Delete(&models.Trade{})
	if res.Error != nil {
		return 0, fmt.Errorf("could not delete trades: %w", res.Error)
	}
	d.logger.Info("Deleted trades by filter",
		zap.String("owner", owner), zap.Int64("deleted", res.RowsAffected))
	return res.RowsAffected, nil
}

// deleteByID hard-deletes trades in batches. A mid-batch failure returns
// the rows already removed along with the error.
func (d *Deduper) deleteByID(ctx context.Context, ids []uint) (int64, error) {
	var deleted int64
	for i := 0; i < len(ids); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		res := d.db.WithContext(ctx).Delete(&models.Trade{}, ids[i:end])
		if res.Error != nil {
			return deleted, fmt.Errorf("could not delete duplicate trades: %w", res.Error)
		}
		deleted += res.RowsAffected
	}
	return deleted, nil
}
