package syncer

import (
	"context"
	"fmt"

	"binance-pnl-tracker-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// lot is the unconsumed remainder of a past buy, waiting to be matched
// against a later sell.
type lot struct {
	remaining decimal.Decimal
	price     decimal.Decimal
}

// Reconciler recomputes realized PnL by replaying each symbol's trade
// history in chronological order and FIFO-matching sells against prior
// buys. The lot lists live only for the duration of one call; there is no
// cross-call state, so re-running is idempotent.
type Reconciler struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewReconciler creates a Reconciler backed by db.
func NewReconciler(db *gorm.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger.Named("pnl")}
}

// Recalculate replays every account the owner has and rewrites each sell's
// realized PnL where the stored value is out of date. It returns the
// number of rows actually changed. The call is synchronous; no job tracks
// it.
func (r *Reconciler) Recalculate(ctx context.Context, owner string) (int64, error) {
	var accounts []models.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", owner).Find(&accounts).Error
	if err != nil {
		return 0, fmt.Errorf("could not load accounts for %s: %w", owner, err)
	}

	var updated int64
	for i := range accounts {
		n, err := r.recalculateAccount(ctx, accounts[i].ID)
		updated += n
		if err != nil {
			return updated, err
		}
	}

	r.logger.Info("PnL recalculation finished",
		zap.String("owner", owner),
		zap.Int("accounts", len(accounts)),
		zap.Int64("updated", updated))
	return updated, nil
}

// recalculateAccount replays one account's full history. Trades are
// ordered by execution time only; same-timestamp trades keep the order the
// store returned them in, which keeps repeated runs reproducible.
func (r *Reconciler) recalculateAccount(ctx context.Context, accountID uint) (int64, error) {
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("executed_at asc").
		Find(&trades).Error
	if err != nil {
		return 0, fmt.Errorf("could not load trades for account %d: %w", accountID, err)
	}

	lots := make(map[string][]lot)
	var updated int64

	for i := range trades {
		t := &trades[i]
		switch t.Side {
		case models.SideBuy:
			lots[t.Symbol] = append(lots[t.Symbol], lot{remaining: t.Quantity, price: t.Price})

		case models.SideSell:
			// A sell with non-positive quantity or price is malformed
			// input with zero effect, not an error.
			if t.Quantity.Sign() <= 0 || t.Price.Sign() <= 0 {
				continue
			}
			pnl, rest := consumeLots(lots[t.Symbol], t.Quantity, t.Price)
			lots[t.Symbol] = rest

			if pnl.Equal(t.RealizedPnl) {
				continue // avoid no-op writes
			}
			err := r.db.WithContext(ctx).Model(&models.Trade{}).
				Where("id = ?", t.ID).
				Update("realized_pnl", pnl).Error
			if err != nil {
				return updated, fmt.Errorf("could not update pnl for trade %d: %w", t.ID, err)
			}
			updated++
		}
	}
	return updated, nil
}

// consumeLots matches a sell against open lots oldest-first and returns
// the realized PnL plus whatever lots are left. A sell larger than the
// open position consumes what exists and earns nothing on the excess; no
// negative lots are modeled.
func consumeLots(open []lot, qty, price decimal.Decimal) (decimal.Decimal, []lot) {
	pnl := decimal.Zero
	for len(open) > 0 && qty.Sign() > 0 {
		l := &open[0]
		take := decimal.Min(l.remaining, qty)
		pnl = pnl.Add(price.Sub(l.price).Mul(take))
		l.remaining = l.remaining.Sub(take)
		qty = qty.Sub(take)
		if l.remaining.Sign() == 0 {
			open = open[1:]
		}
	}
	return pnl, open
}
