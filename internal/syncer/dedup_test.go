package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"binance-pnl-tracker-go/internal/database"
	"binance-pnl-tracker-go/internal/models"
	"github.com/shopspring/decimal"
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

func seedAccount(t *testing.T, db *gorm.DB, userID, name, market string) models.Account {
	t.Helper()
	acc := models.Account{UserID: userID, Name: name, Market: market, APIKey: "k", APISecret: "s"}
	require.NoError(t, db.Create(&acc).Error)
	return acc
}

// seedTrade inserts the trade as given; a non-zero CreatedAt is preserved,
// which the keep-newest assertions rely on.
func seedTrade(t *testing.T, db *gorm.DB, tr models.Trade) models.Trade {
	t.Helper()
	require.NoError(t, db.Create(&tr).Error)
	return tr
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func strPtr(s string) *string { return &s }

func countTrades(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&n).Error)
	return n
}

func TestDedupByTradeIDKeepsNewest(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())
	acc := seedAccount(t, db, "u1", "main", models.MarketSpot)

	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	seedTrade(t, db, models.Trade{
		AccountID: acc.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("1"), Price: dec("100"), Market: models.MarketSpot,
		ExecutedAt: base, TradeID: strPtr("T1"), CreatedAt: base,
	})
	newer := seedTrade(t, db, models.Trade{
		AccountID: acc.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("1"), Price: dec("100"), Market: models.MarketSpot,
		ExecutedAt: base, TradeID: strPtr("T1"), CreatedAt: base.Add(time.Hour),
	})

	deleted, err := d.DedupByTradeID(context.Background(), "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []models.Trade
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, newer.ID, remaining[0].ID)
}

func TestDedupByTradeIDScopesGroupsToAccount(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())
	a1 := seedAccount(t, db, "u1", "first", models.MarketSpot)
	a2 := seedAccount(t, db, "u1", "second", models.MarketSpot)

	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	// Same trade id on two different accounts is not a duplicate.
	seedTrade(t, db, models.Trade{
		AccountID: a1.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("1"), Price: dec("100"), Market: models.MarketSpot,
		ExecutedAt: base, TradeID: strPtr("T1"), CreatedAt: base,
	})
	seedTrade(t, db, models.Trade{
		AccountID: a2.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("1"), Price: dec("100"), Market: models.MarketSpot,
		ExecutedAt: base, TradeID: strPtr("T1"), CreatedAt: base,
	})

	deleted, err := d.DedupByTradeID(context.Background(), "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, int64(2), countTrades(t, db))
}

func TestDedupBySyntheticKey(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())
	acc := seedAccount(t, db, "u1", "main", models.MarketSpot)

	sec := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	// Sub-second jitter inside the same second, prices that round to the
	// same 8 decimals: one of these must go.
	seedTrade(t, db, models.Trade{
		AccountID: acc.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("0.5"), Price: dec("100.123456789"), Market: models.MarketSpot,
		ExecutedAt: sec.Add(100 * time.Millisecond), CreatedAt: sec,
	})
	survivor := seedTrade(t, db, models.Trade{
		AccountID: acc.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("0.5"), Price: dec("100.1234567891"), Market: models.MarketSpot,
		ExecutedAt: sec.Add(900 * time.Millisecond), CreatedAt: sec.Add(time.Minute),
	})
	// Next second over: a different key, left alone.
	other := seedTrade(t, db, models.Trade{
		AccountID: acc.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("0.5"), Price: dec("100.12345679"), Market: models.MarketSpot,
		ExecutedAt: sec.Add(1200 * time.Millisecond), CreatedAt: sec,
	})
	// Carrying an exchange id exempts a row from the synthetic pass.
	withID := seedTrade(t, db, models.Trade{
		AccountID: acc.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
		Quantity: dec("0.5"), Price: dec("100.12345679"), Market: models.MarketSpot,
		ExecutedAt: sec.Add(500 * time.Millisecond), TradeID: strPtr("T9"), CreatedAt: sec,
	})

	deleted, err := d.DedupBySyntheticKey(context.Background(), "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var ids []uint
	require.NoError(t, db.Model(&models.Trade{}).Order("id").Pluck("id", &ids).Error)
	assert.ElementsMatch(t, []uint{survivor.ID, other.ID, withID.ID}, ids)
}

func TestDedupIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())
	acc := seedAccount(t, db, "u1", "main", models.MarketSpot)
	ctx := context.Background()

	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seedTrade(t, db, models.Trade{
			AccountID: acc.ID, Symbol: "ETHUSDT", Side: models.SideSell,
			Quantity: dec("2"), Price: dec("3000"), Market: models.MarketSpot,
			ExecutedAt: base, TradeID: strPtr("T7"),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	for i := 0; i < 2; i++ {
		seedTrade(t, db, models.Trade{
			AccountID: acc.ID, Symbol: "ETHUSDT", Side: models.SideBuy,
			Quantity: dec("1"), Price: dec("2900"), Market: models.MarketSpot,
			ExecutedAt: base, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	byID, err := d.DedupByTradeID(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	byKey, err := d.DedupBySyntheticKey(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), byID)
	assert.Equal(t, int64(1), byKey)

	// A second run over the same filter finds nothing left to remove.
	byID, err = d.DedupByTradeID(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	byKey, err = d.DedupBySyntheticKey(ctx, "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Zero(t, byID)
	assert.Zero(t, byKey)
	assert.Equal(t, int64(2), countTrades(t, db))
}

func TestDedupHonorsMonthFilter(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())
	acc := seedAccount(t, db, "u1", "main", models.MarketSpot)

	may := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	june := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	for _, executed := range []time.Time{may, may, june, june} {
		seedTrade(t, db, models.Trade{
			AccountID: acc.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
			Quantity: dec("1"), Price: dec("100"), Market: models.MarketSpot,
			ExecutedAt: executed, TradeID: strPtr("T-" + executed.Format("2006-01")),
			CreatedAt: executed,
		})
	}

	deleted, err := d.DedupByTradeID(context.Background(), "u1", TradeFilter{Month: "2024-05"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// June's duplicate pair is outside the filter and still intact.
	var juneCount int64
	require.NoError(t, db.Model(&models.Trade{}).
		Where("executed_at >= ?", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)).
		Count(&juneCount).Error)
	assert.Equal(t, int64(2), juneCount)
}

func TestDedupSkipsForeignAccounts(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())
	theirs := seedAccount(t, db, "u2", "foreign", models.MarketSpot)

	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		seedTrade(t, db, models.Trade{
			AccountID: theirs.ID, Symbol: "BTCUSDT", Side: models.SideBuy,
			Quantity: dec("1"), Price: dec("100"), Market: models.MarketSpot,
			ExecutedAt: base, TradeID: strPtr("T1"),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	deleted, err := d.DedupByTradeID(context.Background(), "u1", TradeFilter{})
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, int64(2), countTrades(t, db))
}

func TestDeleteTrades(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())
	acc := seedAccount(t, db, "u1", "main", models.MarketSpot)
	ctx := context.Background()

	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	for i, symbol := range []string{"BTCUSDT", "BTCUSDT", "ETHUSDT"} {
		seedTrade(t, db, models.Trade{
			AccountID: acc.ID, Symbol: symbol, Side: models.SideBuy,
			Quantity: dec("1"), Price: dec("100"), Market: models.MarketSpot,
			ExecutedAt: base.Add(time.Duration(i) * time.Hour), CreatedAt: base,
		})
	}

	t.Run("RefusesUnfiltered", func(t *testing.T) {
		_, err := d.DeleteTrades(ctx, "u1", TradeFilter{})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, int64(3), countTrades(t, db))
	})

	t.Run("DeletesBySymbol", func(t *testing.T) {
		deleted, err := d.DeleteTrades(ctx, "u1", TradeFilter{Symbol: "BTCUSDT"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
		assert.Equal(t, int64(1), countTrades(t, db))
	})
}

func TestDeleteTradesRejectsBadWindow(t *testing.T) {
	db := newTestDB(t)
	d := NewDeduper(db, zap.NewNop())

	_, err := d.DeleteTrades(context.Background(), "u1", TradeFilter{Month: "May 2024"})
	assert.ErrorIs(t, err, ErrValidation)
}
