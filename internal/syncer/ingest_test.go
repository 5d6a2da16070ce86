package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-pnl-tracker-go/internal/binance"
	"binance-pnl-tracker-go/internal/jobs"
	"binance-pnl-tracker-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRestClient serves canned history, windowed the way the real API is.
type fakeRestClient struct {
	spot        map[string][]binance.SpotTrade
	futures     map[string][]binance.FuturesTrade
	deposits    []binance.Deposit
	withdrawals []binance.Withdrawal
	err         error
}

var _ binance.RestClientInterface = (*fakeRestClient)(nil)

func (f *fakeRestClient) Ping(ctx context.Context) error { return f.err }

func (f *fakeRestClient) SpotTrades(ctx context.Context, creds binance.Credentials, symbol string, start, end time.Time) ([]binance.SpotTrade, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []binance.SpotTrade
	for _, tr := range f.spot[symbol] {
		if tr.Time >= start.UnixMilli() && tr.Time < end.UnixMilli() {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeRestClient) FuturesTrades(ctx context.Context, creds binance.Credentials, symbol string, start, end time.Time) ([]binance.FuturesTrade, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []binance.FuturesTrade
	for _, tr := range f.futures[symbol] {
		if tr.Time >= start.UnixMilli() && tr.Time < end.UnixMilli() {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeRestClient) Deposits(ctx context.Context, creds binance.Credentials, start, end time.Time) ([]binance.Deposit, error) {
	return f.deposits, f.err
}

func (f *fakeRestClient) Withdrawals(ctx context.Context, creds binance.Credentials, start, end time.Time) ([]binance.Withdrawal, error) {
	return f.withdrawals, f.err
}

var testWindow = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

func newIngestor(t *testing.T, client binance.RestClientInterface) (*AccountIngestor, *jobs.Registry) {
	t.Helper()
	db := newTestDB(t)
	registry := jobs.NewRegistry(db, zap.NewNop())
	return NewAccountIngestor(db, client, registry, zap.NewNop()), registry
}

func TestIngestAccountInsertsThenUpdates(t *testing.T) {
	client := &fakeRestClient{
		spot: map[string][]binance.SpotTrade{
			"BTCUSDT": {
				{Symbol: "BTCUSDT", ID: 101, OrderID: 900, Price: "65000", Qty: "0.5",
					Commission: "0.0005", CommissionAsset: "BNB",
					Time: testWindow.Add(6 * time.Hour).UnixMilli(), IsBuyer: true},
				{Symbol: "BTCUSDT", ID: 102, OrderID: 901, Price: "66000", Qty: "0.2",
					Commission: "13.2", CommissionAsset: "USDT",
					Time: testWindow.Add(8 * time.Hour).UnixMilli(), IsBuyer: false},
			},
		},
	}
	ing, _ := newIngestor(t, client)
	acc := seedAccount(t, ing.db, "u1", "main", models.MarketSpot)
	ctx := context.Background()

	res, err := ing.IngestAccount(ctx, &acc, testWindow, testWindow.Add(24*time.Hour), []string{"BTCUSDT"}, "", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Zero(t, res.Updated)

	var buy models.Trade
	require.NoError(t, ing.db.First(&buy, "trade_id = ?", "101").Error)
	assert.Equal(t, models.SideBuy, buy.Side)
	assert.Equal(t, models.MarketSpot, buy.Market)
	assert.Equal(t, "0.0005", buy.Fee.String())
	require.NotNil(t, buy.OrderID)
	assert.Equal(t, "900", *buy.OrderID)

	// The PnL engine owns realized_pnl on spot rows; a re-sync must not
	// reset what it computed.
	require.NoError(t, ing.db.Model(&models.Trade{}).
		Where("trade_id = ?", "101").
		Update("realized_pnl", dec("42")).Error)

	res, err = ing.IngestAccount(ctx, &acc, testWindow, testWindow.Add(24*time.Hour), []string{"BTCUSDT"}, "", "job-2")
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, int64(2), res.Updated)
	assert.Equal(t, int64(2), countTrades(t, ing.db))

	require.NoError(t, ing.db.First(&buy, "trade_id = ?", "101").Error)
	assert.True(t, buy.RealizedPnl.Equal(dec("42")))
}

func TestIngestAccountBothMarkets(t *testing.T) {
	client := &fakeRestClient{
		spot: map[string][]binance.SpotTrade{
			"ETHUSDT": {
				{Symbol: "ETHUSDT", ID: 1, OrderID: 10, Price: "3000", Qty: "1",
					Time: testWindow.Add(time.Hour).UnixMilli(), IsBuyer: true},
			},
		},
		futures: map[string][]binance.FuturesTrade{
			"ETHUSDT": {
				{Symbol: "ETHUSDT", ID: 2, OrderID: 20, Side: "SELL", Price: "3100",
					Qty: "0.5", RealizedPnl: "12.5",
					Time: testWindow.Add(2 * time.Hour).UnixMilli()},
			},
		},
	}
	ing, _ := newIngestor(t, client)
	acc := seedAccount(t, ing.db, "u1", "both", models.MarketBoth)

	res, err := ing.IngestAccount(context.Background(), &acc, testWindow, testWindow.Add(24*time.Hour), []string{"ETHUSDT"}, "", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)

	var futTrade models.Trade
	require.NoError(t, ing.db.First(&futTrade, "market = ?", models.MarketFutures).Error)
	assert.Equal(t, models.SideSell, futTrade.Side)
	assert.True(t, futTrade.RealizedPnl.Equal(dec("12.5")))

	var spotCount int64
	require.NoError(t, ing.db.Model(&models.Trade{}).
		Where("market = ?", models.MarketSpot).Count(&spotCount).Error)
	assert.Equal(t, int64(1), spotCount)
}

func TestIngestCashflows(t *testing.T) {
	client := &fakeRestClient{
		deposits: []binance.Deposit{
			{ID: "d1", Amount: "100", Coin: "USDT", Status: depositStatusSuccess,
				TxID: "0xabc", InsertTime: testWindow.Add(time.Hour).UnixMilli()},
			{ID: "d2", Amount: "50", Coin: "USDT", Status: 0, // pending, skipped
				TxID: "0xdef", InsertTime: testWindow.Add(time.Hour).UnixMilli()},
		},
		withdrawals: []binance.Withdrawal{
			{ID: "w1", Amount: "40", TransactionFee: "1", Coin: "USDT",
				Status: withdrawStatusCompleted, TxID: "0xfff",
				ApplyTime: "2024-05-10 10:00:00"},
			{ID: "w2", Amount: "10", TransactionFee: "1", Coin: "USDT",
				Status: 4, TxID: "0x111", ApplyTime: "2024-05-10 11:00:00"},
		},
	}
	ing, _ := newIngestor(t, client)
	acc := seedAccount(t, ing.db, "u1", "main", models.MarketSpot)
	ctx := context.Background()

	_, err := ing.IngestAccount(ctx, &acc, testWindow, testWindow.Add(24*time.Hour), []string{"BTCUSDT"}, "", "job-1")
	require.NoError(t, err)

	var flows []models.Cashflow
	require.NoError(t, ing.db.Order("occurred_at").Find(&flows).Error)
	require.Len(t, flows, 2)

	assert.Equal(t, models.CashflowDeposit, flows[0].Type)
	assert.True(t, flows[0].Amount.Equal(dec("100")))

	assert.Equal(t, models.CashflowWithdrawal, flows[1].Type)
	// Outflow is amount plus network fee, stored negative.
	assert.True(t, flows[1].Amount.Equal(dec("-41")), "got %s", flows[1].Amount)

	// Re-syncing the same window must not double-record movements.
	_, err = ing.IngestAccount(ctx, &acc, testWindow, testWindow.Add(24*time.Hour), []string{"BTCUSDT"}, "", "job-2")
	require.NoError(t, err)
	var n int64
	require.NoError(t, ing.db.Model(&models.Cashflow{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestIngestSkipsCashflowsForFuturesAccount(t *testing.T) {
	client := &fakeRestClient{
		deposits: []binance.Deposit{
			{ID: "d1", Amount: "100", Coin: "USDT", Status: depositStatusSuccess,
				InsertTime: testWindow.Add(time.Hour).UnixMilli()},
		},
	}
	ing, _ := newIngestor(t, client)
	acc := seedAccount(t, ing.db, "u1", "fut", models.MarketFutures)

	_, err := ing.IngestAccount(context.Background(), &acc, testWindow, testWindow.Add(24*time.Hour), []string{"BTCUSDT"}, "", "job-1")
	require.NoError(t, err)

	var n int64
	require.NoError(t, ing.db.Model(&models.Cashflow{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestIngestLeavesProgressTrail(t *testing.T) {
	client := &fakeRestClient{}
	ing, registry := newIngestor(t, client)
	acc := seedAccount(t, ing.db, "u1", "main", models.MarketSpot)
	ctx := context.Background()

	jobID := registry.NewJobID("sync")
	require.NoError(t, registry.SetProgress(ctx, &models.SyncJob{
		JobID: jobID, UserID: "u1", Status: models.JobStatusRunning, TotalSteps: 1,
	}))

	_, err := ing.IngestAccount(ctx, &acc, testWindow, testWindow.Add(48*time.Hour), []string{"BTCUSDT"}, "", jobID)
	require.NoError(t, err)

	job, err := registry.GetProgress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", job.CurrentSymbol)
	// Two day slices were crawled; the trail shows the last one.
	assert.Equal(t, "2024-05-11", job.CurrentDate)
	assert.Contains(t, job.Message, "fetching")
}

func TestIngestPropagatesFetchErrors(t *testing.T) {
	client := &fakeRestClient{err: errors.New("binance is down")}
	ing, _ := newIngestor(t, client)
	acc := seedAccount(t, ing.db, "u1", "main", models.MarketSpot)

	_, err := ing.IngestAccount(context.Background(), &acc, testWindow, testWindow.Add(24*time.Hour), []string{"BTCUSDT"}, "", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binance is down")
	assert.Contains(t, err.Error(), "BTCUSDT")
}
