package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade side values as reported by the exchange.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Markets a trade belongs to. Accounts may additionally be configured as
// MarketBoth, which ingests SPOT and FUTURES in one pass.
const (
	MarketSpot    = "SPOT"
	MarketFutures = "FUTURES"
	MarketBoth    = "BOTH"
)

// Trade represents one executed fill pulled from the exchange. After
// ingestion the only mutations are RealizedPnl rewrites by the PnL engine
// and whole-row deletes by the dedup engine, so the table deliberately has
// no soft-delete column.
type Trade struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	AccountID   uint            `gorm:"index:idx_trades_account_trade,priority:1;not null" json:"accountId"`
	Symbol      string          `gorm:"index;not null" json:"symbol"`
	Side        string          `gorm:"not null" json:"side"` // "BUY" or "SELL"
	Quantity    decimal.Decimal `gorm:"type:numeric(30,10)" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:numeric(30,10)" json:"price"`
	Fee         decimal.Decimal `gorm:"type:numeric(30,10)" json:"fee"`
	FeeAsset    string          `json:"feeAsset,omitempty"`
	RealizedPnl decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10)" json:"realizedPnl"`
	Market      string          `gorm:"index" json:"market"`
	ExecutedAt  time.Time       `gorm:"index" json:"executedAt"`
	// OrderID and TradeID are assigned by the exchange and absent on rows
	// created by hand or by older imports. TradeID is unique per account on
	// the exchange side, which makes it the strongest dedup key.
	OrderID   *string   `json:"orderId,omitempty"`
	TradeID   *string   `gorm:"index:idx_trades_account_trade,priority:2" json:"tradeId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
