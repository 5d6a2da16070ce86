package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cashflow types.
const (
	CashflowDeposit    = "DEPOSIT"
	CashflowWithdrawal = "WITHDRAWAL"
	CashflowAdjustment = "ADJUSTMENT"
)

// Cashflow is a deposit, withdrawal or manual adjustment affecting an
// account's cash balance. Ingestion writes these; the sync core never
// mutates them afterwards. Amount is signed: withdrawals are negative.
type Cashflow struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	AccountID uint            `gorm:"index;not null" json:"accountId"`
	Type      string          `gorm:"not null" json:"type"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `gorm:"type:numeric(30,10)" json:"amount"`
	// ExternalID carries the exchange's transaction identifier so re-running
	// a sync does not double-record the same movement.
	ExternalID *string   `gorm:"index" json:"externalId,omitempty"`
	OccurredAt time.Time `gorm:"index" json:"occurredAt"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
