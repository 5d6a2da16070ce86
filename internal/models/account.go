package models

import (
	"time"

	"gorm.io/gorm"
)

// Account links a user to one exchange market and owns the trades and
// cashflows pulled for it. API credentials are treated as opaque strings
// here; encrypting them at rest is the job of the layer that writes them.
type Account struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    string         `gorm:"index;not null" json:"userId"`
	Name      string         `json:"name"`
	Market    string         `gorm:"default:SPOT" json:"market"` // SPOT, FUTURES or BOTH
	APIKey    string         `json:"-"`
	APISecret string         `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ValidMarket reports whether m is an accepted account market value.
func ValidMarket(m string) bool {
	return m == MarketSpot || m == MarketFutures || m == MarketBoth
}
