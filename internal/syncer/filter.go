package syncer

import (
	"errors"
	"fmt"
	"time"

	"binance-pnl-tracker-go/internal/models"
	"gorm.io/gorm"
)

// ErrValidation marks a request rejected before any work started. Handlers
// translate it to a client error instead of a server failure.
var ErrValidation = errors.New("validation failed")

// TradeFilter narrows a maintenance operation to a slice of an owner's
// trade history. All fields are optional; a zero filter matches every
// trade the owner has.
type TradeFilter struct {
	Month     string `json:"month,omitempty"`     // "2006-01", whole calendar month
	StartDate string `json:"startDate,omitempty"` // "2006-01-02"
	EndDate   string `json:"endDate,omitempty"`   // "2006-01-02", inclusive
	Market    string `json:"market,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
}

// IsZero reports whether no filter field is set.
func (f TradeFilter) IsZero() bool {
	return f.Month == "" && f.StartDate == "" && f.EndDate == "" && f.Market == "" && f.Symbol == ""
}

// Window resolves the filter's time bounds. A zero return time means that
// side is unbounded. The end bound is exclusive: an inclusive EndDate is
// widened to the following midnight.
func (f TradeFilter) Window() (start, end time.Time, err error) {
	if f.Month != "" {
		if f.StartDate != "" || f.EndDate != "" {
			return start, end, fmt.Errorf("%w: month and startDate/endDate are mutually exclusive", ErrValidation)
		}
		start, err = time.Parse("2006-01", f.Month)
		if err != nil {
			return start, end, fmt.Errorf("%w: bad month %q", ErrValidation, f.Month)
		}
		return start, start.AddDate(0, 1, 0), nil
	}

	if f.StartDate != "" {
		start, err = parseDay(f.StartDate)
		if err != nil {
			return start, end, fmt.Errorf("%w: bad startDate %q", ErrValidation, f.StartDate)
		}
	}
	if f.EndDate != "" {
		end, err = parseDay(f.EndDate)
		if err != nil {
			return start, end, fmt.Errorf("%w: bad endDate %q", ErrValidation, f.EndDate)
		}
		end = end.AddDate(0, 0, 1)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("%w: endDate before startDate", ErrValidation)
	}
	return start, end, nil
}

// Scope builds a query over the owner's trades narrowed by the filter.
// Account ownership is enforced with a subquery so a filter can never
// reach across users.
func (f TradeFilter) Scope(db *gorm.DB, owner string) (*gorm.DB, error) {
	start, end, err := f.Window()
	if err != nil {
		return nil, err
	}

	owned := db.Model(&models.Account{}).Select("id").Where("user_id = ?", owner)
	q := db.Model(&models.Trade{}).Where("account_id IN (?)", owned)

	if !start.IsZero() {
		q = q.Where("executed_at >= ?", start)
	}
	if !end.IsZero() {
		q = q.Where("executed_at < ?", end)
	}
	if f.Market != "" {
		q = q.Where("market = ?", f.Market)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	return q, nil
}

func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
