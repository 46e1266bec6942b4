package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceDelta is one asset entry inside a balance update.
type BalanceDelta struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// BalanceUpdatePayload carries an account position snapshot from the private stream.
type BalanceUpdatePayload struct {
	Balances  []BalanceDelta
	EventTime time.Time
}

// BalanceRecord is the locally tracked balance of one asset.
// Invariant: Total equals Available plus Locked.
type BalanceRecord struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Consistent checks the total-vs-parts invariant.
func (r BalanceRecord) Consistent() bool {
	if r.Available.Sign() < 0 || r.Locked.Sign() < 0 {
		return false
	}
	return r.Total.Equal(r.Available.Add(r.Locked))
}
