package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the trade direction of an order.
type OrderSide string

const (
	// OrderSideBuy marks a buy order.
	OrderSideBuy OrderSide = "BUY"
	// OrderSideSell marks a sell order.
	OrderSideSell OrderSide = "SELL"
)

// OrderType names the exchange order type.
type OrderType string

const (
	// OrderTypeLimit marks a limit order.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeMarket marks a market order.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeStopLoss marks a stop-loss order.
	OrderTypeStopLoss OrderType = "STOP_LOSS"
	// OrderTypeStopLossLimit marks a stop-loss-limit order.
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// OrderStatus is the exchange-reported order state.
type OrderStatus string

const (
	// OrderStatusNew marks an accepted, unfilled order.
	OrderStatusNew OrderStatus = "NEW"
	// OrderStatusPartiallyFilled marks a partially executed order.
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderStatusFilled marks a fully executed order.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCanceled marks a canceled order.
	OrderStatusCanceled OrderStatus = "CANCELED"
	// OrderStatusPendingCancel marks an order whose cancel is in flight.
	OrderStatusPendingCancel OrderStatus = "PENDING_CANCEL"
	// OrderStatusRejected marks a rejected order.
	OrderStatusRejected OrderStatus = "REJECTED"
	// OrderStatusExpired marks an order expired by the exchange.
	OrderStatusExpired OrderStatus = "EXPIRED"
)

// KnownOrderStatus reports whether the status belongs to the closed set.
func KnownOrderStatus(status OrderStatus) bool {
	switch status {
	case OrderStatusNew, OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCanceled, OrderStatusPendingCancel, OrderStatusRejected,
		OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// OrderUpdatePayload carries an order state transition from the private stream.
type OrderUpdatePayload struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Side            OrderSide
	OrderType       OrderType
	Status          OrderStatus
	Price           decimal.Decimal
	OriginalQty     decimal.Decimal
	ExecutedQty     decimal.Decimal
	EventTime       time.Time
}

// TradeExecutionPayload carries an own-order fill.
type TradeExecutionPayload struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	TradeID         uint64
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	Timestamp       time.Time
}

// OrderRecord is the locally tracked state of one order. Created on
// submission and mutated only by applying valid order updates or local
// cancellation responses.
type OrderRecord struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	OrderType       OrderType
	Status          OrderStatus
	Price           decimal.Decimal
	OriginalQty     decimal.Decimal
	ExecutedQty     decimal.Decimal
	UpdatedAt       time.Time
}

// RemainingQty derives the unexecuted quantity.
func (r OrderRecord) RemainingQty() decimal.Decimal {
	remaining := r.OriginalQty.Sub(r.ExecutedQty)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

// Consistent checks the executed-vs-original invariant.
func (r OrderRecord) Consistent() bool {
	if r.ExecutedQty.Sign() < 0 || r.OriginalQty.Sign() < 0 {
		return false
	}
	return r.ExecutedQty.LessThanOrEqual(r.OriginalQty)
}
