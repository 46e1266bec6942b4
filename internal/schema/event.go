// Package schema defines the typed event and record model shared across the connector.
package schema

import "time"

// EventType discriminates the stream event union.
type EventType string

const (
	// EventTypeBalanceUpdate reports account balance changes from the private stream.
	EventTypeBalanceUpdate EventType = "balance_update"
	// EventTypeOrderUpdate reports order state transitions from the private stream.
	EventTypeOrderUpdate EventType = "order_update"
	// EventTypeTradeExecution reports fills attributed to own orders.
	EventTypeTradeExecution EventType = "trade_execution"
	// EventTypeBookDiff carries an order-book depth delta.
	EventTypeBookDiff EventType = "book_diff"
	// EventTypeTrade carries a public trade print.
	EventTypeTrade EventType = "trade"
	// EventTypeTicker carries a rolling ticker update.
	EventTypeTicker EventType = "ticker"
	// EventTypeSubscriptionAck acknowledges a subscribe/unsubscribe request.
	EventTypeSubscriptionAck EventType = "subscription_ack"
	// EventTypeProtocolError marks an unrecognized or undecodable frame.
	EventTypeProtocolError EventType = "protocol_error"
)

// Validation is the per-event validation verdict attached by the classifier.
type Validation int

const (
	// ValidationValid marks an event safe to apply to local caches.
	ValidationValid Validation = iota
	// ValidationMissingFields marks an event lacking required fields.
	ValidationMissingFields
	// ValidationInvalidFormat marks an event whose fields failed to parse.
	ValidationInvalidFormat
	// ValidationInconsistentData marks an event violating a domain invariant.
	ValidationInconsistentData
	// ValidationStale marks an event older than the staleness threshold.
	ValidationStale
)

// String returns the verdict's stable name.
func (v Validation) String() string {
	switch v {
	case ValidationValid:
		return "valid"
	case ValidationMissingFields:
		return "missing_fields"
	case ValidationInvalidFormat:
		return "invalid_format"
	case ValidationInconsistentData:
		return "inconsistent_data"
	case ValidationStale:
		return "stale"
	default:
		return "unknown"
	}
}

// StreamEvent is the classified form of one inbound frame.
// Only ValidationValid events may be applied to caches.
type StreamEvent struct {
	Type       EventType
	Stream     string
	Validation Validation
	Reason     string
	EventTime  time.Time
	ReceivedAt time.Time
	Payload    any
}

// Valid reports whether the event passed validation.
func (e *StreamEvent) Valid() bool {
	return e != nil && e.Validation == ValidationValid
}

// PriceLevel is a single depth level in string form as received on the wire.
type PriceLevel struct {
	Price    string
	Quantity string
}

// BookDiffPayload carries an order-book depth delta.
type BookDiffPayload struct {
	Symbol        string
	FirstUpdateID uint64
	FinalUpdateID uint64
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// TradePayload carries a public trade print.
type TradePayload struct {
	Symbol    string
	TradeID   uint64
	Price     string
	Quantity  string
	BuyerMade bool
	Timestamp time.Time
}

// TickerPayload carries a rolling ticker update.
type TickerPayload struct {
	Symbol    string
	LastPrice string
	BidPrice  string
	AskPrice  string
	Volume24h string
	Timestamp time.Time
}

// SubscriptionAckPayload acknowledges a control request by id.
type SubscriptionAckPayload struct {
	ID      uint64
	Success bool
	Code    int
	Message string
}

// ProtocolErrorPayload preserves an excerpt of the offending frame.
type ProtocolErrorPayload struct {
	Excerpt string
}
