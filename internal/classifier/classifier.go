// Package classifier turns raw wire payloads into typed, validated stream events.
package classifier

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schema"
)

const protocolErrorExcerptLimit = 256

// Classifier decodes inbound frames. It never panics and never returns an
// error: undecodable payloads become ProtocolError events, invalid payloads
// carry a non-valid verdict.
type Classifier struct {
	now       func() time.Time
	staleness time.Duration
}

// New builds a classifier. now should read the drift-corrected clock so the
// staleness verdict is relative to server time.
func New(now func() time.Time, staleness time.Duration) *Classifier {
	if now == nil {
		now = time.Now
	}
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	return &Classifier{now: now, staleness: staleness}
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *uint64         `json:"id"`
	Error  *ackError       `json:"error"`
}

type ackError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Classify decodes one raw frame into a stream event.
func (c *Classifier) Classify(raw []byte) *schema.StreamEvent {
	received := c.now()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		evt := c.protocolError(raw, received, "undecodable frame")
		c.count(evt)
		return evt
	}

	payload := raw
	stream := strings.TrimSpace(env.Stream)
	if stream != "" && len(env.Data) > 0 {
		payload = env.Data
	}

	// Control frames acknowledge subscribe/unsubscribe requests by id.
	if stream == "" && env.ID != nil {
		evt := c.classifyAck(env, received)
		c.count(evt)
		return evt
	}

	// The stream-name suffix is authoritative; the embedded discriminator
	// only decides streamless frames.
	eventType := inferFromStream(stream)
	if eventType == "" {
		eventType = eventTypeOf(payload)
	}

	var evt *schema.StreamEvent
	switch eventType {
	case "outboundaccountposition":
		evt = c.classifyBalanceUpdate(payload, received)
	case "executionreport":
		evt = c.classifyExecutionReport(payload, received)
	case "depthupdate":
		evt = c.classifyBookDiff(payload, received)
	case "trade", "aggtrade":
		evt = c.classifyTrade(payload, received)
	case "24hrticker", "ticker":
		evt = c.classifyTicker(payload, received)
	default:
		evt = c.protocolError(raw, received, "unrecognized event type "+eventType)
	}
	evt.Stream = stream
	c.count(evt)
	return evt
}

func (c *Classifier) count(evt *schema.StreamEvent) {
	observability.Telemetry().IncCounter("connector_events_classified_total", 1, map[string]string{
		"type":       string(evt.Type),
		"validation": evt.Validation.String(),
	})
}

func (c *Classifier) classifyAck(env envelope, received time.Time) *schema.StreamEvent {
	ack := schema.SubscriptionAckPayload{ID: *env.ID, Success: env.Error == nil}
	if env.Error != nil {
		ack.Code = env.Error.Code
		ack.Message = env.Error.Msg
	}
	return &schema.StreamEvent{
		Type:       schema.EventTypeSubscriptionAck,
		Validation: schema.ValidationValid,
		ReceivedAt: received,
		Payload:    ack,
	}
}

func (c *Classifier) protocolError(raw []byte, received time.Time, reason string) *schema.StreamEvent {
	excerpt := string(raw)
	if len(excerpt) > protocolErrorExcerptLimit {
		excerpt = excerpt[:protocolErrorExcerptLimit]
	}
	return &schema.StreamEvent{
		Type:       schema.EventTypeProtocolError,
		Validation: schema.ValidationInvalidFormat,
		Reason:     reason,
		ReceivedAt: received,
		Payload:    schema.ProtocolErrorPayload{Excerpt: excerpt},
	}
}

func (c *Classifier) verdictForAge(eventTime, received time.Time) (schema.Validation, string) {
	if eventTime.IsZero() {
		return schema.ValidationValid, ""
	}
	if received.Sub(eventTime) > c.staleness {
		return schema.ValidationStale, "event older than staleness threshold"
	}
	return schema.ValidationValid, ""
}

type accountPosition struct {
	EventType string            `json:"e"`
	EventTime int64             `json:"E"`
	Balances  []accountsBalance `json:"B"`
}

type accountsBalance struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

func (c *Classifier) classifyBalanceUpdate(data []byte, received time.Time) *schema.StreamEvent {
	evt := &schema.StreamEvent{Type: schema.EventTypeBalanceUpdate, ReceivedAt: received}

	var payload accountPosition
	if err := json.Unmarshal(data, &payload); err != nil {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "decode balance update: " + err.Error()
		return evt
	}
	evt.EventTime = time.UnixMilli(payload.EventTime).UTC()

	if len(payload.Balances) == 0 {
		evt.Validation = schema.ValidationMissingFields
		evt.Reason = "balance update without entries"
		return evt
	}

	out := schema.BalanceUpdatePayload{EventTime: evt.EventTime}
	for _, entry := range payload.Balances {
		asset := strings.ToUpper(strings.TrimSpace(entry.Asset))
		if asset == "" || entry.Free == "" || entry.Locked == "" {
			evt.Validation = schema.ValidationMissingFields
			evt.Reason = "balance entry missing asset/free/locked"
			return evt
		}
		free, errFree := decimal.NewFromString(entry.Free)
		locked, errLocked := decimal.NewFromString(entry.Locked)
		if errFree != nil || errLocked != nil {
			evt.Validation = schema.ValidationInvalidFormat
			evt.Reason = "balance entry not numeric"
			return evt
		}
		if free.Sign() < 0 || locked.Sign() < 0 {
			evt.Validation = schema.ValidationInconsistentData
			evt.Reason = "negative balance for " + asset
			return evt
		}
		out.Balances = append(out.Balances, schema.BalanceDelta{Asset: asset, Free: free, Locked: locked})
	}
	evt.Payload = out
	evt.Validation, evt.Reason = c.verdictForAge(evt.EventTime, received)
	return evt
}

type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	Status          string `json:"X"`
	ExchangeOrderID int64  `json:"i"`
	Price           string `json:"p"`
	OriginalQty     string `json:"q"`
	ExecutedQty     string `json:"z"`
	ExecutionType   string `json:"x"`
	TradeID         int64  `json:"t"`
	LastPrice       string `json:"L"`
	LastQty         string `json:"l"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TransactTime    int64  `json:"T"`
}

func (c *Classifier) classifyExecutionReport(data []byte, received time.Time) *schema.StreamEvent {
	evt := &schema.StreamEvent{Type: schema.EventTypeOrderUpdate, ReceivedAt: received}

	var payload executionReport
	if err := json.Unmarshal(data, &payload); err != nil {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "decode execution report: " + err.Error()
		return evt
	}
	evt.EventTime = time.UnixMilli(payload.EventTime).UTC()

	// Fills carry a trade id; they classify as trade executions instead.
	if strings.EqualFold(payload.ExecutionType, "TRADE") && payload.TradeID > 0 {
		return c.classifyTradeExecution(payload, evt.EventTime, received)
	}

	if payload.ClientOrderID == "" || payload.Symbol == "" || payload.Side == "" ||
		payload.OrderType == "" || payload.Status == "" ||
		payload.OriginalQty == "" || payload.Price == "" || payload.ExecutedQty == "" {
		evt.Validation = schema.ValidationMissingFields
		evt.Reason = "execution report missing required fields"
		return evt
	}

	status := schema.OrderStatus(strings.ToUpper(payload.Status))
	if !schema.KnownOrderStatus(status) {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "unknown order status " + payload.Status
		return evt
	}

	price, errPrice := decimal.NewFromString(payload.Price)
	origQty, errOrig := decimal.NewFromString(payload.OriginalQty)
	execQty, errExec := decimal.NewFromString(payload.ExecutedQty)
	if errPrice != nil || errOrig != nil || errExec != nil {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "execution report not numeric"
		return evt
	}
	if execQty.Sign() < 0 || execQty.GreaterThan(origQty) {
		evt.Validation = schema.ValidationInconsistentData
		evt.Reason = "executed quantity exceeds original"
		return evt
	}

	evt.Payload = schema.OrderUpdatePayload{
		Symbol:          strings.ToUpper(payload.Symbol),
		ClientOrderID:   payload.ClientOrderID,
		ExchangeOrderID: formatOrderID(payload.ExchangeOrderID),
		Side:            schema.OrderSide(strings.ToUpper(payload.Side)),
		OrderType:       schema.OrderType(strings.ToUpper(payload.OrderType)),
		Status:          status,
		Price:           price,
		OriginalQty:     origQty,
		ExecutedQty:     execQty,
		EventTime:       evt.EventTime,
	}
	evt.Validation, evt.Reason = c.verdictForAge(evt.EventTime, received)
	return evt
}

func (c *Classifier) classifyTradeExecution(payload executionReport, eventTime, received time.Time) *schema.StreamEvent {
	evt := &schema.StreamEvent{Type: schema.EventTypeTradeExecution, ReceivedAt: received, EventTime: eventTime}

	if payload.TradeID <= 0 || payload.LastPrice == "" || payload.LastQty == "" || payload.TransactTime <= 0 {
		evt.Validation = schema.ValidationMissingFields
		evt.Reason = "trade execution missing trade id/price/qty/timestamp"
		return evt
	}
	price, errPrice := decimal.NewFromString(payload.LastPrice)
	qty, errQty := decimal.NewFromString(payload.LastQty)
	if errPrice != nil || errQty != nil {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "trade execution not numeric"
		return evt
	}
	if price.Sign() <= 0 || qty.Sign() <= 0 {
		evt.Validation = schema.ValidationInconsistentData
		evt.Reason = "trade execution requires positive price and quantity"
		return evt
	}
	commission := decimal.Zero
	if payload.Commission != "" {
		if parsed, err := decimal.NewFromString(payload.Commission); err == nil {
			commission = parsed
		}
	}

	evt.Payload = schema.TradeExecutionPayload{
		Symbol:          strings.ToUpper(payload.Symbol),
		ClientOrderID:   payload.ClientOrderID,
		ExchangeOrderID: formatOrderID(payload.ExchangeOrderID),
		TradeID:         uint64(payload.TradeID),
		Price:           price,
		Quantity:        qty,
		Commission:      commission,
		CommissionAsset: strings.ToUpper(payload.CommissionAsset),
		Timestamp:       time.UnixMilli(payload.TransactTime).UTC(),
	}
	evt.Validation, evt.Reason = c.verdictForAge(evt.EventTime, received)
	return evt
}

type depthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func (c *Classifier) classifyBookDiff(data []byte, received time.Time) *schema.StreamEvent {
	evt := &schema.StreamEvent{Type: schema.EventTypeBookDiff, ReceivedAt: received}

	var payload depthUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "decode depth update: " + err.Error()
		return evt
	}
	evt.EventTime = time.UnixMilli(payload.EventTime).UTC()

	if strings.TrimSpace(payload.Symbol) == "" {
		evt.Validation = schema.ValidationMissingFields
		evt.Reason = "depth update missing symbol"
		return evt
	}
	if payload.FinalUpdateID < payload.FirstUpdateID {
		evt.Validation = schema.ValidationInconsistentData
		evt.Reason = "depth update id range inverted"
		return evt
	}

	evt.Payload = schema.BookDiffPayload{
		Symbol:        strings.ToUpper(payload.Symbol),
		FirstUpdateID: payload.FirstUpdateID,
		FinalUpdateID: payload.FinalUpdateID,
		Bids:          toPriceLevels(payload.Bids),
		Asks:          toPriceLevels(payload.Asks),
	}
	evt.Validation, evt.Reason = c.verdictForAge(evt.EventTime, received)
	return evt
}

type wsTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      uint64 `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (c *Classifier) classifyTrade(data []byte, received time.Time) *schema.StreamEvent {
	evt := &schema.StreamEvent{Type: schema.EventTypeTrade, ReceivedAt: received}

	var payload wsTrade
	if err := json.Unmarshal(data, &payload); err != nil {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "decode trade: " + err.Error()
		return evt
	}
	evt.EventTime = time.UnixMilli(payload.EventTime).UTC()

	if strings.TrimSpace(payload.Symbol) == "" || payload.Price == "" || payload.Quantity == "" {
		evt.Validation = schema.ValidationMissingFields
		evt.Reason = "trade missing symbol/price/quantity"
		return evt
	}

	evt.Payload = schema.TradePayload{
		Symbol:    strings.ToUpper(payload.Symbol),
		TradeID:   payload.TradeID,
		Price:     payload.Price,
		Quantity:  payload.Quantity,
		BuyerMade: !payload.IsBuyerMaker,
		Timestamp: time.UnixMilli(payload.TradeTime).UTC(),
	}
	evt.Validation, evt.Reason = c.verdictForAge(evt.EventTime, received)
	return evt
}

type ticker24hr struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Volume    string `json:"v"`
}

func (c *Classifier) classifyTicker(data []byte, received time.Time) *schema.StreamEvent {
	evt := &schema.StreamEvent{Type: schema.EventTypeTicker, ReceivedAt: received}

	var payload ticker24hr
	if err := json.Unmarshal(data, &payload); err != nil {
		evt.Validation = schema.ValidationInvalidFormat
		evt.Reason = "decode ticker: " + err.Error()
		return evt
	}
	evt.EventTime = time.UnixMilli(payload.EventTime).UTC()

	if strings.TrimSpace(payload.Symbol) == "" {
		evt.Validation = schema.ValidationMissingFields
		evt.Reason = "ticker missing symbol"
		return evt
	}

	evt.Payload = schema.TickerPayload{
		Symbol:    strings.ToUpper(payload.Symbol),
		LastPrice: payload.LastPrice,
		BidPrice:  payload.BidPrice,
		AskPrice:  payload.AskPrice,
		Volume24h: payload.Volume,
		Timestamp: evt.EventTime,
	}
	evt.Validation, evt.Reason = c.verdictForAge(evt.EventTime, received)
	return evt
}

// eventTypeOf reads the embedded discriminator field, consulted when the
// stream name does not identify the payload.
func eventTypeOf(data []byte) string {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(probe.EventType))
}

// inferFromStream maps the stream-name suffix, e.g. btcusdt@depth.
func inferFromStream(stream string) string {
	stream = strings.ToLower(stream)
	if idx := strings.IndexByte(stream, '@'); idx >= 0 {
		stream = stream[idx+1:]
	}
	switch {
	case strings.HasPrefix(stream, "depth"):
		return "depthupdate"
	case strings.HasPrefix(stream, "aggtrade"):
		return "aggtrade"
	case strings.HasPrefix(stream, "trade"):
		return "trade"
	case strings.HasPrefix(stream, "ticker"):
		return "24hrticker"
	default:
		return ""
	}
}

func toPriceLevels(levels [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: level[0], Quantity: level[1]})
	}
	return out
}

func formatOrderID(id int64) string {
	if id <= 0 {
		return ""
	}
	return decimal.NewFromInt(id).String()
}
