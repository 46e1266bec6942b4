package classifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/connector/internal/schema"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestClassifier() *Classifier {
	return New(func() time.Time { return testNow }, 5*time.Minute)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func TestClassifyDepthUpdateFromStreamEnvelope(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":%d,"s":"BTCUSDT","U":157,"u":160,"b":[["0.0024","10"]],"a":[["0.0026","100"]]}}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeBookDiff, evt.Type)
	require.True(t, evt.Valid(), "reason: %s", evt.Reason)
	require.Equal(t, "btcusdt@depth", evt.Stream)

	payload, ok := evt.Payload.(schema.BookDiffPayload)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", payload.Symbol)
	require.Equal(t, uint64(157), payload.FirstUpdateID)
	require.Len(t, payload.Bids, 1)
}

func TestClassifyFlatTradeByDiscriminator(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"trade","E":%d,"s":"BTCUSDT","t":12345,"p":"0.001","q":"100","T":%d,"m":true}`, millis(testNow), millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeTrade, evt.Type)
	require.True(t, evt.Valid())

	payload, ok := evt.Payload.(schema.TradePayload)
	require.True(t, ok)
	require.Equal(t, uint64(12345), payload.TradeID)
	require.False(t, payload.BuyerMade)
}

func TestStreamSuffixWinsOverDiscriminator(t *testing.T) {
	c := newTestClassifier()
	// The envelope names a trade stream but the payload claims a different
	// discriminator; the stream name decides.
	raw := fmt.Sprintf(`{"stream":"btcusdt@trade","data":{"e":"depthUpdate","E":%d,"s":"BTCUSDT","t":9,"p":"100.0","q":"0.5","T":%d}}`,
		millis(testNow), millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeTrade, evt.Type)
	require.Equal(t, "btcusdt@trade", evt.Stream)

	payload, ok := evt.Payload.(schema.TradePayload)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", payload.Symbol)
}

func TestClassifySubscriptionAck(t *testing.T) {
	c := newTestClassifier()

	evt := c.Classify([]byte(`{"result":null,"id":7}`))
	require.Equal(t, schema.EventTypeSubscriptionAck, evt.Type)
	ack, ok := evt.Payload.(schema.SubscriptionAckPayload)
	require.True(t, ok)
	require.Equal(t, uint64(7), ack.ID)
	require.True(t, ack.Success)

	evt = c.Classify([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":8}`))
	ack, ok = evt.Payload.(schema.SubscriptionAckPayload)
	require.True(t, ok)
	require.False(t, ack.Success)
	require.Equal(t, 2, ack.Code)
}

func TestClassifyUnrecognizedPayloadBecomesProtocolError(t *testing.T) {
	c := newTestClassifier()

	evt := c.Classify([]byte(`{"foo":"bar"}`))
	require.Equal(t, schema.EventTypeProtocolError, evt.Type)
	require.False(t, evt.Valid())

	evt = c.Classify([]byte(`not json at all`))
	require.Equal(t, schema.EventTypeProtocolError, evt.Type)
	require.False(t, evt.Valid())
}

func TestClassifyBalanceUpdate(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"outboundAccountPosition","E":%d,"B":[{"a":"BTC","f":"1.5","l":"0.5"},{"a":"USDT","f":"100","l":"0"}]}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeBalanceUpdate, evt.Type)
	require.True(t, evt.Valid(), "reason: %s", evt.Reason)

	payload, ok := evt.Payload.(schema.BalanceUpdatePayload)
	require.True(t, ok)
	require.Len(t, payload.Balances, 2)
	require.True(t, payload.Balances[0].Free.Equal(decimal.RequireFromString("1.5")))
}

func TestNegativeBalanceIsInconsistentData(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"outboundAccountPosition","E":%d,"B":[{"a":"BTC","f":"-1","l":"0"}]}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeBalanceUpdate, evt.Type)
	require.Equal(t, schema.ValidationInconsistentData, evt.Validation)
	require.Nil(t, evt.Payload)
}

func TestStaleBalanceUpdateIsFlagged(t *testing.T) {
	c := newTestClassifier()
	old := testNow.Add(-10 * time.Minute)
	raw := fmt.Sprintf(`{"e":"outboundAccountPosition","E":%d,"B":[{"a":"BTC","f":"1","l":"0"}]}`, millis(old))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.ValidationStale, evt.Validation)
}

func TestClassifyExecutionReportOrderUpdate(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"executionReport","E":%d,"s":"ETHUSDT","c":"order-1","S":"BUY","o":"LIMIT","X":"PARTIALLY_FILLED","i":4293153,"p":"3000.00","q":"2","z":"0.5","x":"NEW"}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeOrderUpdate, evt.Type)
	require.True(t, evt.Valid(), "reason: %s", evt.Reason)

	payload, ok := evt.Payload.(schema.OrderUpdatePayload)
	require.True(t, ok)
	require.Equal(t, "order-1", payload.ClientOrderID)
	require.Equal(t, schema.OrderStatusPartiallyFilled, payload.Status)
	require.Equal(t, "4293153", payload.ExchangeOrderID)
	require.True(t, payload.ExecutedQty.LessThanOrEqual(payload.OriginalQty))
}

func TestExecutionReportOverfillIsInconsistent(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"executionReport","E":%d,"s":"ETHUSDT","c":"order-1","S":"BUY","o":"LIMIT","X":"FILLED","i":1,"p":"3000.00","q":"2","z":"3","x":"NEW"}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.ValidationInconsistentData, evt.Validation)
}

func TestExecutionReportUnknownStatusRejected(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"executionReport","E":%d,"s":"ETHUSDT","c":"order-1","S":"BUY","o":"LIMIT","X":"HALF_DONE","i":1,"p":"1","q":"2","z":"1","x":"NEW"}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.ValidationInvalidFormat, evt.Validation)
}

func TestExecutionReportFillBecomesTradeExecution(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"executionReport","E":%d,"s":"ETHUSDT","c":"order-1","S":"BUY","o":"LIMIT","X":"PARTIALLY_FILLED","i":9,"p":"3000","q":"2","z":"0.5","x":"TRADE","t":777,"L":"2999.5","l":"0.5","n":"0.001","N":"BNB","T":%d}`, millis(testNow), millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeTradeExecution, evt.Type)
	require.True(t, evt.Valid(), "reason: %s", evt.Reason)

	payload, ok := evt.Payload.(schema.TradeExecutionPayload)
	require.True(t, ok)
	require.Equal(t, uint64(777), payload.TradeID)
	require.Equal(t, "BNB", payload.CommissionAsset)
	require.True(t, payload.Price.IsPositive())
}

func TestTradeExecutionRequiresPositiveFields(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"e":"executionReport","E":%d,"s":"ETHUSDT","c":"o","S":"BUY","o":"LIMIT","X":"FILLED","i":9,"p":"1","q":"2","z":"2","x":"TRADE","t":5,"L":"-1","l":"0.5","T":%d}`, millis(testNow), millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeTradeExecution, evt.Type)
	require.Equal(t, schema.ValidationInconsistentData, evt.Validation)
}

func TestClassifyTicker(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":%d,"s":"BTCUSDT","c":"67000.1","b":"67000.0","a":"67000.2","v":"1234"}}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeTicker, evt.Type)
	require.True(t, evt.Valid())
	payload, ok := evt.Payload.(schema.TickerPayload)
	require.True(t, ok)
	require.Equal(t, "67000.1", payload.LastPrice)
}

func TestStreamSuffixWinsWhenDiscriminatorAbsent(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Sprintf(`{"stream":"ethusdt@depth@100ms","data":{"E":%d,"s":"ETHUSDT","U":1,"u":2,"b":[],"a":[]}}`, millis(testNow))

	evt := c.Classify([]byte(raw))
	require.Equal(t, schema.EventTypeBookDiff, evt.Type)
}
