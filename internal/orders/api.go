package orders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradewire/connector/internal/rest"
	"github.com/tradewire/connector/internal/schema"
)

const (
	orderPath      = "/api/v3/order"
	openOrdersPath = "/api/v3/openOrders"
)

// API is the REST surface the tracker drives.
type API interface {
	CancelOrder(ctx context.Context, symbol, clientOrderID, exchangeOrderID string) (schema.OrderRecord, error)
	OpenOrders(ctx context.Context, symbol string) ([]schema.OrderRecord, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (schema.OrderRecord, error)
}

// RESTAPI implements API against the venue's order endpoints.
type RESTAPI struct {
	client *rest.Client
}

// NewRESTAPI wraps a REST client.
func NewRESTAPI(client *rest.Client) *RESTAPI {
	return &RESTAPI{client: client}
}

type wireOrder struct {
	Symbol            string `json:"symbol"`
	OrderID           int64  `json:"orderId"`
	ClientOrderID     string `json:"clientOrderId"`
	OrigClientOrderID string `json:"origClientOrderId"`
	Price             string `json:"price"`
	OrigQty           string `json:"origQty"`
	ExecutedQty       string `json:"executedQty"`
	Status            string `json:"status"`
	Side              string `json:"side"`
	Type              string `json:"type"`
	TransactTime      int64  `json:"transactTime"`
	UpdateTime        int64  `json:"updateTime"`
}

func (w wireOrder) toRecord() (schema.OrderRecord, error) {
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return schema.OrderRecord{}, fmt.Errorf("parse order price %q: %w", w.Price, err)
	}
	origQty, err := decimal.NewFromString(w.OrigQty)
	if err != nil {
		return schema.OrderRecord{}, fmt.Errorf("parse order quantity %q: %w", w.OrigQty, err)
	}
	execQty, err := decimal.NewFromString(w.ExecutedQty)
	if err != nil {
		return schema.OrderRecord{}, fmt.Errorf("parse executed quantity %q: %w", w.ExecutedQty, err)
	}
	clientID := w.OrigClientOrderID
	if clientID == "" {
		clientID = w.ClientOrderID
	}
	updated := w.UpdateTime
	if updated == 0 {
		updated = w.TransactTime
	}
	record := schema.OrderRecord{
		ClientOrderID: clientID,
		Symbol:        strings.ToUpper(w.Symbol),
		Side:          schema.OrderSide(strings.ToUpper(w.Side)),
		OrderType:     schema.OrderType(strings.ToUpper(w.Type)),
		Status:        schema.OrderStatus(strings.ToUpper(w.Status)),
		Price:         price,
		OriginalQty:   origQty,
		ExecutedQty:   execQty,
	}
	if w.OrderID > 0 {
		record.ExchangeOrderID = strconv.FormatInt(w.OrderID, 10)
	}
	if updated > 0 {
		record.UpdatedAt = time.UnixMilli(updated).UTC()
	}
	return record, nil
}

// CancelOrder cancels one order by client id, optionally pinned to the
// exchange id.
func (a *RESTAPI) CancelOrder(ctx context.Context, symbol, clientOrderID, exchangeOrderID string) (schema.OrderRecord, error) {
	params := url.Values{
		"symbol":            {strings.ToUpper(symbol)},
		"origClientOrderId": {clientOrderID},
	}
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	body, err := a.client.Signed(ctx, http.MethodDelete, orderPath, params, "order")
	if err != nil {
		return schema.OrderRecord{}, err
	}
	var wire wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return schema.OrderRecord{}, fmt.Errorf("decode cancel response: %w", err)
	}
	return wire.toRecord()
}

// OpenOrders lists the currently open orders, optionally scoped to a symbol.
func (a *RESTAPI) OpenOrders(ctx context.Context, symbol string) ([]schema.OrderRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	body, err := a.client.Signed(ctx, http.MethodGet, openOrdersPath, params, "order")
	if err != nil {
		return nil, err
	}
	var wires []wireOrder
	if err := json.Unmarshal(body, &wires); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	records := make([]schema.OrderRecord, 0, len(wires))
	for _, wire := range wires {
		record, err := wire.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// QueryOrder fetches one order's current state.
func (a *RESTAPI) QueryOrder(ctx context.Context, symbol, clientOrderID string) (schema.OrderRecord, error) {
	params := url.Values{
		"symbol":            {strings.ToUpper(symbol)},
		"origClientOrderId": {clientOrderID},
	}
	body, err := a.client.Signed(ctx, http.MethodGet, orderPath, params, "order")
	if err != nil {
		return schema.OrderRecord{}, err
	}
	var wire wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return schema.OrderRecord{}, fmt.Errorf("decode order: %w", err)
	}
	return wire.toRecord()
}
