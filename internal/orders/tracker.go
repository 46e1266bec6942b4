// Package orders tracks order lifecycle state: cancellation, bulk cancel,
// status queries, and reconciliation against the private stream.
package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schema"
	"github.com/tradewire/connector/lib/async"
)

// CancellationResult is the outcome of one cancel attempt. Failures always
// carry an error, never a silent false.
type CancellationResult struct {
	ClientOrderID string
	Success       bool
	Status        schema.OrderStatus
	TimedOut      bool
	Err           error
}

// BulkResult aggregates a CancelAll run.
type BulkResult struct {
	Requested int
	Canceled  int
	Failed    int
	TimedOut  int
	Results   []CancellationResult
}

type inflightCancel struct {
	done   chan struct{}
	result CancellationResult
}

// Tracker owns the local order and balance caches.
type Tracker struct {
	api   API
	clock func() time.Time

	mu       sync.Mutex
	orders   map[string]schema.OrderRecord
	balances map[string]schema.BalanceRecord
	cancels  map[string]*inflightCancel
	rejected uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTracker constructs a tracker over the given API.
func NewTracker(api API, opts ...Option) *Tracker {
	t := new(Tracker)
	t.api = api
	t.clock = time.Now
	t.orders = make(map[string]schema.OrderRecord)
	t.balances = make(map[string]schema.BalanceRecord)
	t.cancels = make(map[string]*inflightCancel)
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Track registers a locally submitted order in the cache.
func (t *Tracker) Track(record schema.OrderRecord) {
	if record.ClientOrderID == "" {
		return
	}
	t.mu.Lock()
	t.orders[record.ClientOrderID] = record
	t.mu.Unlock()
}

// Order returns the cached record for a client order id.
func (t *Tracker) Order(clientOrderID string) (schema.OrderRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.orders[clientOrderID]
	return record, ok
}

// Balance returns the cached balance for an asset.
func (t *Tracker) Balance(asset string) (schema.BalanceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.balances[strings.ToUpper(asset)]
	return record, ok
}

// RejectedUpdates counts reconciliation events refused for violating
// invariants.
func (t *Tracker) RejectedUpdates() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejected
}

// Cancel cancels one order. At most one cancel per order id runs at a time;
// a concurrent caller waits for the in-flight attempt and observes its result
// instead of issuing a second request.
func (t *Tracker) Cancel(ctx context.Context, clientOrderID, exchangeOrderID, symbol string) CancellationResult {
	if clientOrderID == "" {
		return CancellationResult{
			Err: errs.New("orders", errs.KindValidation, errs.WithMessage("client order id required")),
		}
	}

	t.mu.Lock()
	if inflight, ok := t.cancels[clientOrderID]; ok {
		t.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.result
		case <-ctx.Done():
			return CancellationResult{
				ClientOrderID: clientOrderID,
				Err:           fmt.Errorf("await in-flight cancel: %w", ctx.Err()),
			}
		}
	}
	inflight := &inflightCancel{done: make(chan struct{})}
	t.cancels[clientOrderID] = inflight
	t.mu.Unlock()

	result := t.doCancel(ctx, clientOrderID, exchangeOrderID, symbol)
	inflight.result = result
	close(inflight.done)

	t.mu.Lock()
	delete(t.cancels, clientOrderID)
	t.mu.Unlock()
	return result
}

func (t *Tracker) doCancel(ctx context.Context, clientOrderID, exchangeOrderID, symbol string) CancellationResult {
	result := CancellationResult{ClientOrderID: clientOrderID}

	if symbol == "" || exchangeOrderID == "" {
		if cached, ok := t.Order(clientOrderID); ok {
			if symbol == "" {
				symbol = cached.Symbol
			}
			if exchangeOrderID == "" {
				exchangeOrderID = cached.ExchangeOrderID
			}
		}
	}
	if symbol == "" {
		result.Err = errs.New("orders", errs.KindValidation,
			errs.WithOperation("cancel"),
			errs.WithMessage("symbol unknown for order "+clientOrderID))
		return result
	}

	record, err := t.api.CancelOrder(ctx, symbol, clientOrderID, exchangeOrderID)
	if err != nil {
		result.Err = fmt.Errorf("cancel order %s: %w", clientOrderID, err)
		observability.Telemetry().IncCounter("connector_cancels_total", 1, map[string]string{"result": "error"})
		return result
	}

	result.Status = record.Status
	if record.Status != schema.OrderStatusCanceled {
		result.Err = errs.New("orders", errs.KindClient,
			errs.WithOperation("cancel"),
			errs.WithMessage(fmt.Sprintf("order %s ended in status %s, not CANCELED", clientOrderID, record.Status)))
		observability.Telemetry().IncCounter("connector_cancels_total", 1, map[string]string{"result": "rejected"})
		return result
	}

	result.Success = true
	record.UpdatedAt = t.clock()
	t.Track(record)
	observability.Telemetry().IncCounter("connector_cancels_total", 1, map[string]string{"result": "success"})
	return result
}

// CancelAll fetches the open orders and cancels them concurrently. Cancels
// still pending at the deadline are reported as timed out, not retried.
func (t *Tracker) CancelAll(ctx context.Context, symbol string, timeout time.Duration) (BulkResult, error) {
	open, err := t.api.OpenOrders(ctx, symbol)
	if err != nil {
		return BulkResult{}, fmt.Errorf("list open orders: %w", err)
	}

	bulk := BulkResult{Requested: len(open)}
	if len(open) == 0 {
		return bulk, nil
	}

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workers := len(open)
	if workers > 8 {
		workers = 8
	}
	pool, err := async.NewPool[CancellationResult](workers, len(open))
	if err != nil {
		return BulkResult{}, fmt.Errorf("cancel pool: %w", err)
	}
	defer pool.Close()

	pending := make(map[string]struct{}, len(open))
	for _, order := range open {
		order := order
		submitErr := pool.Submit(deadline, func(taskCtx context.Context) (CancellationResult, error) {
			return t.Cancel(taskCtx, order.ClientOrderID, order.ExchangeOrderID, order.Symbol), nil
		})
		if submitErr != nil {
			bulk.Results = append(bulk.Results, CancellationResult{
				ClientOrderID: order.ClientOrderID,
				Err:           fmt.Errorf("schedule cancel: %w", submitErr),
			})
			bulk.Failed++
			continue
		}
		pending[order.ClientOrderID] = struct{}{}
	}

	for len(pending) > 0 {
		select {
		case res := <-pool.Results():
			result := res.Value
			if res.Err != nil && result.Err == nil {
				result.Err = res.Err
			}
			if result.ClientOrderID == "" {
				continue
			}
			delete(pending, result.ClientOrderID)
			bulk.Results = append(bulk.Results, result)
			switch {
			case result.Success:
				bulk.Canceled++
			default:
				bulk.Failed++
			}
		case <-deadline.Done():
			for id := range pending {
				bulk.Results = append(bulk.Results, CancellationResult{
					ClientOrderID: id,
					TimedOut:      true,
					Err: errs.New("orders", errs.KindNetwork,
						errs.WithOperation("cancel_all"),
						errs.WithMessage("cancel not completed before deadline")),
				})
				bulk.TimedOut++
			}
			return bulk, nil
		}
	}
	return bulk, nil
}

// Query fetches the order's authoritative state and refreshes the cache.
func (t *Tracker) Query(ctx context.Context, clientOrderID string) (schema.OrderRecord, error) {
	cached, ok := t.Order(clientOrderID)
	if !ok || cached.Symbol == "" {
		return schema.OrderRecord{}, errs.New("orders", errs.KindValidation,
			errs.WithOperation("query"),
			errs.WithMessage("unknown order "+clientOrderID))
	}
	record, err := t.api.QueryOrder(ctx, cached.Symbol, clientOrderID)
	if err != nil {
		return schema.OrderRecord{}, fmt.Errorf("query order %s: %w", clientOrderID, err)
	}
	t.Track(record)
	return record, nil
}

// Modify is unsupported by the venue protocol.
func (t *Tracker) Modify(context.Context, string) error {
	return errs.New("orders", errs.KindClient,
		errs.WithOperation("modify"),
		errs.WithMessage("order modification unsupported, use cancel-and-replace"))
}

// Apply reconciles one classified stream event into the local caches. Only
// valid events are applied; updates that would break an invariant are
// rejected, logged, and counted.
func (t *Tracker) Apply(event *schema.StreamEvent) {
	if !event.Valid() {
		return
	}
	switch payload := event.Payload.(type) {
	case schema.OrderUpdatePayload:
		t.applyOrderUpdate(payload)
	case schema.TradeExecutionPayload:
		t.applyTradeExecution(payload)
	case schema.BalanceUpdatePayload:
		t.applyBalanceUpdate(payload)
	}
}

func (t *Tracker) applyOrderUpdate(payload schema.OrderUpdatePayload) {
	next := schema.OrderRecord{
		ClientOrderID:   payload.ClientOrderID,
		ExchangeOrderID: payload.ExchangeOrderID,
		Symbol:          payload.Symbol,
		Side:            payload.Side,
		OrderType:       payload.OrderType,
		Status:          payload.Status,
		Price:           payload.Price,
		OriginalQty:     payload.OriginalQty,
		ExecutedQty:     payload.ExecutedQty,
		UpdatedAt:       payload.EventTime,
	}
	if !next.Consistent() {
		t.reject("order update breaks executed<=original", payload.ClientOrderID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.orders[payload.ClientOrderID]; ok {
		if payload.ExecutedQty.LessThan(existing.ExecutedQty) {
			t.rejected++
			observability.Telemetry().IncCounter("connector_updates_rejected_total", 1, nil)
			observability.Log().Warn("stream update rejected",
				observability.F("order", payload.ClientOrderID),
				observability.F("reason", "executed quantity regressed"))
			return
		}
	}
	t.orders[payload.ClientOrderID] = next
}

func (t *Tracker) applyTradeExecution(payload schema.TradeExecutionPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.orders[payload.ClientOrderID]
	if !ok {
		return
	}
	next := existing
	next.ExecutedQty = existing.ExecutedQty.Add(payload.Quantity)
	next.UpdatedAt = payload.Timestamp
	if !next.Consistent() {
		t.rejected++
		observability.Telemetry().IncCounter("connector_updates_rejected_total", 1, nil)
		observability.Log().Warn("stream update rejected",
			observability.F("order", payload.ClientOrderID),
			observability.F("reason", "fill would exceed original quantity"))
		return
	}
	if next.ExecutedQty.Equal(next.OriginalQty) {
		next.Status = schema.OrderStatusFilled
	} else if next.Status == schema.OrderStatusNew {
		next.Status = schema.OrderStatusPartiallyFilled
	}
	t.orders[payload.ClientOrderID] = next
}

func (t *Tracker) applyBalanceUpdate(payload schema.BalanceUpdatePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, delta := range payload.Balances {
		record := schema.BalanceRecord{
			Asset:     delta.Asset,
			Available: delta.Free,
			Locked:    delta.Locked,
			Total:     delta.Free.Add(delta.Locked),
			UpdatedAt: payload.EventTime,
		}
		t.balances[delta.Asset] = record
	}
}

func (t *Tracker) reject(reason, orderID string) {
	t.mu.Lock()
	t.rejected++
	t.mu.Unlock()
	observability.Telemetry().IncCounter("connector_updates_rejected_total", 1, nil)
	observability.Log().Warn("stream update rejected",
		observability.F("order", orderID),
		observability.F("reason", reason))
}

// Clear drops the local caches on shutdown.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.orders = make(map[string]schema.OrderRecord)
	t.balances = make(map[string]schema.BalanceRecord)
	t.mu.Unlock()
}
