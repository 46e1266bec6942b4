// Package conn owns one WebSocket session: its state machine, subscription
// set, heartbeat monitoring, and bounded reconnection.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/backoff"
	"github.com/tradewire/connector/internal/classifier"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/schema"
)

const (
	// The venue limits control frames to 5 per second per connection.
	controlMessageInterval = 250 * time.Millisecond
	maxStreamsPerRequest   = 100
	controlWriteTimeout    = 5 * time.Second
)

// State is the session lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Handler consumes classified events for one subscription.
type Handler func(event *schema.StreamEvent)

type subscription struct {
	channel string
	handler Handler
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// Settings configure one connection manager.
type Settings struct {
	URL               string
	HeartbeatInterval time.Duration
	MaxReconnects     int
	Backoff           backoff.Settings
}

func (s Settings) normalized() Settings {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 30 * time.Second
	}
	if s.MaxReconnects <= 0 {
		s.MaxReconnects = 10
	}
	return s
}

// Manager keeps one transport session alive and routes its frames.
type Manager struct {
	settings   Settings
	dialer     Dialer
	classifier *classifier.Classifier
	engine     *backoff.Engine
	clock      func() time.Time
	fallback   Handler

	state atomic.Int32
	msgID atomic.Uint64

	mu          sync.Mutex
	url         string
	conn        Conn
	runCtx      context.Context
	cancel      context.CancelFunc
	subs        map[string]subscription
	subSeq      uint64
	acks        map[uint64]schema.SubscriptionAckPayload
	lastReceive time.Time

	controlMu       sync.Mutex
	lastControlSend time.Time

	ready     chan struct{}
	readyOnce sync.Once
	fatal     chan error
	done      chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer overrides the transport dialer.
func WithDialer(dialer Dialer) Option {
	return func(m *Manager) {
		if dialer != nil {
			m.dialer = dialer
		}
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithFallbackHandler routes frames that carry no stream identifier, such as
// user-stream events arriving on a raw connection.
func WithFallbackHandler(handler Handler) Option {
	return func(m *Manager) {
		m.fallback = handler
	}
}

// WithBackoffRand seeds jitter deterministically for tests.
func WithBackoffRand(opt backoff.Option) Option {
	return func(m *Manager) {
		m.engine = backoff.NewEngine(m.settings.Backoff, opt, backoff.WithMaxAttempts(m.settings.MaxReconnects))
	}
}

// NewManager constructs a manager around the given classifier.
func NewManager(settings Settings, cls *classifier.Classifier, opts ...Option) *Manager {
	settings = settings.normalized()
	m := new(Manager)
	m.settings = settings
	m.url = settings.URL
	m.dialer = WSDialer{}
	m.classifier = cls
	m.engine = backoff.NewEngine(settings.Backoff, backoff.WithMaxAttempts(settings.MaxReconnects))
	m.clock = time.Now
	m.subs = make(map[string]subscription)
	m.acks = make(map[uint64]schema.SubscriptionAckPayload)
	m.ready = make(chan struct{})
	m.fatal = make(chan error, 1)
	m.done = make(chan struct{})
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns the current lifecycle position.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	observability.Telemetry().SetGauge("connector_session_state", float64(s), nil)
}

// Err delivers the fatal error once reconnection attempts are exhausted.
func (m *Manager) Err() <-chan error {
	return m.fatal
}

// Start opens the session and begins supervision. It blocks until the first
// successful connect, a fatal failure, or context cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.runCtx != nil {
		m.mu.Unlock()
		return errs.New("conn", errs.KindClient, errs.WithMessage("already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		m.run(runCtx)
	}()

	select {
	case <-m.ready:
		return nil
	case err := <-m.fatal:
		return err
	case <-runCtx.Done():
		return fmt.Errorf("start session: %w", runCtx.Err())
	}
}

// Stop tears the session down and waits for supervision to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close("shutdown")
	}
	<-m.done
	m.setState(StateDisconnected)
}

// Redirect switches the endpoint and forces a reconnect against it. The old
// session is torn down, never reused. The attempt counter restarts because
// the move is intentional.
func (m *Manager) Redirect(url string) {
	m.mu.Lock()
	m.url = url
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	m.engine.Reset()
	if conn != nil {
		_ = conn.Close("redirect")
	}
	observability.Log().Info("session redirect", observability.F("url", url))
}

// Subscribe registers a handler for channel and returns its subscription key.
// When connected the subscribe frame goes out immediately; otherwise it is
// replayed on the next successful connect.
func (m *Manager) Subscribe(channel string, handler Handler) (string, error) {
	m.mu.Lock()
	m.subSeq++
	key := fmt.Sprintf("%s#%d", channel, m.subSeq)
	m.subs[key] = subscription{channel: channel, handler: handler}
	connected := m.State() == StateConnected
	ctx := m.runCtx
	m.mu.Unlock()

	if !connected {
		return key, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.sendControl(ctx, "SUBSCRIBE", []string{channel}); err != nil {
		return key, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return key, nil
}

// Unsubscribe removes the subscription. The unsubscribe frame is best-effort:
// removal succeeds even when the send does not.
func (m *Manager) Unsubscribe(key string) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, key)
	remaining := false
	for _, other := range m.subs {
		if other.channel == sub.channel {
			remaining = true
			break
		}
	}
	connected := m.State() == StateConnected
	ctx := m.runCtx
	m.mu.Unlock()

	if remaining || !connected {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.sendControl(ctx, "UNSUBSCRIBE", []string{sub.channel}); err != nil {
		observability.Log().Warn("unsubscribe send failed",
			observability.F("channel", sub.channel),
			observability.F("error", err.Error()))
	}
}

// Ack returns the recorded result for a control request id.
func (m *Manager) Ack(id uint64) (schema.SubscriptionAckPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ack, ok := m.acks[id]
	return ack, ok
}

func (m *Manager) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateConnecting)

		m.mu.Lock()
		url := m.url
		m.mu.Unlock()

		conn, err := m.dialer.Dial(ctx, url)
		if err != nil {
			observability.Telemetry().IncCounter("connector_reconnects_total", 1, map[string]string{"result": "error"})
			if !m.scheduleRetry(ctx, errs.New("conn", errs.KindNetwork,
				errs.WithOperation("dial"),
				errs.WithCause(err))) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.lastReceive = m.clock()
		m.acks = make(map[uint64]schema.SubscriptionAckPayload)
		m.mu.Unlock()
		m.controlMu.Lock()
		m.lastControlSend = time.Time{}
		m.controlMu.Unlock()

		m.setState(StateConnected)
		m.engine.Reset()
		observability.Telemetry().IncCounter("connector_reconnects_total", 1, map[string]string{"result": "success"})
		m.readyOnce.Do(func() { close(m.ready) })

		if err := m.resubscribeAll(ctx); err != nil {
			observability.Log().Warn("resubscribe after connect failed", observability.F("error", err.Error()))
		}

		sessionErr := m.runSession(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close("session ended")

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.setState(StateReconnecting)
		if !m.scheduleRetry(ctx, sessionErr) {
			return
		}
	}
}

// scheduleRetry waits out the backoff delay. It returns false when the
// attempt budget is exhausted or the context ended; exhaustion transitions
// to Failed and surfaces the fatal error.
func (m *Manager) scheduleRetry(ctx context.Context, cause error) bool {
	m.engine.Note(cause)
	delay := m.engine.NextBackOff()
	if delay == backoffv5.Stop {
		m.setState(StateFailed)
		fatal := errs.New("conn", errs.KindNetwork,
			errs.WithOperation("reconnect"),
			errs.WithMessage(fmt.Sprintf("gave up after %d attempts", m.settings.MaxReconnects)),
			errs.WithCause(cause))
		select {
		case m.fatal <- fatal:
		default:
		}
		return false
	}
	observability.Log().Warn("session retry",
		observability.F("attempt", m.engine.Attempt()),
		observability.F("delay", delay.String()),
		observability.F("error", cause.Error()))
	select {
	case <-ctx.Done():
		m.setState(StateDisconnected)
		return false
	case <-time.After(delay):
		return true
	}
}

func (m *Manager) runSession(ctx context.Context, conn Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() {
		errCh <- m.readLoop(sessCtx, conn)
	})
	wg.Go(func() {
		errCh <- m.heartbeatLoop(sessCtx, conn)
	})

	err := <-errCh
	cancel()
	_ = conn.Close("session ended")
	wg.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return errs.New("conn", errs.KindNetwork, errs.WithMessage("session closed"))
	}
	return err
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			return errs.New("conn", errs.KindNetwork,
				errs.WithOperation("read"),
				errs.WithCause(err))
		}

		m.mu.Lock()
		m.lastReceive = m.clock()
		m.mu.Unlock()

		m.dispatch(m.classifier.Classify(data))
	}
}

func (m *Manager) dispatch(event *schema.StreamEvent) {
	if event == nil {
		return
	}
	if event.Type == schema.EventTypeSubscriptionAck {
		if ack, ok := event.Payload.(schema.SubscriptionAckPayload); ok {
			m.mu.Lock()
			m.acks[ack.ID] = ack
			m.mu.Unlock()
			if !ack.Success {
				observability.Log().Warn("control request rejected",
					observability.F("id", ack.ID),
					observability.F("code", ack.Code),
					observability.F("message", ack.Message))
			}
		}
		return
	}

	m.mu.Lock()
	var handlers []Handler
	if event.Stream != "" {
		for _, sub := range m.subs {
			if sub.channel == event.Stream {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	m.mu.Unlock()

	if len(handlers) == 0 && m.fallback != nil {
		handlers = append(handlers, m.fallback)
	}
	if len(handlers) == 0 {
		observability.Telemetry().IncCounter("connector_events_dropped_total", 1, map[string]string{"reason": "no_handler"})
		return
	}
	observability.Telemetry().IncCounter("connector_events_delivered_total", 1, map[string]string{"type": string(event.Type)})
	for _, handler := range handlers {
		handler(event)
	}
}

// heartbeatLoop pings the peer and fails the session when no inbound frame
// arrives within twice the heartbeat interval.
func (m *Manager) heartbeatLoop(ctx context.Context, conn Conn) error {
	interval := m.settings.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			m.mu.Lock()
			silence := m.clock().Sub(m.lastReceive)
			m.mu.Unlock()
			if silence > 2*interval {
				return errs.New("conn", errs.KindNetwork,
					errs.WithOperation("heartbeat"),
					errs.WithMessage(fmt.Sprintf("no inbound message for %s", silence)))
			}

			pingCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return context.Canceled
				}
				return errs.New("conn", errs.KindNetwork,
					errs.WithOperation("ping"),
					errs.WithCause(err))
			}
		}
	}
}

// resubscribeAll replays the full subscription set after a connect. Re-sending
// an already-active stream is idempotent on the venue side.
func (m *Manager) resubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	seen := make(map[string]struct{}, len(m.subs))
	channels := make([]string, 0, len(m.subs))
	for _, sub := range m.subs {
		if _, dup := seen[sub.channel]; dup {
			continue
		}
		seen[sub.channel] = struct{}{}
		channels = append(channels, sub.channel)
	}
	m.mu.Unlock()
	if len(channels) == 0 {
		return nil
	}
	return m.sendControl(ctx, "SUBSCRIBE", channels)
}

// sendControl writes paced, chunked SUBSCRIBE/UNSUBSCRIBE frames.
func (m *Manager) sendControl(ctx context.Context, method string, channels []string) error {
	for _, chunk := range chunkChannels(channels, maxStreamsPerRequest) {
		req := controlRequest{
			Method: method,
			Params: chunk,
			ID:     m.msgID.Add(1),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", method, err)
		}

		m.controlMu.Lock()
		if err := m.waitForControlWindowLocked(ctx); err != nil {
			m.controlMu.Unlock()
			return err
		}

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn == nil {
			m.controlMu.Unlock()
			return nil
		}

		writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, data)
		cancel()
		if err != nil {
			m.controlMu.Unlock()
			return fmt.Errorf("write %s request: %w", method, err)
		}
		m.lastControlSend = time.Now()
		m.controlMu.Unlock()

		observability.Log().Debug("control request sent",
			observability.F("method", method),
			observability.F("id", req.ID),
			observability.F("channels", len(chunk)))
	}
	return nil
}

func (m *Manager) waitForControlWindowLocked(ctx context.Context) error {
	if m.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(m.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pacing control frames: %w", ctx.Err())
	}
}

func chunkChannels(channels []string, size int) [][]string {
	if len(channels) == 0 {
		return nil
	}
	if size <= 0 || len(channels) <= size {
		snapshot := make([]string, len(channels))
		copy(snapshot, channels)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(channels)+size-1)/size)
	for start := 0; start < len(channels); start += size {
		end := start + size
		if end > len(channels) {
			end = len(channels)
		}
		chunk := make([]string, end-start)
		copy(chunk, channels[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
