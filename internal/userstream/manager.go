// Package userstream keeps the private-stream credential alive: creation,
// keep-alive pings, proactive renewal, and reconnect notification.
package userstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/diag"
	"github.com/tradewire/connector/internal/observability"
)

// KeyState is the credential lifecycle position.
type KeyState int

const (
	KeyInactive KeyState = iota
	KeyCreating
	KeyActive
	KeyExpired
	KeyFailed
)

// String returns the lowercase state name.
func (s KeyState) String() string {
	switch s {
	case KeyCreating:
		return "creating"
	case KeyActive:
		return "active"
	case KeyExpired:
		return "expired"
	case KeyFailed:
		return "failed"
	default:
		return "inactive"
	}
}

// ListenKeyInfo is an immutable snapshot of the credential. Renewal replaces
// the whole snapshot so in-flight readers never see a half-updated key.
type ListenKeyInfo struct {
	Key        string
	CreatedAt  time.Time
	LastPing   time.Time
	ExpiresAt  time.Time
	State      KeyState
	PingCount  int
	ErrorCount int
}

// Expired reports whether the credential's lifetime has elapsed at now.
func (i *ListenKeyInfo) Expired(now time.Time) bool {
	return i != nil && !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Reconnector is told to re-dial whenever the stream path changes.
type Reconnector interface {
	Redirect(url string)
}

// Settings configure credential lifetime and keep-alive cadence.
// MaxRenewalFailures bounds consecutive failed renewals; once spent, the
// manager stops recovering and surfaces the failure on Err.
type Settings struct {
	Lifetime           time.Duration
	RenewalBuffer      time.Duration
	KeepAliveInterval  time.Duration
	StreamBaseURL      string
	MaxRenewalFailures int
}

func (s Settings) normalized() Settings {
	if s.Lifetime <= 0 {
		s.Lifetime = 24 * time.Hour
	}
	if s.RenewalBuffer <= 0 {
		s.RenewalBuffer = time.Hour
	}
	if s.KeepAliveInterval <= 0 {
		s.KeepAliveInterval = 30 * time.Minute
	}
	if s.MaxRenewalFailures <= 0 {
		s.MaxRenewalFailures = 5
	}
	return s
}

// Manager owns exactly one live credential.
type Manager struct {
	api         API
	settings    Settings
	reconnector Reconnector
	clock       func() time.Time
	newID       func() string
	history     *diag.History[diag.RenewalRecord]

	mu   sync.RWMutex
	info *ListenKeyInfo

	// renewMu serializes renewals so concurrent triggers produce one swap.
	// failures and exhausted are guarded by it.
	renewMu   sync.Mutex
	failures  int
	exhausted bool

	fatal chan error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithReconnector wires the session manager notified on key changes.
func WithReconnector(r Reconnector) Option {
	return func(m *Manager) {
		m.reconnector = r
	}
}

// NewManager constructs a lifecycle manager over the given API.
func NewManager(api API, settings Settings, opts ...Option) *Manager {
	m := new(Manager)
	m.api = api
	m.settings = settings.normalized()
	m.clock = time.Now
	m.newID = uuid.NewString
	m.history = diag.NewHistory[diag.RenewalRecord](128)
	m.fatal = make(chan error, 1)
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Snapshot returns the current credential snapshot, nil before Create.
func (m *Manager) Snapshot() *ListenKeyInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// StreamURL returns the private-stream endpoint for the current key.
func (m *Manager) StreamURL() string {
	info := m.Snapshot()
	if info == nil || info.Key == "" {
		return ""
	}
	return m.settings.StreamBaseURL + "/" + info.Key
}

// History returns the renewal records retained so far, oldest first.
func (m *Manager) History() []diag.RenewalRecord {
	return m.history.Snapshot()
}

// Create obtains the initial credential and notifies the reconnector.
func (m *Manager) Create(ctx context.Context) (*ListenKeyInfo, error) {
	m.swap(&ListenKeyInfo{State: KeyCreating, CreatedAt: m.clock()})

	key, err := m.api.CreateListenKey(ctx)
	if err != nil {
		m.swap(&ListenKeyInfo{State: KeyFailed, CreatedAt: m.clock()})
		return nil, fmt.Errorf("create listen key: %w", err)
	}

	now := m.clock()
	info := &ListenKeyInfo{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(m.settings.Lifetime),
		State:     KeyActive,
	}
	m.swap(info)
	m.notifyReconnect()
	observability.Log().Info("listen key created",
		observability.F("expires_at", info.ExpiresAt.Format(time.RFC3339)))
	return info, nil
}

// Ping extends the credential's validity. A failed ping does not invalidate
// the key by itself; it only bumps the error count.
func (m *Manager) Ping(ctx context.Context) error {
	info := m.Snapshot()
	if info == nil || info.Key == "" {
		return errs.New("userstream", errs.KindClient, errs.WithMessage("no active listen key"))
	}

	err := m.api.KeepAliveListenKey(ctx, info.Key)
	now := m.clock()

	next := *info
	if err != nil {
		next.ErrorCount++
		m.swap(&next)
		observability.Telemetry().IncCounter("connector_listen_key_pings_total", 1, map[string]string{"result": "error"})
		return fmt.Errorf("keep-alive listen key: %w", err)
	}
	next.LastPing = now
	next.PingCount++
	m.swap(&next)
	observability.Telemetry().IncCounter("connector_listen_key_pings_total", 1, map[string]string{"result": "success"})
	return nil
}

// Renew creates a fresh credential, swaps it in atomically, records the
// outcome, and tells the session manager to reconnect on the new path.
// Consecutive failures are bounded by MaxRenewalFailures; exhausting the
// budget is terminal and the failure is delivered on Err.
func (m *Manager) Renew(ctx context.Context, reason string) error {
	m.renewMu.Lock()
	defer m.renewMu.Unlock()

	if m.exhausted {
		return errs.New("userstream", errs.KindClient,
			errs.WithOperation("renew"),
			errs.WithMessage("renewal attempts exhausted"))
	}

	old := m.Snapshot()
	oldKey := ""
	if old != nil {
		oldKey = old.Key
	}

	key, err := m.api.CreateListenKey(ctx)
	record := diag.RenewalRecord{
		ID:     m.newID(),
		At:     m.clock(),
		OldKey: oldKey,
		Reason: reason,
	}
	if err != nil {
		record.Success = false
		m.history.Append(record)
		failed := &ListenKeyInfo{Key: oldKey, State: KeyFailed, CreatedAt: m.clock()}
		if old != nil {
			failed.ErrorCount = old.ErrorCount + 1
		}
		m.swap(failed)
		observability.Telemetry().IncCounter("connector_listen_key_renewals_total", 1, map[string]string{"result": "error"})
		m.failures++
		if m.failures >= m.settings.MaxRenewalFailures {
			m.exhausted = true
			fatal := fmt.Errorf("listen key renewal failed %d consecutive times: %w", m.failures, err)
			select {
			case m.fatal <- fatal:
			default:
			}
			observability.Log().Error("listen key renewal budget exhausted",
				observability.F("failures", m.failures))
			return fatal
		}
		return fmt.Errorf("renew listen key (%s): %w", reason, err)
	}

	m.failures = 0
	now := m.clock()
	record.NewKey = key
	record.Success = true
	m.history.Append(record)
	m.swap(&ListenKeyInfo{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(m.settings.Lifetime),
		State:     KeyActive,
	})
	m.notifyReconnect()
	observability.Telemetry().IncCounter("connector_listen_key_renewals_total", 1, map[string]string{"result": "success"})
	observability.Log().Info("listen key renewed", observability.F("reason", reason))
	return nil
}

// Close invalidates the credential on shutdown.
func (m *Manager) Close(ctx context.Context) error {
	info := m.Snapshot()
	m.swap(&ListenKeyInfo{State: KeyInactive})
	if info == nil || info.Key == "" {
		return nil
	}
	if err := m.api.CloseListenKey(ctx, info.Key); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

// NoteStreamExpiry reacts to a server-side expiry surfaced on the stream.
func (m *Manager) NoteStreamExpiry(ctx context.Context) error {
	if info := m.Snapshot(); info != nil {
		expired := *info
		expired.State = KeyExpired
		m.swap(&expired)
	}
	return m.Renew(ctx, "server_expiry")
}

// Err delivers the terminal lifecycle failure once the renewal budget is
// exhausted.
func (m *Manager) Err() <-chan error {
	return m.fatal
}

// Exhausted reports whether the renewal budget has been spent.
func (m *Manager) Exhausted() bool {
	m.renewMu.Lock()
	defer m.renewMu.Unlock()
	return m.exhausted
}

// Run drives the keep-alive loop until the context ends. Each tick pings the
// key and renews it proactively inside the expiry buffer or after a ping
// failure. Once the renewal budget is exhausted the loop goes idle.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.settings.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if m.Exhausted() {
		return
	}
	info := m.Snapshot()
	if info == nil || info.Key == "" || info.State == KeyFailed {
		if err := m.Renew(ctx, "missing_key"); err != nil {
			observability.Log().Warn("listen key recovery failed", observability.F("error", err.Error()))
		}
		return
	}

	now := m.clock()
	if info.Expired(now) {
		expired := *info
		expired.State = KeyExpired
		m.swap(&expired)
		if err := m.Renew(ctx, "expired"); err != nil {
			observability.Log().Warn("listen key renewal failed", observability.F("error", err.Error()))
		}
		return
	}
	if info.ExpiresAt.Sub(now) <= m.settings.RenewalBuffer {
		if err := m.Renew(ctx, "expiring_soon"); err != nil {
			observability.Log().Warn("listen key renewal failed", observability.F("error", err.Error()))
		}
		return
	}

	if err := m.Ping(ctx); err != nil {
		observability.Log().Warn("listen key ping failed", observability.F("error", err.Error()))
		if err := m.Renew(ctx, "ping_failure"); err != nil {
			observability.Log().Warn("listen key renewal failed", observability.F("error", err.Error()))
		}
	}
}

func (m *Manager) swap(info *ListenKeyInfo) {
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
}

func (m *Manager) notifyReconnect() {
	if m.reconnector == nil {
		return
	}
	url := m.StreamURL()
	if url == "" {
		return
	}
	m.reconnector.Redirect(url)
}
