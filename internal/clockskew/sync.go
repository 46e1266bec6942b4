// Package clockskew maintains a smoothed local-to-server time offset.
package clockskew

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradewire/connector/internal/diag"
	"github.com/tradewire/connector/internal/observability"
)

// smoothingFactor weights each new offset sample against the running value.
const smoothingFactor = 0.3

// Sampler fetches the authoritative server time.
type Sampler interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (time.Time, error)

// ServerTime implements Sampler.
func (f SamplerFunc) ServerTime(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// Settings configure sampling cadence and the acceptable drift bound.
type Settings struct {
	SampleInterval time.Duration
	DriftThreshold time.Duration
}

// Synchronizer samples server time periodically and exposes a smoothed offset
// for signed-request timestamps and staleness checks.
type Synchronizer struct {
	sampler  Sampler
	settings Settings
	clock    func() time.Time
	history  *diag.History[diag.TimestampDriftInfo]

	mu         sync.RWMutex
	offset     time.Duration
	lastSample time.Time
	samples    uint64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock injects a deterministic local clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Synchronizer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a synchronizer around the given sampler.
func New(sampler Sampler, settings Settings, opts ...Option) *Synchronizer {
	if settings.SampleInterval <= 0 {
		settings.SampleInterval = time.Minute
	}
	if settings.DriftThreshold <= 0 {
		settings.DriftThreshold = 5 * time.Second
	}
	s := new(Synchronizer)
	s.sampler = sampler
	s.settings = settings
	s.clock = time.Now
	s.history = diag.NewHistory[diag.TimestampDriftInfo](128)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SampleOnce fetches one server-time sample and folds it into the offset.
// Half the round trip approximates the one-way latency of the response.
func (s *Synchronizer) SampleOnce(ctx context.Context) error {
	before := s.clock()
	serverTime, err := s.sampler.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("sample server time: %w", err)
	}
	after := s.clock()

	roundTrip := after.Sub(before)
	estimatedServerNow := serverTime.Add(roundTrip / 2)
	rawOffset := estimatedServerNow.Sub(after)

	s.mu.Lock()
	if s.samples == 0 {
		s.offset = rawOffset
	} else {
		s.offset = s.offset + time.Duration(smoothingFactor*float64(rawOffset-s.offset))
	}
	s.samples++
	s.lastSample = after
	smoothed := s.offset
	s.mu.Unlock()

	s.history.Append(diag.TimestampDriftInfo{
		At:             after,
		RawOffset:      rawOffset,
		SmoothedOffset: smoothed,
		RoundTrip:      roundTrip,
	})
	observability.Telemetry().SetGauge("connector_clock_offset_ms", float64(smoothed.Milliseconds()), nil)
	return nil
}

// Run samples on the configured interval until the context is cancelled.
// Sample failures are logged and retried on the next tick.
func (s *Synchronizer) Run(ctx context.Context) {
	if err := s.SampleOnce(ctx); err != nil {
		observability.Log().Warn("initial clock sample failed", observability.F("error", err.Error()))
	}
	ticker := time.NewTicker(s.settings.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SampleOnce(ctx); err != nil {
				observability.Log().Warn("clock sample failed", observability.F("error", err.Error()))
			}
		}
	}
}

// Offset returns the smoothed server-minus-local duration.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Now returns the drift-corrected current time.
func (s *Synchronizer) Now() time.Time {
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()
	return s.clock().Add(offset)
}

// IsSynchronized reports whether the offset is both fresh and within the
// configured drift bound.
func (s *Synchronizer) IsSynchronized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.samples == 0 {
		return false
	}
	if s.clock().Sub(s.lastSample) > 2*s.settings.SampleInterval {
		return false
	}
	if s.offset < 0 {
		return -s.offset <= s.settings.DriftThreshold
	}
	return s.offset <= s.settings.DriftThreshold
}

// DriftHistory returns the retained sample diagnostics, oldest first.
func (s *Synchronizer) DriftHistory() []diag.TimestampDriftInfo {
	return s.history.Snapshot()
}
