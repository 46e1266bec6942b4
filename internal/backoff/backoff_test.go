package backoff

import (
	"math/rand"
	"testing"
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"

	"github.com/tradewire/connector/errs"
)

func newTestEngine(strategy Strategy, jitter float64, opts ...Option) *Engine {
	settings := Settings{
		Strategy:       strategy,
		BaseDelay:      time.Second,
		MaxDelay:       2 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: jitter,
	}
	opts = append(opts, WithRand(rand.New(rand.NewSource(42))))
	return NewEngine(settings, opts...)
}

func TestDelayNeverExceedsMax(t *testing.T) {
	for _, strategy := range []Strategy{StrategyExponential, StrategyLinear, StrategyFixed, StrategyFibonacci} {
		engine := newTestEngine(strategy, 0)
		for attempt := 1; attempt <= 64; attempt++ {
			for _, kind := range []errs.Kind{errs.KindNetwork, errs.KindRateLimit} {
				if d := engine.Delay(attempt, kind, 0); d > 2*time.Minute {
					t.Fatalf("%s attempt %d kind %v: delay %s exceeds max", strategy, attempt, kind, d)
				}
			}
		}
	}
}

func TestDelayMonotonicBeforeJitter(t *testing.T) {
	for _, strategy := range []Strategy{StrategyExponential, StrategyLinear, StrategyFibonacci} {
		engine := newTestEngine(strategy, 0)
		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			d := engine.Delay(attempt, errs.KindNetwork, 0)
			if d < prev {
				t.Fatalf("%s: delay decreased at attempt %d: %s < %s", strategy, attempt, d, prev)
			}
			prev = d
		}
	}
}

func TestServerHintOverridesStrategy(t *testing.T) {
	for _, strategy := range []Strategy{StrategyExponential, StrategyLinear, StrategyFixed, StrategyFibonacci} {
		engine := newTestEngine(strategy, 0.5)
		if d := engine.Delay(7, errs.KindRateLimit, 30*time.Second); d != 30*time.Second {
			t.Fatalf("%s: expected exact 30s from server hint, got %s", strategy, d)
		}
	}
}

func TestServerHintCappedAtMax(t *testing.T) {
	engine := newTestEngine(StrategyExponential, 0)
	if d := engine.Delay(1, errs.KindRateLimit, time.Hour); d != 2*time.Minute {
		t.Fatalf("expected hint capped to max delay, got %s", d)
	}
}

func TestStrategyCurves(t *testing.T) {
	cases := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyExponential, 1, time.Second},
		{StrategyExponential, 4, 8 * time.Second},
		{StrategyLinear, 3, 3 * time.Second},
		{StrategyFixed, 9, time.Second},
		{StrategyFibonacci, 1, time.Second},
		{StrategyFibonacci, 2, time.Second},
		{StrategyFibonacci, 6, 8 * time.Second},
	}
	for _, tc := range cases {
		engine := newTestEngine(tc.strategy, 0)
		if got := engine.Delay(tc.attempt, errs.KindNetwork, 0); got != tc.want {
			t.Fatalf("%s attempt %d: expected %s, got %s", tc.strategy, tc.attempt, tc.want, got)
		}
	}
}

func TestRateLimitMultiplierAppliedBeforeCap(t *testing.T) {
	engine := newTestEngine(StrategyFixed, 0)
	plain := engine.Delay(1, errs.KindNetwork, 0)
	limited := engine.Delay(1, errs.KindRateLimit, 0)
	if limited != 2*plain {
		t.Fatalf("expected rate-limit delay %s to double %s", limited, plain)
	}
}

func TestJitterIsReproducibleAndBounded(t *testing.T) {
	first := newTestEngine(StrategyFixed, 0.2)
	second := newTestEngine(StrategyFixed, 0.2)
	for i := 0; i < 32; i++ {
		a := first.Delay(1, errs.KindNetwork, 0)
		b := second.Delay(1, errs.KindNetwork, 0)
		if a != b {
			t.Fatalf("same seed produced diverging jitter: %s vs %s", a, b)
		}
		if a < 800*time.Millisecond || a > 1200*time.Millisecond {
			t.Fatalf("jittered delay %s outside +-20%% band", a)
		}
	}
}

func TestNextBackOffHonorsNotedRetryAfter(t *testing.T) {
	engine := newTestEngine(StrategyExponential, 0)
	engine.Note(errs.New("binance", errs.KindRateLimit, errs.WithRetryAfter(30*time.Second)))
	if d := engine.NextBackOff(); d != 30*time.Second {
		t.Fatalf("expected noted retry-after to drive delay, got %s", d)
	}
	// The hint is consumed; the following attempt falls back to the curve.
	engine.Note(errs.New("binance", errs.KindServer))
	if d := engine.NextBackOff(); d != 2*time.Second {
		t.Fatalf("expected second exponential step, got %s", d)
	}
}

func TestNextBackOffStopsAfterMaxAttempts(t *testing.T) {
	engine := newTestEngine(StrategyFixed, 0, WithMaxAttempts(3))
	for i := 0; i < 3; i++ {
		if d := engine.NextBackOff(); d == backoffv5.Stop {
			t.Fatalf("stopped too early at attempt %d", i+1)
		}
	}
	if d := engine.NextBackOff(); d != backoffv5.Stop {
		t.Fatalf("expected Stop after exhausting attempts, got %s", d)
	}
	engine.Reset()
	if d := engine.NextBackOff(); d == backoffv5.Stop {
		t.Fatal("reset must restore attempt budget")
	}
}
