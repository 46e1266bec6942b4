// Package backoff computes retry delays for REST calls and stream recovery.
package backoff

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"

	"github.com/tradewire/connector/errs"
)

// Strategy selects the delay growth curve.
type Strategy int

const (
	// StrategyExponential grows the delay by a multiplier per attempt.
	StrategyExponential Strategy = iota
	// StrategyLinear grows the delay proportionally to the attempt number.
	StrategyLinear
	// StrategyFixed repeats the base delay.
	StrategyFixed
	// StrategyFibonacci grows the delay along the Fibonacci sequence.
	StrategyFibonacci
)

// ParseStrategy maps a configuration string to a strategy, defaulting to exponential.
func ParseStrategy(name string) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "linear":
		return StrategyLinear
	case "fixed":
		return StrategyFixed
	case "fibonacci":
		return StrategyFibonacci
	default:
		return StrategyExponential
	}
}

// String returns the strategy's configuration name.
func (s Strategy) String() string {
	switch s {
	case StrategyLinear:
		return "linear"
	case StrategyFixed:
		return "fixed"
	case StrategyFibonacci:
		return "fibonacci"
	default:
		return "exponential"
	}
}

// rateLimitScale is the extra multiplier applied to rate-limit-class errors
// before capping, so throttled callers back off harder than plain failures.
const rateLimitScale = 2.0

// Settings are the immutable inputs of delay computation.
type Settings struct {
	Strategy       Strategy
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

func (s Settings) normalized() Settings {
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay < s.BaseDelay {
		s.MaxDelay = s.BaseDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = 2.0
	}
	if s.JitterFraction < 0 {
		s.JitterFraction = 0
	}
	if s.JitterFraction > 1 {
		s.JitterFraction = 1
	}
	return s
}

// Engine derives retry delays from attempt counts, error classes, and server
// hints. It satisfies the backoff/v5 BackOff contract so retry loops consume
// it through NextBackOff/Reset.
type Engine struct {
	settings    Settings
	maxAttempts int

	mu       sync.Mutex
	rng      *rand.Rand
	attempt  int
	lastKind errs.Kind
	lastHint time.Duration
}

var _ backoffv5.BackOff = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithRand injects a deterministic randomness source for jitter.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		if rng != nil {
			e.rng = rng
		}
	}
}

// WithMaxAttempts bounds NextBackOff: past the limit it returns backoff.Stop.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// NewEngine constructs a delay engine from the given settings.
func NewEngine(settings Settings, opts ...Option) *Engine {
	e := new(Engine)
	e.settings = settings.normalized()
	e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Delay computes the delay for the given 1-based attempt. A positive
// serverHint overrides the strategy entirely, capped at the maximum delay.
func (e *Engine) Delay(attempt int, kind errs.Kind, serverHint time.Duration) time.Duration {
	s := e.settings
	if serverHint > 0 {
		if serverHint > s.MaxDelay {
			return s.MaxDelay
		}
		return serverHint
	}
	raw := e.rawDelay(attempt)
	if kind == errs.KindRateLimit {
		raw *= rateLimitScale
	}
	if raw < 0 {
		raw = 0
	}
	capped := time.Duration(math.Min(raw, float64(s.MaxDelay)))
	return e.jitter(capped)
}

// rawDelay is the pre-jitter, pre-cap curve value in nanoseconds.
func (e *Engine) rawDelay(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	s := e.settings
	base := float64(s.BaseDelay)
	switch s.Strategy {
	case StrategyLinear:
		return base * float64(attempt)
	case StrategyFixed:
		return base
	case StrategyFibonacci:
		return base * fib(attempt)
	default:
		return base * math.Pow(s.Multiplier, float64(attempt-1))
	}
}

func (e *Engine) jitter(d time.Duration) time.Duration {
	jf := e.settings.JitterFraction
	if jf == 0 || d == 0 {
		return d
	}
	e.mu.Lock()
	// uniform draw in [-jf, +jf]
	factor := 1 + (e.rng.Float64()*2-1)*jf
	e.mu.Unlock()
	jittered := time.Duration(float64(d) * factor)
	if jittered < 0 {
		return 0
	}
	return jittered
}

// Note records the error driving the next delay so NextBackOff can honor
// rate-limit class and server hints.
func (e *Engine) Note(err error) {
	e.mu.Lock()
	e.lastKind = errs.KindOf(err)
	e.lastHint = errs.RetryAfterOf(err)
	e.mu.Unlock()
}

// NextBackOff advances the attempt counter and returns the next delay,
// or backoff.Stop once the configured attempt limit is exhausted.
func (e *Engine) NextBackOff() time.Duration {
	e.mu.Lock()
	e.attempt++
	attempt := e.attempt
	kind := e.lastKind
	hint := e.lastHint
	e.lastHint = 0
	limit := e.maxAttempts
	e.mu.Unlock()

	if limit > 0 && attempt > limit {
		return backoffv5.Stop
	}
	return e.Delay(attempt, kind, hint)
}

// Reset zeroes the attempt counter after a fully successful operation.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.attempt = 0
	e.lastKind = errs.KindUnknown
	e.lastHint = 0
	e.mu.Unlock()
}

// Attempt returns the number of consumed attempts since the last reset.
func (e *Engine) Attempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

// fib returns the n-th Fibonacci number (1, 1, 2, 3, 5, ...) as a float,
// clamped to avoid overflow on long outage streaks.
func fib(n int) float64 {
	const clamp = 1 << 40
	a, b := 1.0, 1.0
	for i := 3; i <= n; i++ {
		a, b = b, a+b
		if b > clamp {
			return clamp
		}
	}
	return b
}
