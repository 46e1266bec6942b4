// Package errs provides the structured error taxonomy shared across the connector.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a failure category. The set is closed: every error produced
// by the connector carries exactly one Kind, and retry policy dispatches on it.
type Kind int

const (
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = iota
	// KindNetwork covers timeouts, resets, and other transport failures.
	KindNetwork
	// KindServer covers 5xx exchange-side failures.
	KindServer
	// KindRateLimit covers 429/418 responses.
	KindRateLimit
	// KindAuth covers 401/403 and signature rejections.
	KindAuth
	// KindClient covers the remaining 4xx request failures.
	KindClient
	// KindValidation covers malformed, stale, or inconsistent inbound events.
	KindValidation
)

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server_error"
	case KindRateLimit:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindClient:
		return "client_error"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind may be retried with backoff.
// Client errors are retried once by the REST layer; that single-retry budget
// is enforced there, not here.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServer, KindRateLimit, KindClient:
		return true
	default:
		return false
	}
}

// Fatal reports whether the kind must surface immediately without retry.
func (k Kind) Fatal() bool {
	return k == KindAuth
}

// E captures structured error information produced across the connector.
type E struct {
	Venue      string
	Kind       Kind
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	Operation  string
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and failure kind.
func New(venue string, kind Kind, opts ...Option) *E {
	e := &E{
		Venue: strings.TrimSpace(venue),
		Kind:  kind,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithOperation records the operation that produced the error.
func WithOperation(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Operation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithRetryAfter records a server-provided delay hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)
	parts = append(parts, "kind="+e.Kind.String())

	if e.Operation != "" {
		parts = append(parts, "op="+e.Operation)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is supports errors.Is matching against another envelope's kind.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Kind == other.Kind
}

// KindOf extracts the failure kind from an arbitrary error.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfterOf extracts a server-provided delay hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the error may be retried with backoff.
// Unwrapped errors are treated as network failures and retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *E
	if !errors.As(err, &e) || e == nil {
		return true
	}
	return e.Kind.Retryable()
}

// KindFromHTTPStatus maps an HTTP status code to a failure kind.
// 418 is the exchange's auto-ban status and is treated as rate limiting,
// not as a fatal client error.
func KindFromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// FromHTTP builds an envelope from an HTTP response status and body excerpt.
func FromHTTP(venue, op string, status int, body string, retryAfter time.Duration) *E {
	return New(venue, KindFromHTTPStatus(status),
		WithOperation(op),
		WithHTTP(status),
		WithRawMessage(strings.TrimSpace(body)),
		WithRetryAfter(retryAfter),
	)
}
