// Package rest issues signed and public REST requests with retry and rate limiting.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/backoff"
	"github.com/tradewire/connector/internal/diag"
	"github.com/tradewire/connector/internal/observability"
)

const (
	errorBodyLimit  = 4 << 10
	maxRESTAttempts = 5
)

// Signer turns request parameters into signed parameters and headers.
// The signing primitive itself is an external collaborator.
type Signer interface {
	Sign(params url.Values) (url.Values, http.Header, error)
}

// Doer abstracts the HTTP transport for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client performs REST calls against one venue.
type Client struct {
	venue      string
	baseURL    string
	httpClient Doer
	signer     Signer
	throttler  Throttler
	now        func() time.Time
	timeout    time.Duration
	backoffCfg backoff.Settings

	rateHistory  *diag.History[diag.RateLimitInfo]
	errorHistory *diag.History[diag.HTTPErrorEvent]
}

// Option configures a Client.
type Option func(*Client)

// WithDoer overrides the HTTP transport.
func WithDoer(doer Doer) Option {
	return func(c *Client) {
		if doer != nil {
			c.httpClient = doer
		}
	}
}

// WithSigner installs the external signing collaborator.
func WithSigner(signer Signer) Option {
	return func(c *Client) {
		c.signer = signer
	}
}

// WithThrottler overrides the default request throttler.
func WithThrottler(throttler Throttler) Option {
	return func(c *Client) {
		if throttler != nil {
			c.throttler = throttler
		}
	}
}

// WithClock injects a drift-corrected clock for signed timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTimeout bounds each individual HTTP exchange.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithBackoffSettings overrides retry delay computation.
func WithBackoffSettings(settings backoff.Settings) Option {
	return func(c *Client) {
		c.backoffCfg = settings
	}
}

// NewClient constructs a REST client for the venue rooted at baseURL.
func NewClient(venue, baseURL string, opts ...Option) *Client {
	c := new(Client)
	c.venue = venue
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c.httpClient = &http.Client{}
	c.throttler = NewRateThrottler(10)
	c.now = time.Now
	c.timeout = 10 * time.Second
	c.backoffCfg = backoff.Settings{
		Strategy:       backoff.StrategyExponential,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
	c.rateHistory = diag.NewHistory[diag.RateLimitInfo](128)
	c.errorHistory = diag.NewHistory[diag.HTTPErrorEvent](128)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Public issues an unsigned request.
func (c *Client) Public(ctx context.Context, method, path string, params url.Values, limitID string) ([]byte, error) {
	return c.execute(ctx, method, path, params, nil, limitID, false)
}

// Signed issues a request signed by the external signer, stamped with the
// drift-corrected timestamp.
func (c *Client) Signed(ctx context.Context, method, path string, params url.Values, limitID string) ([]byte, error) {
	if c.signer == nil {
		return nil, errs.New(c.venue, errs.KindAuth,
			errs.WithOperation(path),
			errs.WithMessage("no signer configured"))
	}
	return c.execute(ctx, method, path, params, c.signer, limitID, true)
}

// ServerTime fetches the venue clock; it implements clockskew.Sampler.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.Public(ctx, http.MethodGet, "/api/v3/time", nil, "time")
	if err != nil {
		return time.Time{}, err
	}
	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	if payload.ServerTime <= 0 {
		return time.Time{}, fmt.Errorf("server time missing from response")
	}
	return time.UnixMilli(payload.ServerTime).UTC(), nil
}

// RateLimitHistory returns retained rate-limit diagnostics, oldest first.
func (c *Client) RateLimitHistory() []diag.RateLimitInfo {
	return c.rateHistory.Snapshot()
}

// ErrorHistory returns retained HTTP error diagnostics, oldest first.
func (c *Client) ErrorHistory() []diag.HTTPErrorEvent {
	return c.errorHistory.Snapshot()
}

func (c *Client) execute(ctx context.Context, method, path string, params url.Values, signer Signer, limitID string, stamped bool) ([]byte, error) {
	engine := backoff.NewEngine(c.backoffCfg, backoff.WithMaxAttempts(maxRESTAttempts))
	clientRetried := false

	for {
		if err := c.throttler.Acquire(ctx, limitID); err != nil {
			return nil, fmt.Errorf("acquire throttle %s: %w", limitID, err)
		}

		body, err := c.roundTrip(ctx, method, path, params, signer, stamped)
		if err == nil {
			return body, nil
		}

		kind := errs.KindOf(err)
		if kind.Fatal() {
			return nil, err
		}
		if kind == errs.KindClient {
			if clientRetried {
				return nil, err
			}
			clientRetried = true
		} else if !errs.IsRetryable(err) {
			return nil, err
		}

		engine.Note(err)
		delay := engine.NextBackOff()
		if delay == backoffv5.Stop {
			return nil, err
		}
		observability.Log().Debug("rest retry",
			observability.F("op", path),
			observability.F("kind", kind.String()),
			observability.F("delay", delay.String()))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rest retry wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, params url.Values, signer Signer, stamped bool) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	header := http.Header{}
	if stamped {
		query.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	}
	if signer != nil {
		signed, signedHeader, err := signer.Sign(query)
		if err != nil {
			return nil, errs.New(c.venue, errs.KindAuth,
				errs.WithOperation(path),
				errs.WithMessage("sign request"),
				errs.WithCause(err))
		}
		query = signed
		for key, values := range signedHeader {
			for _, value := range values {
				header.Add(key, value)
			}
		}
	}

	endpoint := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(c.venue, errs.KindNetwork,
			errs.WithOperation(path),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errs.New(c.venue, errs.KindNetwork,
				errs.WithOperation(path),
				errs.WithCause(err))
		}
		return body, nil
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	httpErr := errs.FromHTTP(c.venue, path, resp.StatusCode, string(excerpt), retryAfter)

	c.errorHistory.Append(diag.HTTPErrorEvent{
		At:        c.now(),
		Operation: path,
		Status:    resp.StatusCode,
		Kind:      httpErr.Kind.String(),
		Message:   httpErr.RawMsg,
	})
	if httpErr.Kind == errs.KindRateLimit {
		c.rateHistory.Append(diag.RateLimitInfo{
			At:         c.now(),
			Operation:  path,
			Status:     resp.StatusCode,
			RetryAfter: retryAfter,
		})
	}
	observability.Telemetry().IncCounter("connector_rest_errors_total", 1, map[string]string{
		"kind": httpErr.Kind.String(),
	})
	return nil, httpErr
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
