package rest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewire/connector/errs"
	"github.com/tradewire/connector/internal/backoff"
)

type scriptedDoer struct {
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []*http.Request
}

type scriptedResponse struct {
	status int
	body   string
	header http.Header
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if len(d.responses) == 0 {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("{}")),
			Header:     http.Header{},
		}, nil
	}
	next := d.responses[0]
	if len(d.responses) > 1 {
		d.responses = d.responses[1:]
	}
	header := next.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     header,
	}, nil
}

func (d *scriptedDoer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type noopThrottler struct{}

func (noopThrottler) Acquire(context.Context, string) error { return nil }

type fixedSigner struct{}

func (fixedSigner) Sign(params url.Values) (url.Values, http.Header, error) {
	params.Set("signature", "deadbeef")
	header := http.Header{}
	header.Set("X-MBX-APIKEY", "test-key")
	return params, header, nil
}

func fastBackoff() backoff.Settings {
	return backoff.Settings{
		Strategy:       backoff.StrategyFixed,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		JitterFraction: 0,
	}
}

func newTestClient(doer *scriptedDoer, opts ...Option) *Client {
	base := []Option{
		WithDoer(doer),
		WithThrottler(noopThrottler{}),
		WithBackoffSettings(fastBackoff()),
	}
	return NewClient("binance", "https://api.example.com", append(base, opts...)...)
}

func TestPublicReturnsBody(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{status: 200, body: `{"ok":true}`}}}
	client := newTestClient(doer)

	body, err := client.Public(context.Background(), http.MethodGet, "/api/v3/ping", nil, "ping")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, 1, doer.calls())
}

func TestSignedStampsTimestampAndAppliesSigner(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{status: 200, body: `{}`}}}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client := newTestClient(doer,
		WithSigner(fixedSigner{}),
		WithClock(func() time.Time { return fixed }),
	)

	_, err := client.Signed(context.Background(), http.MethodPost, "/api/v3/order", url.Values{"symbol": {"BTCUSDT"}}, "order")
	require.NoError(t, err)
	require.Equal(t, 1, doer.calls())

	req := doer.requests[0]
	query := req.URL.Query()
	require.Equal(t, "BTCUSDT", query.Get("symbol"))
	require.Equal(t, "deadbeef", query.Get("signature"))
	require.Equal(t, "1714564800000", query.Get("timestamp"))
	require.Equal(t, "test-key", req.Header.Get("X-MBX-APIKEY"))
}

func TestSignedWithoutSignerFailsFast(t *testing.T) {
	doer := &scriptedDoer{}
	client := newTestClient(doer)

	_, err := client.Signed(context.Background(), http.MethodPost, "/api/v3/order", nil, "order")
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))
	require.Equal(t, 0, doer.calls())
}

func TestServerErrorIsRetried(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{
		{status: 500, body: `{"msg":"busy"}`},
		{status: 500, body: `{"msg":"busy"}`},
		{status: 200, body: `{"ok":true}`},
	}}
	client := newTestClient(doer)

	body, err := client.Public(context.Background(), http.MethodGet, "/api/v3/depth", nil, "depth")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, 3, doer.calls())
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{status: 401, body: `{"msg":"bad key"}`}}}
	client := newTestClient(doer)

	_, err := client.Public(context.Background(), http.MethodGet, "/api/v3/account", nil, "account")
	require.Error(t, err)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))
	require.Equal(t, 1, doer.calls())
}

func TestClientErrorRetriedExactlyOnce(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{
		{status: 400, body: `{"msg":"bad request"}`},
		{status: 400, body: `{"msg":"bad request"}`},
		{status: 400, body: `{"msg":"bad request"}`},
	}}
	client := newTestClient(doer)

	_, err := client.Public(context.Background(), http.MethodGet, "/api/v3/order", nil, "order")
	require.Error(t, err)
	require.Equal(t, errs.KindClient, errs.KindOf(err))
	require.Equal(t, 2, doer.calls())
}

func TestRateLimitRecordsHistoryAndRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "1")
	doer := &scriptedDoer{responses: []scriptedResponse{
		{status: 429, body: `{"msg":"slow down"}`, header: header},
		{status: 200, body: `{}`},
	}}
	client := newTestClient(doer)

	_, err := client.Public(context.Background(), http.MethodGet, "/api/v3/depth", nil, "depth")
	require.NoError(t, err)
	require.Equal(t, 2, doer.calls())

	rateEvents := client.RateLimitHistory()
	require.Len(t, rateEvents, 1)
	require.Equal(t, time.Second, rateEvents[0].RetryAfter)
	require.Equal(t, 429, rateEvents[0].Status)
	require.NotEmpty(t, client.ErrorHistory())
}

func TestRetriesStopAtAttemptBudget(t *testing.T) {
	responses := make([]scriptedResponse, 0, maxRESTAttempts+4)
	for i := 0; i < maxRESTAttempts+4; i++ {
		responses = append(responses, scriptedResponse{status: 503, body: `{"msg":"down"}`})
	}
	doer := &scriptedDoer{responses: responses}
	client := newTestClient(doer)

	_, err := client.Public(context.Background(), http.MethodGet, "/api/v3/depth", nil, "depth")
	require.Error(t, err)
	require.Equal(t, errs.KindServer, errs.KindOf(err))
	// initial call plus maxRESTAttempts retries
	require.Equal(t, maxRESTAttempts+1, doer.calls())
}

func TestServerTimeDecodesMillis(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{status: 200, body: `{"serverTime":1714564800000}`}}}
	client := newTestClient(doer)

	ts, err := client.ServerTime(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), ts)
}
