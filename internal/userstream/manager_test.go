package userstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu         sync.Mutex
	keySeq     int
	creates    int
	createErr  error
	pingErr    error
	closeErr   error
	pings      []string
	closed     []string
	createdKey string
}

func (a *fakeAPI) CreateListenKey(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	if a.createErr != nil {
		return "", a.createErr
	}
	a.keySeq++
	a.createdKey = fmt.Sprintf("key-%d", a.keySeq)
	return a.createdKey, nil
}

func (a *fakeAPI) createCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates
}

func (a *fakeAPI) KeepAliveListenKey(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pings = append(a.pings, key)
	return a.pingErr
}

func (a *fakeAPI) CloseListenKey(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = append(a.closed, key)
	return a.closeErr
}

type fakeReconnector struct {
	mu   sync.Mutex
	urls []string
}

func (r *fakeReconnector) Redirect(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
}

func (r *fakeReconnector) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.urls) == 0 {
		return ""
	}
	return r.urls[len(r.urls)-1]
}

func testManager(api API) (*Manager, *fakeReconnector, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reconnector := &fakeReconnector{}
	m := NewManager(api, Settings{
		Lifetime:           24 * time.Hour,
		RenewalBuffer:      time.Hour,
		KeepAliveInterval:  30 * time.Minute,
		StreamBaseURL:      "wss://stream.example.com/ws",
		MaxRenewalFailures: 3,
	},
		WithClock(func() time.Time { return now }),
		WithReconnector(reconnector),
	)
	return m, reconnector, &now
}

func TestCreateActivatesKeyAndNotifiesReconnector(t *testing.T) {
	api := &fakeAPI{}
	m, reconnector, now := testManager(api)

	info, err := m.Create(context.Background())
	require.NoError(t, err)
	require.Equal(t, KeyActive, info.State)
	require.Equal(t, "key-1", info.Key)
	require.Equal(t, now.Add(24*time.Hour), info.ExpiresAt)
	require.Equal(t, "wss://stream.example.com/ws/key-1", reconnector.last())
}

func TestCreateFailureLeavesKeyFailed(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("denied")}
	m, reconnector, _ := testManager(api)

	_, err := m.Create(context.Background())
	require.Error(t, err)
	require.Equal(t, KeyFailed, m.Snapshot().State)
	require.Empty(t, reconnector.last())
}

func TestPingReplacesSnapshotInsteadOfMutating(t *testing.T) {
	api := &fakeAPI{}
	m, _, _ := testManager(api)
	created, err := m.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Ping(context.Background()))

	// The original snapshot must be untouched.
	require.Zero(t, created.PingCount)
	require.True(t, created.LastPing.IsZero())

	current := m.Snapshot()
	require.NotSame(t, created, current)
	require.Equal(t, 1, current.PingCount)
	require.False(t, current.LastPing.IsZero())
	require.Equal(t, []string{"key-1"}, api.pings)
}

func TestPingFailureBumpsErrorCountOnly(t *testing.T) {
	api := &fakeAPI{pingErr: errors.New("timeout")}
	m, _, _ := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	require.Error(t, m.Ping(context.Background()))

	info := m.Snapshot()
	require.Equal(t, KeyActive, info.State, "a failed ping does not invalidate the key")
	require.Equal(t, 1, info.ErrorCount)
	require.Zero(t, info.PingCount)
}

func TestRenewSwapsKeyAndRecordsHistory(t *testing.T) {
	api := &fakeAPI{}
	m, reconnector, _ := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Renew(context.Background(), "ping_failure"))

	info := m.Snapshot()
	require.Equal(t, "key-2", info.Key)
	require.Equal(t, KeyActive, info.State)
	require.Equal(t, "wss://stream.example.com/ws/key-2", reconnector.last())

	records := m.History()
	require.Len(t, records, 1)
	require.NotEmpty(t, records[0].ID)
	require.Equal(t, "key-1", records[0].OldKey)
	require.Equal(t, "key-2", records[0].NewKey)
	require.Equal(t, "ping_failure", records[0].Reason)
	require.True(t, records[0].Success)
}

func TestRenewFailureRecordsUnsuccessfulAttempt(t *testing.T) {
	api := &fakeAPI{}
	m, _, _ := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	api.mu.Lock()
	api.createErr = errors.New("rate limited")
	api.mu.Unlock()

	require.Error(t, m.Renew(context.Background(), "expiring_soon"))
	require.Equal(t, KeyFailed, m.Snapshot().State)

	records := m.History()
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.Empty(t, records[0].NewKey)
}

func TestTickRenewsInsideExpiryBuffer(t *testing.T) {
	api := &fakeAPI{}
	m, reconnector, now := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	// Advance to 30 minutes before expiry, inside the 1h renewal buffer.
	*now = now.Add(23*time.Hour + 30*time.Minute)
	m.tick(context.Background())

	info := m.Snapshot()
	require.Equal(t, "key-2", info.Key)
	require.Equal(t, "wss://stream.example.com/ws/key-2", reconnector.last())
	records := m.History()
	require.Len(t, records, 1)
	require.Equal(t, "expiring_soon", records[0].Reason)
}

func TestTickPingsOutsideBuffer(t *testing.T) {
	api := &fakeAPI{}
	m, _, now := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	*now = now.Add(30 * time.Minute)
	m.tick(context.Background())

	require.Equal(t, "key-1", m.Snapshot().Key, "no renewal outside the buffer")
	require.Equal(t, 1, m.Snapshot().PingCount)
	require.Empty(t, m.History())
}

func TestTickRenewsAfterExpiry(t *testing.T) {
	api := &fakeAPI{}
	m, _, now := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	*now = now.Add(25 * time.Hour)
	m.tick(context.Background())

	records := m.History()
	require.Len(t, records, 1)
	require.Equal(t, "expired", records[0].Reason)
	require.Equal(t, "key-2", m.Snapshot().Key)
}

func TestTickRenewsAfterPingFailure(t *testing.T) {
	api := &fakeAPI{pingErr: errors.New("boom")}
	m, _, now := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	*now = now.Add(30 * time.Minute)
	m.tick(context.Background())

	records := m.History()
	require.Len(t, records, 1)
	require.Equal(t, "ping_failure", records[0].Reason)
	require.Equal(t, "key-2", m.Snapshot().Key)
}

func TestNoteStreamExpiryRenews(t *testing.T) {
	api := &fakeAPI{}
	m, _, _ := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.NoteStreamExpiry(context.Background()))
	records := m.History()
	require.Len(t, records, 1)
	require.Equal(t, "server_expiry", records[0].Reason)
}

func TestRenewalExhaustionIsTerminalAndSurfaced(t *testing.T) {
	api := &fakeAPI{}
	m, _, _ := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	api.mu.Lock()
	api.createErr = errors.New("boom")
	api.mu.Unlock()

	for i := 0; i < 3; i++ {
		require.Error(t, m.Renew(context.Background(), "ping_failure"))
	}
	require.True(t, m.Exhausted())
	require.Equal(t, KeyFailed, m.Snapshot().State)

	select {
	case err := <-m.Err():
		require.Contains(t, err.Error(), "3 consecutive")
	default:
		t.Fatal("exhaustion must surface on Err")
	}

	// Terminal: neither a direct renew nor the keep-alive loop reach the
	// API again.
	calls := api.createCalls()
	require.Error(t, m.Renew(context.Background(), "ping_failure"))
	m.tick(context.Background())
	require.Equal(t, calls, api.createCalls())
}

func TestRenewalSuccessResetsFailureBudget(t *testing.T) {
	api := &fakeAPI{}
	m, _, _ := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	api.mu.Lock()
	api.createErr = errors.New("boom")
	api.mu.Unlock()
	require.Error(t, m.Renew(context.Background(), "ping_failure"))
	require.Error(t, m.Renew(context.Background(), "ping_failure"))

	api.mu.Lock()
	api.createErr = nil
	api.mu.Unlock()
	require.NoError(t, m.Renew(context.Background(), "ping_failure"))

	api.mu.Lock()
	api.createErr = errors.New("boom")
	api.mu.Unlock()
	require.Error(t, m.Renew(context.Background(), "expired"))
	require.Error(t, m.Renew(context.Background(), "expired"))
	require.False(t, m.Exhausted(), "a successful renewal must reset the failure budget")
}

func TestCloseInvalidatesKey(t *testing.T) {
	api := &fakeAPI{}
	m, _, _ := testManager(api)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	require.Equal(t, KeyInactive, m.Snapshot().State)
	require.Equal(t, []string{"key-1"}, api.closed)
}
