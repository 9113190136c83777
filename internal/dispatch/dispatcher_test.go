package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steamvet/steamvet/internal/cooldown"
	"github.com/steamvet/steamvet/internal/endpoint"
	"github.com/steamvet/steamvet/internal/registry"
)

// newTestDispatcher builds a dispatcher whose factory hands every
// connection the plain test client, so proxy entries hit the stub
// server directly instead of negotiating SOCKS5.
func newTestDispatcher(t *testing.T, proxies int) (*Dispatcher, *cooldown.Store) {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Load(dir)
	require.NoError(t, err)
	for i := 0; i < proxies; i++ {
		_, err := reg.AddProxy(fmt.Sprintf("socks5://u:p@10.0.0.%d:1080", i+1))
		require.NoError(t, err)
	}

	cds, err := cooldown.Open(dir, reg.Connections(), cooldown.Config{})
	require.NoError(t, err)

	d := New(reg, cds)
	d.MinGap = 0
	d.Factory = func(conn registry.Connection, timeout time.Duration) (*http.Client, error) {
		return &http.Client{Timeout: timeout}, nil
	}
	return d, cds
}

func TestRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": {"player_level": 3}}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, 0)
	out := d.Request(context.Background(), srv.URL+"/IPlayerService/GetSteamLevel/v1/")

	require.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, endpoint.SteamLevel, out.Class)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.JSONEq(t, `{"response": {"player_level": 3}}`, string(out.Body))
	assert.False(t, out.Private)
}

func TestRequest_429RotatesThenDefers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d, cds := newTestDispatcher(t, 2)
	out := d.Request(context.Background(), srv.URL+"/ISteamUser/GetFriendList/v1/")

	// Direct plus both proxies were each tried once and cooled down.
	require.Equal(t, OutcomeDeferred, out.Kind)
	assert.Equal(t, int32(3), calls.Load())
	assert.Greater(t, out.Wait, time.Duration(0))
	for idx := 0; idx < 3; idx++ {
		assert.False(t, cds.IsAvailable(idx, endpoint.Friends), "connection %d should be cooled", idx)
	}
}

func TestRequest_SkipsCooledConnections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, cds := newTestDispatcher(t, 1)
	_, err := cds.Mark(0, endpoint.SteamLevel, cooldown.ReasonRateLimited, "")
	require.NoError(t, err)

	out := d.Request(context.Background(), srv.URL+"/IPlayerService/GetSteamLevel/v1/")

	require.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, int32(1), calls.Load(), "cooled direct connection must be skipped")
}

func TestRequest_SuccessClearsHeldBackoffLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, cds := newTestDispatcher(t, 0)

	// Cool a different class: steam_level keeps its clean cell while the
	// friends 429 state shows success only resets the dispatched class.
	_, err := cds.Mark(0, endpoint.Friends, cooldown.ReasonRateLimited, "")
	require.NoError(t, err)

	out := d.Request(context.Background(), srv.URL+"/IPlayerService/GetSteamLevel/v1/")
	require.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, 0, cds.BackoffLevel(0, endpoint.Friends), "other class's level untouched")
	assert.Equal(t, -1, cds.BackoffLevel(0, endpoint.SteamLevel))
}

func TestRequest_PrivateInventory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d, cds := newTestDispatcher(t, 0)
	out := d.Request(context.Background(), srv.URL+"/inventory/76561198000000001/730/2")

	require.Equal(t, OutcomeOK, out.Kind)
	assert.True(t, out.Private)
	assert.Equal(t, http.StatusForbidden, out.StatusCode)
	assert.True(t, cds.IsAvailable(0, endpoint.Inventory), "403 on inventory is not a cooldown")
}

func TestRequest_PrivateInventory401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, cds := newTestDispatcher(t, 0)
	out := d.Request(context.Background(), srv.URL+"/inventory/76561198000000001/730/2")

	require.Equal(t, OutcomeOK, out.Kind)
	assert.True(t, out.Private)
	assert.Equal(t, http.StatusUnauthorized, out.StatusCode)
	assert.True(t, cds.IsAvailable(0, endpoint.Inventory), "401 on inventory is not a cooldown")
}

func TestRequest_PrivateFriends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, 0)
	out := d.Request(context.Background(), srv.URL+"/ISteamUser/GetFriendList/v1/")

	require.Equal(t, OutcomeOK, out.Kind)
	assert.True(t, out.Private)
}

func TestRequest_401OutsideFriendsFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, 0)
	out := d.Request(context.Background(), srv.URL+"/IPlayerService/GetSteamLevel/v1/")

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, FailureKindOther, out.FailureKind)
	assert.Contains(t, out.Message, "401")
}

func TestRequest_AllCooledDefers(t *testing.T) {
	d, cds := newTestDispatcher(t, 0)
	_, err := cds.Mark(0, endpoint.Friends, cooldown.ReasonTimeout, "")
	require.NoError(t, err)

	out := d.Request(context.Background(), "https://api.steampowered.com/ISteamUser/GetFriendList/v1/")

	require.Equal(t, OutcomeDeferred, out.Kind)
	assert.Greater(t, out.Wait, time.Duration(0))
	assert.LessOrEqual(t, out.Wait, 5*time.Minute)
}

func TestRequest_InventoryHeaders(t *testing.T) {
	var gotUA, gotFetch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotFetch = r.Header.Get("Sec-Fetch-Mode")
		w.Write([]byte(`{"total_inventory_count": 0}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, 0)
	out := d.Request(context.Background(), srv.URL+"/inventory/1/730/2")

	require.Equal(t, OutcomeOK, out.Kind)
	assert.Contains(t, gotUA, "Chrome")
	assert.Equal(t, "cors", gotFetch)
}

func TestPace_EnforcesGap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, 0)
	d.MinGap = 50 * time.Millisecond

	url := srv.URL + "/IPlayerService/GetSteamLevel/v1/"
	start := time.Now()
	d.Request(context.Background(), url)
	d.Request(context.Background(), url)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestPace_AppliesBetweenRetries(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, 2)
	d.MinGap = 100 * time.Millisecond

	out := d.Request(context.Background(), srv.URL+"/ISteamUser/GetFriendList/v1/")

	require.Equal(t, OutcomeDeferred, out.Kind)
	require.Len(t, hits, 3)
	for i := 1; i < len(hits); i++ {
		// lastCall is stamped before the round trip, so allow a little
		// slack between observed arrivals.
		assert.GreaterOrEqual(t, hits[i].Sub(hits[i-1]), 80*time.Millisecond,
			"rotating to the next connection must wait out the gap")
	}
}

func TestPace_ContextCancellation(t *testing.T) {
	d, _ := newTestDispatcher(t, 0)
	d.MinGap = time.Hour
	d.Request(context.Background(), "ignored-by-pace-test") // primes lastCall

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := d.Request(ctx, "https://api.steampowered.com/ISteamUser/GetFriendList/v1/")

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, FailureKindOther, out.FailureKind)
}
