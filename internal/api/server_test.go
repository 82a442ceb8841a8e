package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/balancer"
	"github.com/relaysprint/rpc-relay/internal/cache"
	"github.com/relaysprint/rpc-relay/internal/config"
	"github.com/relaysprint/rpc-relay/internal/dispatcher"
	"github.com/relaysprint/rpc-relay/internal/outbound"
	"github.com/relaysprint/rpc-relay/internal/registry"
	"github.com/relaysprint/rpc-relay/internal/throttle"
)

func newTestServer(t *testing.T, upstream *httptest.Server) *Server {
	t.Helper()
	reg := registry.New(zap.NewNop())
	reg.Sync(&config.Snapshot{
		Endpoints:  []config.EndpointSpec{{URL: upstream.URL, Tier: config.TierPrimary, MaxTPS: 100, Weight: 1}},
		CacheTTL:   map[string]int{"eth_blockNumber": 2},
		Generation: 1,
	})
	th := throttle.NewManager()
	bal := balancer.New(reg, th)
	c := cache.New(zap.NewNop())
	ob := outbound.New(outbound.DefaultConfig())

	snap, err := config.Parse([]byte("relay:\n  monitor_interval: 10\n"))
	require.NoError(t, err)
	store := config.NewStoreFromSnapshot(snap)

	d := dispatcher.New(zap.NewNop(), store, reg, bal, th, c, ob)
	return New(zap.NewNop(), d, reg, nil)
}

func TestLivenessReturnsOK(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessReflectsRegistryHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDispatchRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x42"}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	body := strings.NewReader(`{"jsonrpc":"2.0","id":99,"method":"eth_blockNumber","params":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":99`)
	require.Contains(t, rec.Body.String(), `0x42`)
}

func TestDispatchMalformedBodyReturns400(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)
	body := strings.NewReader(`not json`)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
