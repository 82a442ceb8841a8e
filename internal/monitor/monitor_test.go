package monitor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/config"
	"github.com/relaysprint/rpc-relay/internal/outbound"
	"github.com/relaysprint/rpc-relay/internal/registry"
	"github.com/relaysprint/rpc-relay/internal/throttle"
)

func newTestMonitor(t *testing.T, handler http.HandlerFunc) (*Monitor, *registry.Registry, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	reg := registry.New(zap.NewNop())
	reg.Sync(&config.Snapshot{
		Endpoints: []config.EndpointSpec{{URL: srv.URL, Tier: config.TierPrimary, MaxTPS: 1000, Weight: 1}},
		Generation: 1,
	})
	th := throttle.NewManager()
	ob := outbound.New(outbound.DefaultConfig())
	m := New(zap.NewNop(), reg, th, ob, 60, 5)
	return m, reg, srv
}

func TestProbeRecordsSuccessAndHeight(t *testing.T) {
	m, reg, srv := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x64"}`))
	})
	defer srv.Close()

	ep, ok := reg.Lookup(srv.URL)
	require.True(t, ok)
	m.probe(ep)

	require.Greater(t, ep.LastBlockHeight(), uint64(0))
}

func TestProbeRecordsFailureOnTransportError(t *testing.T) {
	m, reg, srv := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	ep, ok := reg.Lookup(srv.URL)
	require.True(t, ok)
	m.probe(ep)
	m.probe(ep)
	m.probe(ep)

	require.Equal(t, registry.StatusUnhealthy, ep.Status())
}

func TestProbeSkipsThrottledEndpointOverRateBudget(t *testing.T) {
	called := false
	m, reg, srv := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	})
	defer srv.Close()
	m.throttle = throttle.NewManager()

	ep, ok := reg.Lookup(srv.URL)
	require.True(t, ok)
	ep.MaxTPS = 1
	acct := m.throttle.For(ep.URL, ep.MaxTPS, ep.MaxTPM)
	now := time.Now()
	acct.Record(now)

	m.probe(ep)
	require.False(t, called, "probe must respect the endpoint's own rate budget")
	require.Equal(t, registry.StatusThrottled, ep.Status())
}

func TestSetParamsUpdatesCadenceAndLagTolerance(t *testing.T) {
	m, _, srv := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	})
	defer srv.Close()

	m.SetParams(120, 10)
	require.Equal(t, 120, m.currentIntervalS())
	require.Equal(t, 10, m.currentMaxBlocksBehind())

	m.SetParams(0, 10)
	require.Equal(t, 1, m.currentIntervalS(), "intervalS must floor at 1 second")
}
