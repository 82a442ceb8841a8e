package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/config"
)

func TestSyncAddsAndDrains(t *testing.T) {
	r := New(zap.NewNop())
	snap1 := &config.Snapshot{
		Endpoints: []config.EndpointSpec{
			{URL: "http://p1", Tier: config.TierPrimary, MaxTPS: 10, Weight: 1},
		},
		Generation: 1,
	}
	r.Sync(snap1)
	require.Len(t, r.Candidates(), 1)

	snap2 := &config.Snapshot{
		Endpoints: []config.EndpointSpec{
			{URL: "http://p2", Tier: config.TierPrimary, MaxTPS: 10, Weight: 1},
		},
		Generation: 2,
	}
	r.Sync(snap2)

	require.Len(t, r.Candidates(), 1)
	require.Equal(t, "http://p2", r.Candidates()[0].URL)

	ep, ok := r.Lookup("http://p1")
	require.True(t, ok)
	require.True(t, ep.Draining())
}

func TestReapOnlyRemovesIdleDrainingEndpoints(t *testing.T) {
	r := New(zap.NewNop())
	snap1 := &config.Snapshot{
		Endpoints: []config.EndpointSpec{{URL: "http://p1", MaxTPS: 10, Weight: 1}},
		Generation: 1,
	}
	r.Sync(snap1)
	ep, _ := r.Lookup("http://p1")
	ep.BeginCall()

	r.Sync(&config.Snapshot{Generation: 2})
	r.Reap()
	_, stillThere := r.Lookup("http://p1")
	require.True(t, stillThere, "in-flight draining endpoint must not be reaped")

	ep.EndCall()
	r.Reap()
	_, goneNow := r.Lookup("http://p1")
	require.False(t, goneNow)
}

func TestRecordProbeSuccessRecoversAfterTwoSuccesses(t *testing.T) {
	ep := &Endpoint{status: StatusUnhealthy}
	ep.RecordProbeSuccess(10, 100, 1000)
	require.Equal(t, StatusUnhealthy, ep.Status())
	ep.RecordProbeSuccess(10, 100, 1000)
	require.Equal(t, StatusHealthy, ep.Status())
}

func TestRecordProbeFailureDemotesAfterThree(t *testing.T) {
	ep := &Endpoint{status: StatusHealthy}
	ep.RecordProbeFailure()
	ep.RecordProbeFailure()
	require.Equal(t, StatusHealthy, ep.Status())
	ep.RecordProbeFailure()
	require.Equal(t, StatusUnhealthy, ep.Status())
}
