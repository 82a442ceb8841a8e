package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validYAML = `
cache_ttl:
  eth_blockNumber: 2
rpc_endpoints:
  primary:
    - url: http://p1.example
      max_tps: 10
      weight: 2
    - url: http://p2.example
      max_tps: 10
      weight: 1
  secondary:
    - url: http://s1.example
      max_tps: 5
      weight: 1
health_monitor:
  max_blocks_behind: 5
relay:
  host: 0.0.0.0
  port: 8080
  monitor_interval: 10
`

func TestParseValid(t *testing.T) {
	snap, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	require.Len(t, snap.Endpoints, 3)
	require.Equal(t, TierPrimary, snap.Endpoints[0].Tier)
	require.Equal(t, TierSecondary, snap.Endpoints[2].Tier)
	require.Equal(t, 2, snap.CacheTTL["eth_blockNumber"])
}

func TestParseRejectsDuplicateURL(t *testing.T) {
	bad := `
rpc_endpoints:
  primary:
    - url: http://p1.example
      max_tps: 10
      weight: 1
    - url: http://p1.example
      max_tps: 1
      weight: 1
relay:
  monitor_interval: 10
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestParseRejectsBadWeight(t *testing.T) {
	bad := `
rpc_endpoints:
  primary:
    - url: http://p1.example
      max_tps: 10
      weight: 0
relay:
  monitor_interval: 10
`
	_, err := Parse([]byte(bad))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseRejectsLowTTL(t *testing.T) {
	bad := `
cache_ttl:
  eth_blockNumber: 0
relay:
  monitor_interval: 10
`
	_, err := Parse([]byte(bad))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("not: [valid: yaml"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestReloadIfDueRespectsFloor(t *testing.T) {
	snap, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	s := &Store{lastReload: time.Now(), generation: 1}
	s.current.Store(snap)
	s.logger = zap.NewNop()

	before := s.Current()
	s.reloadIfDue(time.Now().Add(1 * time.Second))
	require.Same(t, before, s.Current(), "reload inside the 30s floor must be a no-op")
}
