// Package config owns the relay's on-disk configuration: parsing, validation,
// and lock-free hot-reload of an immutable snapshot.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Tier is an endpoint's preference class.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
)

// EndpointSpec is one upstream as declared in the config file.
type EndpointSpec struct {
	URL          string `yaml:"url"`
	Tier         Tier   `yaml:"-"`
	MaxTPS       int    `yaml:"max_tps"`
	MaxTPM       *int   `yaml:"max_tpm,omitempty"`
	MaxLatencyMS *int   `yaml:"max_latency_ms,omitempty"`
	Weight       int    `yaml:"weight"`
}

// rawFile mirrors the YAML document shape from spec §6 verbatim.
type rawFile struct {
	CacheTTL     map[string]int `yaml:"cache_ttl"`
	RPCEndpoints struct {
		Primary   []EndpointSpec `yaml:"primary"`
		Secondary []EndpointSpec `yaml:"secondary"`
	} `yaml:"rpc_endpoints"`
	HealthMonitor struct {
		MaxBlocksBehind int `yaml:"max_blocks_behind"`
	} `yaml:"health_monitor"`
	Relay struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		LatencyThresholdMS *int   `yaml:"latency_threshold_ms,omitempty"`
		MonitorIntervalS   int    `yaml:"monitor_interval"`
	} `yaml:"relay"`
}

// Snapshot is the immutable, validated configuration in effect at a point in
// time. Every field is either a value type or a slice/map built fresh on
// load, so a *Snapshot can be shared across goroutines without copying.
type Snapshot struct {
	Endpoints               []EndpointSpec
	CacheTTL                map[string]int
	MaxBlocksBehind         int
	RelayHost               string
	RelayPort               int
	RelayLatencyThresholdMS *int
	MonitorIntervalS        int

	// Generation increases by one on every successfully published snapshot;
	// consumers that cache derived state (e.g. the balancer's virtual slot
	// table) use it to know when to rebuild.
	Generation uint64
}

// Parse reads and validates a YAML document, returning CONFIG_INVALID style
// errors (wrapped, never panicking) on any violation of spec invariants:
// unique URLs, weight >= 1, max_tps >= 1, every cache TTL >= 1.
func Parse(data []byte) (*Snapshot, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: %w: %v", ErrInvalid, err)
	}

	snap := &Snapshot{
		CacheTTL:                make(map[string]int, len(raw.CacheTTL)),
		MaxBlocksBehind:         raw.HealthMonitor.MaxBlocksBehind,
		RelayHost:               raw.Relay.Host,
		RelayPort:               raw.Relay.Port,
		RelayLatencyThresholdMS: raw.Relay.LatencyThresholdMS,
		MonitorIntervalS:        raw.Relay.MonitorIntervalS,
	}

	for method, ttl := range raw.CacheTTL {
		if ttl < 1 {
			return nil, fmt.Errorf("config: %w: cache_ttl[%s]=%d must be >= 1", ErrInvalid, method, ttl)
		}
		snap.CacheTTL[method] = ttl
	}

	seen := make(map[string]struct{})
	appendTier := func(specs []EndpointSpec, tier Tier) error {
		for _, e := range specs {
			if e.URL == "" {
				return fmt.Errorf("config: %w: empty endpoint url", ErrInvalid)
			}
			if _, dup := seen[e.URL]; dup {
				return fmt.Errorf("config: %w: duplicate endpoint url %s", ErrInvalid, e.URL)
			}
			if e.Weight < 1 {
				return fmt.Errorf("config: %w: endpoint %s weight must be >= 1", ErrInvalid, e.URL)
			}
			if e.MaxTPS < 1 {
				return fmt.Errorf("config: %w: endpoint %s max_tps must be >= 1", ErrInvalid, e.URL)
			}
			seen[e.URL] = struct{}{}
			e.Tier = tier
			snap.Endpoints = append(snap.Endpoints, e)
		}
		return nil
	}

	if err := appendTier(raw.RPCEndpoints.Primary, TierPrimary); err != nil {
		return nil, err
	}
	if err := appendTier(raw.RPCEndpoints.Secondary, TierSecondary); err != nil {
		return nil, err
	}
	if raw.Relay.MonitorIntervalS < 1 {
		return nil, fmt.Errorf("config: %w: relay.monitor_interval must be >= 1", ErrInvalid)
	}

	return snap, nil
}

// Load reads the YAML file at path and parses it. An optional .env overlay
// in the process's working directory (same convenience the teacher's
// loadEnvironmentConfig provides) is loaded first so environment-driven substitutions — none are
// required by this relay today, but operators commonly keep secrets there —
// are available to the process before the YAML is read.
func Load(path string, logger *zap.Logger) (*Snapshot, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Debug("no .env overlay loaded", zap.Error(err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w: %v", ErrInvalid, err)
	}
	return Parse(data)
}
