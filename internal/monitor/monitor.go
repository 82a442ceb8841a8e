// Package monitor implements the Health Monitor: a background probe loop
// that keeps each endpoint's health classification, EWMA latency, and block
// lag current, and reaps drained endpoints once their in-flight calls reach
// zero.
package monitor

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/jsonrpc"
	"github.com/relaysprint/rpc-relay/internal/outbound"
	"github.com/relaysprint/rpc-relay/internal/registry"
	"github.com/relaysprint/rpc-relay/internal/throttle"
)

// probeTimeout bounds each individual health probe; spec calls for "a short
// timeout (e.g. 3s)".
const probeTimeout = 3 * time.Second

// maxConcurrentProbes bounds the fan-out per tick so probe traffic shares
// the outbound pool with real dispatcher load instead of overwhelming it.
const maxConcurrentProbes = 16

// Monitor runs one ticker goroutine per IntervalS, probing every
// non-draining endpoint with eth_blockNumber through the same outbound
// client the dispatcher uses.
type Monitor struct {
	logger   *zap.Logger
	registry *registry.Registry
	throttle *throttle.Manager
	outbound *outbound.Client

	paramsMu        sync.RWMutex
	intervalS       int
	maxBlocksBehind int

	shutdownChan chan struct{}
	workers      sync.WaitGroup
}

// New builds a Monitor. intervalS and maxBlocksBehind come from the current
// config snapshot at construction time; cmd/relay's config subscription
// calls SetParams with the new values on every reload.
func New(logger *zap.Logger, reg *registry.Registry, th *throttle.Manager, ob *outbound.Client, intervalS, maxBlocksBehind int) *Monitor {
	if intervalS < 1 {
		intervalS = 1
	}
	return &Monitor{
		logger:          logger,
		registry:        reg,
		throttle:        th,
		outbound:        ob,
		intervalS:       intervalS,
		maxBlocksBehind: maxBlocksBehind,
		shutdownChan:    make(chan struct{}),
	}
}

// Start launches the probe loop and the reaper in background goroutines.
func (m *Monitor) Start(ctx context.Context) {
	m.workers.Add(2)
	go m.probeLoop(ctx)
	go m.reapLoop(ctx)
}

// Stop signals both background loops and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.shutdownChan)
	m.workers.Wait()
}

// SetParams updates the probe cadence and lag tolerance from a newly
// reloaded config snapshot. The probe loop's ticker is not rebuilt here —
// changing intervalS takes effect from the next tick onward via the stored
// field, matching the already-lenient cadence guarantees in spec.md §4.5.
func (m *Monitor) SetParams(intervalS, maxBlocksBehind int) {
	if intervalS < 1 {
		intervalS = 1
	}
	m.paramsMu.Lock()
	m.intervalS = intervalS
	m.maxBlocksBehind = maxBlocksBehind
	m.paramsMu.Unlock()
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.workers.Done()
	ticker := time.NewTicker(time.Duration(m.currentIntervalS()) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownChan:
			return
		case <-ticker.C:
			m.tick()
			ticker.Reset(time.Duration(m.currentIntervalS()) * time.Second)
		}
	}
}

func (m *Monitor) currentIntervalS() int {
	m.paramsMu.RLock()
	defer m.paramsMu.RUnlock()
	return m.intervalS
}

func (m *Monitor) currentMaxBlocksBehind() int {
	m.paramsMu.RLock()
	defer m.paramsMu.RUnlock()
	return m.maxBlocksBehind
}

func (m *Monitor) reapLoop(ctx context.Context) {
	defer m.workers.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownChan:
			return
		case <-ticker.C:
			m.registry.Reap()
		}
	}
}

func (m *Monitor) tick() {
	endpoints := m.registry.All()
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	for _, ep := range endpoints {
		if ep.Draining() {
			continue
		}
		ep := ep
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.probe(ep)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probe(ep *registry.Endpoint) {
	now := time.Now()

	acct := m.throttle.For(ep.URL, ep.MaxTPS, ep.MaxTPM)
	if !acct.CanSend(now) {
		ep.SetThrottled()
		return
	}
	acct.Record(now)

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req := jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "eth_blockNumber"}
	resp, elapsed, err := m.outbound.Call(ctx, ep.URL, req)
	if err != nil || resp.Error != nil {
		ep.RecordProbeFailure()
		m.logger.Debug("health probe failed", zap.String("url", ep.URL), zap.Error(err))
		return
	}

	height := parseHexBlockNumber(resp.Result)
	ep.RecordProbeSuccess(float64(elapsed.Milliseconds()), height, m.currentMaxBlocksBehind())

	tip := m.highestKnownHeight()
	behind := 0
	if tip > height {
		behind = int(tip - height)
	}
	ep.SetBlocksBehind(behind, m.currentMaxBlocksBehind())
}

// highestKnownHeight is the max last-known block height across all
// endpoints, used as a proxy for chain tip since the relay has no
// independent oracle for it.
func (m *Monitor) highestKnownHeight() uint64 {
	var max uint64
	for _, ep := range m.registry.All() {
		if h := ep.LastBlockHeight(); h > max {
			max = h
		}
	}
	return max
}

func parseHexBlockNumber(raw json.RawMessage) uint64 {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimPrefix(s, "0x")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}
	return n
}
