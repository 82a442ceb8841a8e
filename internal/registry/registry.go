// Package registry owns the live endpoint table: the set of upstreams the
// balancer and health monitor operate over, kept in sync with the config
// store's published snapshots.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/config"
)

// Status is an endpoint's current health classification.
type Status int

const (
	StatusHealthy Status = iota
	StatusThrottled
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusThrottled:
		return "throttled"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Endpoint pairs an upstream's static identity (from config) with its
// mutable health state. Health fields are guarded by mu; TotalCalls and
// ConsecutiveErrors are hot-path counters kept outside the mutex.
type Endpoint struct {
	URL          string
	Tier         config.Tier
	Weight       int
	MaxTPS       int
	MaxTPM       *int
	MaxLatencyMS *int

	mu                sync.RWMutex
	status            Status
	lastLatencyMS     float64
	ewmaLatencyMS     float64
	lastBlockHeight   uint64
	blocksBehind      int
	consecutiveOK     int
	draining          bool
	drainStartedAt    time.Time

	totalCalls        atomic.Int64
	consecutiveErrors atomic.Int64
	inFlight          atomic.Int64
}

// Status returns the endpoint's current health classification.
func (e *Endpoint) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Endpoint) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// EWMALatencyMS returns the endpoint's exponentially weighted average
// round-trip latency in milliseconds.
func (e *Endpoint) EWMALatencyMS() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ewmaLatencyMS
}

// BlocksBehind returns the endpoint's last observed lag, in blocks, behind
// the chain tip.
func (e *Endpoint) BlocksBehind() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocksBehind
}

// LastBlockHeight returns the endpoint's last successfully probed block
// height.
func (e *Endpoint) LastBlockHeight() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastBlockHeight
}

// RecordProbeSuccess folds a successful health probe's observed latency and
// block height into the endpoint's running state, using the 0.3/0.7 EWMA
// split and the two-consecutive-success recovery rule from the health
// monitor's contract.
func (e *Endpoint) RecordProbeSuccess(latencyMS float64, blockHeight uint64, maxBlocksBehind int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastLatencyMS = latencyMS
	if e.ewmaLatencyMS == 0 {
		e.ewmaLatencyMS = latencyMS
	} else {
		e.ewmaLatencyMS = 0.3*latencyMS + 0.7*e.ewmaLatencyMS
	}
	if blockHeight > e.lastBlockHeight {
		e.lastBlockHeight = blockHeight
	}

	e.consecutiveErrors.Store(0)
	e.consecutiveOK++

	switch e.status {
	case StatusUnhealthy:
		if e.consecutiveOK >= 2 {
			e.status = StatusHealthy
		}
	case StatusThrottled:
		e.status = StatusHealthy
	}

	if e.MaxLatencyMS != nil && e.ewmaLatencyMS > float64(*e.MaxLatencyMS) {
		e.status = StatusUnhealthy
	}
	if e.blocksBehind > maxBlocksBehind {
		e.status = StatusUnhealthy
	}
}

// RecordProbeFailure marks a failed health probe or a failed dispatched
// call; three consecutive errors demote the endpoint to unhealthy.
func (e *Endpoint) RecordProbeFailure() {
	e.consecutiveErrors.Add(1)
	e.mu.Lock()
	e.consecutiveOK = 0
	if e.consecutiveErrors.Load() >= 3 {
		e.status = StatusUnhealthy
	}
	e.mu.Unlock()
}

// SetThrottled marks the endpoint throttled because observed TPS has met its
// cap; it does not override an existing unhealthy classification.
func (e *Endpoint) SetThrottled() {
	e.mu.Lock()
	if e.status == StatusHealthy {
		e.status = StatusThrottled
	}
	e.mu.Unlock()
}

// SetBlocksBehind updates the lag-based health input and re-evaluates the
// unhealthy transition.
func (e *Endpoint) SetBlocksBehind(behind, maxBlocksBehind int) {
	e.mu.Lock()
	e.blocksBehind = behind
	if behind > maxBlocksBehind {
		e.status = StatusUnhealthy
	}
	e.mu.Unlock()
}

// Draining reports whether the endpoint has been removed from the config
// but is still finishing in-flight calls.
func (e *Endpoint) Draining() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.draining
}

func (e *Endpoint) markDraining() {
	e.mu.Lock()
	e.draining = true
	e.drainStartedAt = time.Now()
	e.mu.Unlock()
}

// InFlight returns the number of outbound calls currently in progress
// against this endpoint.
func (e *Endpoint) InFlight() int64 { return e.inFlight.Load() }

// BeginCall increments the in-flight counter and the lifetime call counter;
// pair with EndCall via defer.
func (e *Endpoint) BeginCall() {
	e.inFlight.Add(1)
	e.totalCalls.Add(1)
}

// EndCall decrements the in-flight counter.
func (e *Endpoint) EndCall() { e.inFlight.Add(-1) }

// TotalCalls returns the lifetime count of outbound calls dispatched to this
// endpoint.
func (e *Endpoint) TotalCalls() int64 { return e.totalCalls.Load() }

// ConsecutiveErrors returns the current streak of failed health probes and
// dispatched calls.
func (e *Endpoint) ConsecutiveErrors() int64 { return e.consecutiveErrors.Load() }

// Registry is the live URL -> *Endpoint table, kept in sync with config
// reloads by diffing the newly published snapshot against the current table.
type Registry struct {
	logger *zap.Logger

	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	order      []string // endpoint URLs in the current snapshot's order
	generation uint64
}

// New constructs an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, endpoints: make(map[string]*Endpoint)}
}

// Sync reconciles the table against a freshly loaded config snapshot:
// endpoints present in both keep their mutable health/rate state, newly
// added URLs get a fresh *Endpoint, and URLs no longer present are marked
// draining rather than deleted outright — a background reaper removes them
// once their in-flight counter reaches zero.
func (r *Registry) Sync(snap *config.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]config.EndpointSpec, len(snap.Endpoints))
	for _, spec := range snap.Endpoints {
		wanted[spec.URL] = spec
	}

	for url, spec := range wanted {
		if ep, ok := r.endpoints[url]; ok && !ep.Draining() {
			ep.mu.Lock()
			ep.Tier = spec.Tier
			ep.Weight = spec.Weight
			ep.MaxTPS = spec.MaxTPS
			ep.MaxTPM = spec.MaxTPM
			ep.MaxLatencyMS = spec.MaxLatencyMS
			ep.mu.Unlock()
			continue
		}
		// A draining endpoint whose URL reappears is a re-introduction, not
		// a retention: per spec.md's Endpoint lifecycle, state is not
		// carried across URL re-introductions. The old *Endpoint keeps
		// draining under its own handle (in-flight callers still hold it
		// directly) while a fresh handle takes over future selection.
		r.endpoints[url] = &Endpoint{
			URL:          spec.URL,
			Tier:         spec.Tier,
			Weight:       spec.Weight,
			MaxTPS:       spec.MaxTPS,
			MaxTPM:       spec.MaxTPM,
			MaxLatencyMS: spec.MaxLatencyMS,
			status:       StatusHealthy,
		}
		r.logger.Info("endpoint added", zap.String("url", spec.URL), zap.String("tier", string(spec.Tier)))
	}

	for url, ep := range r.endpoints {
		if _, ok := wanted[url]; !ok && !ep.Draining() {
			ep.markDraining()
			r.logger.Info("endpoint draining", zap.String("url", url))
		}
	}

	order := make([]string, 0, len(snap.Endpoints))
	for _, spec := range snap.Endpoints {
		order = append(order, spec.URL)
	}
	r.order = order
	r.generation = snap.Generation
}

// Reap removes draining endpoints with zero in-flight calls. Call
// periodically from a background loop (see internal/monitor).
func (r *Registry) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, ep := range r.endpoints {
		if ep.Draining() && ep.InFlight() == 0 {
			delete(r.endpoints, url)
			r.logger.Info("endpoint reaped", zap.String("url", url))
		}
	}
}

// Candidates returns every non-draining endpoint in the order its URL
// appears in the current config snapshot — the "snapshot order" spec.md
// §4.4 step 6 uses as the balancer's deterministic tie-breaker. A draining
// endpoint (not present in the current snapshot's order) is skipped.
func (r *Registry) Candidates() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.order))
	for _, url := range r.order {
		if ep, ok := r.endpoints[url]; ok && !ep.Draining() {
			out = append(out, ep)
		}
	}
	return out
}

// All returns every endpoint including draining ones. The health monitor
// iterates it (skipping draining endpoints when probing) and cmd/relay
// publishes per-endpoint metrics from it.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// Generation returns the config generation currently reflected in the table.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Lookup returns the endpoint for a URL, if present.
func (r *Registry) Lookup(url string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[url]
	return ep, ok
}
