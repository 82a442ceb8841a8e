// Package balancer implements the Load Balancer: tier preference, a latency
// ceiling filter, a rate-budget filter, and weighted round robin over the
// endpoints that survive.
package balancer

import (
	"errors"
	"sync"
	"time"

	"github.com/relaysprint/rpc-relay/internal/config"
	"github.com/relaysprint/rpc-relay/internal/registry"
	"github.com/relaysprint/rpc-relay/internal/throttle"
)

// ErrNoEndpointAvailable is returned when no candidate survives the
// tier/latency/rate pipeline.
var ErrNoEndpointAvailable = errors.New("NO_ENDPOINT_AVAILABLE")

// Balancer selects an endpoint for a dispatcher call. It caches its weighted
// virtual-slot table per registry generation so a Select call on a
// read-mostly table does not rebuild it every time.
type Balancer struct {
	registry  *registry.Registry
	throttle  *throttle.Manager
	latencyMS *int

	mu         sync.Mutex
	generation uint64
	slots      []*registry.Endpoint
	cursor     uint64
}

// New builds a Balancer over the given registry and rate accountant
// manager. The global latency ceiling starts unset (no latency filtering)
// until SetLatencyThresholdMS is called.
func New(reg *registry.Registry, th *throttle.Manager) *Balancer {
	return &Balancer{registry: reg, throttle: th}
}

// SetLatencyThresholdMS updates the global latency ceiling used by step 3 of
// Select (relay.latency_threshold_ms; nil disables it). cmd/relay calls it on
// every config reload, and the dispatcher calls it at the start of each
// upstream call with that call's snapshot.
func (b *Balancer) SetLatencyThresholdMS(ms *int) {
	b.mu.Lock()
	b.latencyMS = ms
	b.mu.Unlock()
}

// Select runs the six-step algorithm: tier preference, latency filter (with
// single-element fallback), rate filter, weighted round robin over virtual
// slots, deterministic tie-break by snapshot order. exclude lists URLs to
// skip (used by the dispatcher's retry-on-different-endpoint step).
func (b *Balancer) Select(now time.Time, exclude map[string]struct{}) (*registry.Endpoint, error) {
	candidates := b.registry.Candidates()
	candidates = filterHealthy(candidates)
	if len(exclude) > 0 {
		candidates = filterExcluded(candidates, exclude)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	candidates = preferTier(candidates, config.TierPrimary)

	candidates = b.applyLatencyFilter(candidates)
	if len(candidates) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	rateOK := b.filterByRate(candidates, now)
	if len(rateOK) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	return b.pickWeighted(rateOK), nil
}

func filterHealthy(eps []*registry.Endpoint) []*registry.Endpoint {
	out := eps[:0:0]
	for _, e := range eps {
		if e.Status() != registry.StatusUnhealthy {
			out = append(out, e)
		}
	}
	return out
}

func filterExcluded(eps []*registry.Endpoint, exclude map[string]struct{}) []*registry.Endpoint {
	out := eps[:0:0]
	for _, e := range eps {
		if _, skip := exclude[e.URL]; !skip {
			out = append(out, e)
		}
	}
	return out
}

// preferTier restricts to primaries if any exist, else returns the input
// (secondaries) unchanged.
func preferTier(eps []*registry.Endpoint, tier config.Tier) []*registry.Endpoint {
	var primaries []*registry.Endpoint
	for _, e := range eps {
		if e.Tier == tier {
			primaries = append(primaries, e)
		}
	}
	if len(primaries) > 0 {
		return primaries
	}
	return eps
}

// applyLatencyFilter retains endpoints at or under the ceiling; if that
// empties the set, it falls back to the single lowest-latency endpoint from
// the pre-filter set.
func (b *Balancer) applyLatencyFilter(eps []*registry.Endpoint) []*registry.Endpoint {
	b.mu.Lock()
	threshold := b.latencyMS
	b.mu.Unlock()

	if threshold == nil {
		return eps
	}

	var within []*registry.Endpoint
	for _, e := range eps {
		if e.EWMALatencyMS() <= float64(*threshold) {
			within = append(within, e)
		}
	}
	if len(within) > 0 {
		return within
	}

	if len(eps) == 0 {
		return nil
	}
	best := eps[0]
	for _, e := range eps[1:] {
		if e.EWMALatencyMS() < best.EWMALatencyMS() {
			best = e
		}
	}
	return []*registry.Endpoint{best}
}

func (b *Balancer) filterByRate(eps []*registry.Endpoint, now time.Time) []*registry.Endpoint {
	var out []*registry.Endpoint
	for _, e := range eps {
		acct := b.throttle.For(e.URL, e.MaxTPS, e.MaxTPM)
		if acct.CanSend(now) {
			out = append(out, e)
		}
	}
	return out
}

// pickWeighted expands the candidate set into virtual slots (rebuilt only
// when the registry's generation advances, or when health/rate filtering has
// changed the survivor set since the table was built) and advances a
// monotonic cursor under a short critical section. eps is the exact set of
// endpoints that survived this call's tier/latency/rate filters — the
// returned endpoint is always a member of eps, never a stale slot left over
// from before an endpoint went unhealthy, throttled, or excluded.
func (b *Balancer) pickWeighted(eps []*registry.Endpoint) *registry.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.registry.Generation()
	if gen != b.generation || b.slots == nil || !slotsMatch(b.slots, eps) {
		b.slots = expandSlots(eps)
		b.generation = gen
		b.cursor = 0
	}
	if len(b.slots) == 0 {
		return eps[0]
	}

	idx := b.cursor % uint64(len(b.slots))
	b.cursor++
	return b.slots[idx]
}

func expandSlots(eps []*registry.Endpoint) []*registry.Endpoint {
	var slots []*registry.Endpoint
	for _, e := range eps {
		w := e.Weight
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			slots = append(slots, e)
		}
	}
	return slots
}

// slotsMatch reports whether slots was built from exactly the URL set eps
// carries now — no more, no less. A config reload can leave the generation
// unchanged from the balancer's point of view only between reloads, but
// health transitions, rate exhaustion, and per-call exclusion all change eps
// call to call without touching the generation, so the cached table must be
// checked for an exact match rather than mere overlap: a slot table missing
// a now-healthy endpoint starves it, and one still containing a newly
// unhealthy/excluded endpoint can hand it out.
func slotsMatch(slots, eps []*registry.Endpoint) bool {
	if len(eps) == 0 {
		return len(slots) == 0
	}
	want := make(map[string]struct{}, len(eps))
	for _, e := range eps {
		want[e.URL] = struct{}{}
	}
	seen := make(map[string]struct{}, len(want))
	for _, s := range slots {
		if _, ok := want[s.URL]; !ok {
			return false
		}
		seen[s.URL] = struct{}{}
	}
	return len(seen) == len(want)
}
