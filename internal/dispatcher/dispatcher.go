// Package dispatcher implements the relay's core orchestration: the single
// entrypoint that turns an inbound JSON-RPC request into an outbound call
// against a selected upstream, applying the cache, single-flight, and
// rate-aware balancing steps along the way.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/balancer"
	"github.com/relaysprint/rpc-relay/internal/cache"
	"github.com/relaysprint/rpc-relay/internal/config"
	"github.com/relaysprint/rpc-relay/internal/jsonrpc"
	"github.com/relaysprint/rpc-relay/internal/metrics"
	"github.com/relaysprint/rpc-relay/internal/outbound"
	"github.com/relaysprint/rpc-relay/internal/registry"
	"github.com/relaysprint/rpc-relay/internal/throttle"
)

const (
	selectWaitBudget   = 5 * time.Second
	selectPollInterval = 10 * time.Millisecond
	callTimeout        = 15 * time.Second
)

// Dispatcher wires together the cache, balancer, rate accountant, and
// outbound client behind a single Dispatch call.
type Dispatcher struct {
	logger   *zap.Logger
	store    *config.Store
	registry *registry.Registry
	balancer *balancer.Balancer
	throttle *throttle.Manager
	cache    *cache.Cache
	outbound *outbound.Client
}

// New builds a Dispatcher from its collaborators. The config store is
// consulted once per Dispatch call so every step within one call sees a
// consistent snapshot, per spec's "observers resolve the current snapshot
// at the start of an operation" rule.
func New(logger *zap.Logger, store *config.Store, reg *registry.Registry, bal *balancer.Balancer, th *throttle.Manager, c *cache.Cache, ob *outbound.Client) *Dispatcher {
	return &Dispatcher{logger: logger, store: store, registry: reg, balancer: bal, throttle: th, cache: c, outbound: ob}
}

// upstreamResult carries what callUpstream learned, before the dispatcher
// overlays the client's own request id onto it.
type upstreamResult struct {
	value    json.RawMessage
	rpcErr   *jsonrpc.Error
	endpoint string
}

// Dispatch runs the full contract: nonce rewrite, cache probe, single-flight
// gate, endpoint selection with bounded wait, outbound call with one retry
// on transport/5xx, cache fill, waiter resolution, and metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	start := time.Now()
	snap := d.store.Current()

	if err := req.Validate(); err != nil {
		metrics.RecordCall("", req.Method, "malformed", time.Since(start))
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "malformed json-rpc request")
	}

	if rewritten, err := jsonrpc.RewriteNonceParam(req.Method, req.Params); err == nil {
		req.Params = rewritten
	}

	ttlSeconds, cacheable := snap.CacheTTL[req.Method]
	var key string
	if cacheable {
		k, err := jsonrpc.Canonicalize(req.Method, req.Params)
		if err != nil {
			cacheable = false
		} else {
			key = k
		}
	}

	if !cacheable {
		res := d.callUpstream(ctx, snap, req)
		return d.toResponse(req.ID, req.Method, res, start, "uncached")
	}

	now := time.Now()
	cached, started, wait := d.cache.GetOrStart(key, now)
	switch {
	case !started && wait == nil:
		metrics.RecordCall("", req.Method, "cache_hit", time.Since(start))
		return jsonrpc.NewResult(req.ID, cached)

	case wait != nil:
		value, err := wait()
		if err != nil {
			metrics.RecordCall("", req.Method, "single_flight_error", time.Since(start))
			// A leader that hit a JSON-RPC-level error fails its waiters with
			// that same *jsonrpc.Error (see Fail below); forward it verbatim
			// so every waiter sees the identical envelope the leader itself
			// returned, rather than the generic transport-error mapping.
			if rpcErr, ok := err.(*jsonrpc.Error); ok {
				return jsonrpc.Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
			}
			return d.errorResponse(req.ID, err)
		}
		metrics.RecordCall("", req.Method, "single_flight_join", time.Since(start))
		return jsonrpc.NewResult(req.ID, value)

	default:
		// started == true: this goroutine is the single-flight leader; it
		// must Fill or Fail no matter which path below returns.
		res := d.callUpstream(ctx, snap, req)
		if res.rpcErr != nil {
			// A JSON-RPC level error is a valid, non-cacheable response;
			// release waiters without caching anything.
			d.cache.Fail(key, res.rpcErr)
			metrics.RecordCall(res.endpoint, req.Method, "upstream_rpc_error", time.Since(start))
			return jsonrpc.Response{JSONRPC: "2.0", ID: req.ID, Error: res.rpcErr}
		}
		if res.value == nil && res.endpoint == "" {
			// Transport-level failure: dispatcher error, not an upstream
			// JSON-RPC error; nothing to cache.
			d.cache.Fail(key, ErrUpstreamTransport)
			metrics.RecordCall("", req.Method, "transport_error", time.Since(start))
			return d.errorResponse(req.ID, ErrUpstreamTransport)
		}
		ttl := time.Duration(ttlSeconds) * time.Second
		d.cache.Fill(key, res.value, ttl, time.Now())
		metrics.RecordCall(res.endpoint, req.Method, "miss", time.Since(start))
		return jsonrpc.NewResult(req.ID, res.value)
	}
}

func (d *Dispatcher) toResponse(id json.RawMessage, method string, res upstreamResult, start time.Time, hitKind string) jsonrpc.Response {
	if res.rpcErr != nil {
		metrics.RecordCall(res.endpoint, method, "upstream_rpc_error", time.Since(start))
		return jsonrpc.Response{JSONRPC: "2.0", ID: id, Error: res.rpcErr}
	}
	if res.value == nil && res.endpoint == "" {
		metrics.RecordCall("", method, "transport_error", time.Since(start))
		return d.errorResponse(id, ErrUpstreamTransport)
	}
	metrics.RecordCall(res.endpoint, method, hitKind, time.Since(start))
	return jsonrpc.NewResult(id, res.value)
}

// callUpstream selects an endpoint (waiting on rate budget up to
// selectWaitBudget), sends the call, and retries once against a different
// endpoint on transport failure. It never retries a JSON-RPC level error —
// that is returned to the client verbatim.
func (d *Dispatcher) callUpstream(ctx context.Context, snap *config.Snapshot, req jsonrpc.Request) upstreamResult {
	d.balancer.SetLatencyThresholdMS(snap.RelayLatencyThresholdMS)
	tried := make(map[string]struct{})

	ep, err := d.selectWithWait(ctx, tried)
	if err != nil {
		if err == ErrNoEndpointAvailable {
			// Surface balancer exhaustion with its own JSON-RPC error rather
			// than the generic "upstream error" a transport failure gets.
			return upstreamResult{rpcErr: d.errorResponse(nil, ErrNoEndpointAvailable).Error}
		}
		return upstreamResult{}
	}

	value, rpcErr, sendErr := d.send(ctx, ep, req)
	if sendErr == nil {
		return upstreamResult{value: value, rpcErr: rpcErr, endpoint: ep.URL}
	}

	tried[ep.URL] = struct{}{}
	ep2, err2 := d.selectWithWait(ctx, tried)
	if err2 != nil {
		return upstreamResult{}
	}
	value2, rpcErr2, sendErr2 := d.send(ctx, ep2, req)
	if sendErr2 != nil {
		return upstreamResult{}
	}
	return upstreamResult{value: value2, rpcErr: rpcErr2, endpoint: ep2.URL}
}

func (d *Dispatcher) selectWithWait(ctx context.Context, exclude map[string]struct{}) (*registry.Endpoint, error) {
	deadline := time.Now().Add(selectWaitBudget)
	for {
		ep, err := d.balancer.Select(time.Now(), exclude)
		if err == nil {
			return ep, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoEndpointAvailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(selectPollInterval):
		}
	}
}

// send issues one outbound call. A non-nil rpcErr with a nil error means the
// upstream answered successfully at the transport level but with a
// JSON-RPC-level error field — not retried. A non-nil error means a
// transport failure or timeout, which is retried once by the caller.
func (d *Dispatcher) send(ctx context.Context, ep *registry.Endpoint, req jsonrpc.Request) (json.RawMessage, *jsonrpc.Error, error) {
	acct := d.throttle.For(ep.URL, ep.MaxTPS, ep.MaxTPM)
	acct.Record(time.Now())

	ep.BeginCall()
	defer ep.EndCall()

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, _, err := d.outbound.Call(cctx, ep.URL, req)
	if err != nil {
		ep.RecordProbeFailure()
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error, nil
	}
	return resp.Result, nil, nil
}

// errorResponse maps a dispatcher sentinel error onto the exact code/message
// pairs spec.md §7 specifies: NO_ENDPOINT_AVAILABLE gets its own message,
// everything upstream-side (timeout or transport) is reported identically
// as "upstream error".
func (d *Dispatcher) errorResponse(id json.RawMessage, err error) jsonrpc.Response {
	if err == ErrNoEndpointAvailable {
		return jsonrpc.NewError(id, jsonrpc.CodeNoEndpointAvailable, "no upstream available")
	}
	return jsonrpc.NewError(id, jsonrpc.CodeUpstreamTransport, "upstream error")
}
