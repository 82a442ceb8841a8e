// Package outbound provides the shared HTTP client used for every call the
// relay makes to an upstream endpoint — both the dispatcher's forwarded
// JSON-RPC calls and the health monitor's probes travel through the same
// pooled transport.
package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaysprint/rpc-relay/internal/jsonrpc"
)

// Config controls the shared transport's pool sizing and per-host smoothing.
type Config struct {
	MaxIdleConnsPerHost int
	DialTimeout         time.Duration
	// PerHostRPS, if > 0, applies an additional token-bucket smoothing layer
	// over the physical socket send — independent of and stricter-or-looser
	// than the business-level Rate Accountant, which caps request *intent*
	// rather than wire-level send rate.
	PerHostRPS float64
}

// DefaultConfig matches the pool sizing spec.md §5 calls out.
func DefaultConfig() Config {
	return Config{MaxIdleConnsPerHost: 100, DialTimeout: 5 * time.Second}
}

// Client forwards JSON-RPC calls to upstream endpoints over a shared,
// connection-pooled http.Client.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHost  float64
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		http:     &http.Client{Transport: transport},
		limiters: make(map[string]*rate.Limiter),
		perHost:  cfg.PerHostRPS,
	}
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	if c.perHost <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.perHost), int(c.perHost)+1)
		c.limiters[host] = l
	}
	return l
}

// Call sends a JSON-RPC request to url and decodes the JSON-RPC response
// envelope. Transport failures are returned as-is; the caller distinguishes
// timeout from other transport errors via ctx.Err().
func (c *Client) Call(ctx context.Context, url string, req jsonrpc.Request) (jsonrpc.Response, time.Duration, error) {
	if l := c.limiterFor(url); l != nil {
		if err := l.Wait(ctx); err != nil {
			return jsonrpc.Response{}, 0, err
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, 0, fmt.Errorf("outbound: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return jsonrpc.Response{}, 0, fmt.Errorf("outbound: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return jsonrpc.Response{}, elapsed, err
	}
	defer resp.Body.Close()

	// Per spec.md §6, only 2xx counts as success at the transport level; a
	// non-2xx status (e.g. upstream returning 500/502/503) is reported the
	// same as a dial/write/read failure so the dispatcher's retry-once and
	// consecutive-error accounting treat it identically.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return jsonrpc.Response{}, elapsed, fmt.Errorf("outbound: non-2xx response: %d", resp.StatusCode)
	}

	var out jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return jsonrpc.Response{}, elapsed, fmt.Errorf("outbound: decode response: %w", err)
	}
	return out, elapsed, nil
}
