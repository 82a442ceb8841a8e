// Package cache implements the relay's TTL cache with single-flight
// deduplication: concurrent identical cacheable calls collapse into one
// outbound call, and the result is served to every waiter plus stored for
// the method's configured TTL.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entry is a cached JSON-RPC result with its expiry.
type entry struct {
	result    json.RawMessage
	expiresAt time.Time
}

func (e *entry) fresh(now time.Time) bool { return now.Before(e.expiresAt) }

// call is an in-flight fetch that other goroutines asking for the same key
// can wait on instead of issuing their own outbound request.
type call struct {
	wg     sync.WaitGroup
	result json.RawMessage
	err    error
}

// Cache keeps two maps keyed by canonicalized (method, params) under one
// mutex: completed entries and in-flight calls. A key never has a fresh
// entry and a live call at once, and both maps are checked and updated under
// the same lock, which is what makes GetOrStart atomic: the first caller for
// a key installs a *call and everyone else joins its WaitGroup.
type Cache struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	calls   map[string]*call

	shutdownChan chan struct{}
	workers      sync.WaitGroup
}

// New constructs a Cache and starts its background expiry sweep.
func New(logger *zap.Logger) *Cache {
	c := &Cache{
		logger:       logger,
		entries:      make(map[string]*entry),
		calls:        make(map[string]*call),
		shutdownChan: make(chan struct{}),
	}
	c.workers.Add(1)
	go c.cleanupWorker()
	return c
}

// Get returns a fresh cached result for key, if any.
func (c *Cache) Get(key string, now time.Time) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.fresh(now) {
		return nil, false
	}
	return e.result, true
}

// GetOrStart implements the cache's single-flight gate. If a fresh entry
// exists it is returned immediately (started=false, wait=nil). Otherwise,
// if a fetch for this key is already in flight, the caller gets a wait
// function that blocks on it and returns its eventual result. Otherwise the
// caller becomes the leader (started=true) and must eventually call Fill or
// Fail to release any goroutines that join behind it.
func (c *Cache) GetOrStart(key string, now time.Time) (result json.RawMessage, started bool, wait func() (json.RawMessage, error)) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.fresh(now) {
		r := e.result
		c.mu.Unlock()
		return r, false, nil
	}

	if existing, ok := c.calls[key]; ok {
		c.mu.Unlock()
		return nil, false, func() (json.RawMessage, error) {
			existing.wg.Wait()
			return existing.result, existing.err
		}
	}

	cl := &call{}
	cl.wg.Add(1)
	c.calls[key] = cl
	c.mu.Unlock()
	return nil, true, nil
}

// Fill stores a successful result under ttl and releases any goroutines
// waiting on the in-flight call for key. ttl of 0 releases waiters without
// caching the result.
func (c *Cache) Fill(key string, result json.RawMessage, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	if cl, ok := c.calls[key]; ok {
		cl.result = result
		delete(c.calls, key)
		cl.wg.Done()
	}
	if ttl > 0 {
		c.entries[key] = &entry{result: result, expiresAt: now.Add(ttl)}
	}
	c.mu.Unlock()
}

// Fail releases waiters on a failed in-flight call without caching anything.
func (c *Cache) Fail(key string, err error) {
	c.mu.Lock()
	if cl, ok := c.calls[key]; ok {
		cl.err = err
		delete(c.calls, key)
		cl.wg.Done()
	}
	c.mu.Unlock()
}

// Len reports the number of entries currently stored (fresh or not yet
// swept), for metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background expiry sweep and waits for it to exit.
func (c *Cache) Close() {
	close(c.shutdownChan)
	c.workers.Wait()
}

func (c *Cache) cleanupWorker() {
	defer c.workers.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdownChan:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.fresh(now) {
			delete(c.entries, k)
		}
	}
}
