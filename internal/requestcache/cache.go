// Package requestcache implements the idempotency layer of the relay.
//
// Success responses are retained for a fixed TTL keyed by request id, so a
// retried request replays the original reply without reaching the editor.
// Error responses are never retained. While a request id is being executed,
// duplicate arrivals of the same id wait for the first outcome instead of
// dispatching again.
package requestcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/protocol"
)

// ErrNotFound indicates the cache holds no live entry for a request id.
var ErrNotFound = errors.New("requestcache: entry not found")

// Cache is the in-memory idempotency cache. All relay state dies with the
// process; there is deliberately no external backend.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*cacheEntry
	pending map[string]*pendingCall
	closed  bool
}

type cacheEntry struct {
	response  *protocol.Response
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

type pendingCall struct {
	done   chan struct{}
	result *protocol.Response
}

// New creates a cache with the given idempotency window and starts the
// periodic eviction sweep.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	c := &Cache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		pending: make(map[string]*pendingCall),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached success response for a request id, or ErrNotFound
// when no live entry exists.
func (c *Cache) Get(id string) (*protocol.Response, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok || entry.expired() {
		return nil, ErrNotFound
	}
	return entry.response, nil
}

// Do runs one logical request with idempotency:
//
//  1. A live cached success is replayed immediately (hit=true).
//  2. An in-flight execution of the same id is awaited; its outcome is
//     shared with every waiter.
//  3. Otherwise fn executes as the leader; a success result is retained for
//     the TTL window.
//
// Returned responses are shared between callers and must be treated as
// read-only. The error is non-nil only when ctx ends while waiting on an
// in-flight execution.
func (c *Cache) Do(ctx context.Context, id string, fn func() *protocol.Response) (*protocol.Response, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fn(), false, nil
	}
	if entry, ok := c.entries[id]; ok && !entry.expired() {
		c.mu.Unlock()
		return entry.response, true, nil
	}
	if call, ok := c.pending[id]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.result, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	call := &pendingCall{done: make(chan struct{})}
	c.pending[id] = call
	c.mu.Unlock()

	var resp *protocol.Response
	defer func() {
		c.mu.Lock()
		if resp != nil && resp.Success && !c.closed {
			c.entries[id] = &cacheEntry{response: resp, expiresAt: time.Now().Add(c.ttl)}
		}
		if !c.closed {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		call.result = resp
		close(call.done)
	}()

	resp = fn()
	return resp, false, nil
}

// Size returns the number of live cached entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, entry := range c.entries {
		if !entry.expired() {
			n++
		}
	}
	return n
}

// PendingCount returns the number of in-flight executions.
func (c *Cache) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Close drops all cached state. In-flight executions still complete and
// close their own wait channels; Close never touches them.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = nil
	c.pending = make(map[string]*pendingCall)
	return nil
}

func (c *Cache) evictLoop() {
	interval := c.ttl / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		for id, entry := range c.entries {
			if entry.expired() {
				delete(c.entries, id)
			}
		}
		c.mu.Unlock()
	}
}
