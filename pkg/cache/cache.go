// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache provides a generic, time-bounded, single-flight memoiser.
// Concurrent callers asking for the same key while a computation is in
// flight block on it instead of triggering duplicate work; a successful
// result is reused until its TTL passes. There is no size bound: entries
// are only ever evicted by time, never by memory pressure.
package cache

import (
	"context"
	"sync"
	"time"
)

// ComputeFunc produces the value for a cache miss.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value V
	err   error
	// expiration is the zero Time while the computation that will fill
	// this entry is still in flight; Get callers block on cond until it
	// is set.
	expiration time.Time
}

func (e *entry[V]) inFlight() bool {
	return e.expiration.IsZero()
}

func (e *entry[V]) fresh(now time.Time) bool {
	return !e.inFlight() && now.Before(e.expiration)
}

// Cache memoises ComputeFunc results by string key for ttl.
type Cache[V any] struct {
	ttl time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*entry[V]
}

// New returns an empty Cache whose successful entries live for ttl.
func New[V any](ttl time.Duration) *Cache[V] {
	c := &Cache[V]{
		ttl:     ttl,
		entries: make(map[string]*entry[V]),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Get returns the cached value for key, computing it via compute on a
// miss or expiry. Concurrent Get calls for the same key share a single
// call to compute. A failed computation is not cached: the next Get for
// that key (including one that was merely waiting on the failed call)
// retries it.
func (c *Cache[V]) Get(ctx context.Context, key string, compute ComputeFunc[V]) (V, error) {
	c.mu.Lock()
	for {
		e, ok := c.entries[key]
		if !ok {
			c.entries[key] = &entry[V]{}
			break
		}
		if e.inFlight() {
			c.cond.Wait()
			continue
		}
		if e.fresh(time.Now()) {
			c.mu.Unlock()
			return e.value, e.err
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	value, err := compute(ctx)

	c.mu.Lock()
	if err != nil {
		// Already-expired placeholder: any waiter that blocked on this
		// exact call, and any later caller, finds it stale and recomputes.
		c.entries[key] = &entry[V]{err: err, expiration: time.Now()}
	} else {
		c.entries[key] = &entry[V]{value: value, expiration: time.Now().Add(c.ttl)}
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	return value, err
}

// Del removes key, if present, forcing the next Get to recompute it.
func (c *Cache[V]) Del(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.inFlight() {
		delete(c.entries, key)
	}
}

// Sweep drops every expired entry. Intended to be called periodically
// (e.g. from a gocron job) so that keys which are never looked up again
// don't linger forever; Get already self-evicts on the read path, so
// Sweep is purely a memory-hygiene measure.
func (c *Cache[V]) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, e := range c.entries {
		if !e.inFlight() && !e.fresh(now) {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of entries currently tracked, in flight or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
