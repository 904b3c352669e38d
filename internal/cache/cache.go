// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package cache provides the lookaside cache for locations, zones, nearby
// results, and geofence checks, plus the sliding-window counter used for rate
// limiting and throughput accounting.
//
// Values are stored JSON-serialized with per-entry TTLs. Cache failures never
// propagate: a decode failure degrades to a miss.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Entry is a cached item with its expiration time.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// Stats tracks cache performance counters. HitRate is derived.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Evictions int64   `json:"evictions"`
	Keys      int64   `json:"keys"`
	HitRate   float64 `json:"hitRate"`
}

// Cache is a thread-safe in-memory cache with TTL support and key-prefix
// invalidation. A nil *Cache is valid and behaves as a disabled cache: every
// read misses and every write is a no-op.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	statsMu sync.Mutex
	hits    int64
	misses  int64
	sets    int64
	deletes int64
	evicted int64

	stopOnce sync.Once
	stop     chan struct{}
}

// cleanupInterval controls how often expired entries are swept out.
const cleanupInterval = 5 * time.Minute

// New creates a cache with the given default TTL and starts the background
// cleanup sweep. Call Close to stop the sweep.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the background cleanup goroutine.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

// Get retrieves the raw value for a key. Expired entries are removed and
// counted as misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// replaced the entry.
		if cur, ok := c.entries[key]; ok && time.Now().After(cur.ExpiresAt) {
			delete(c.entries, key)
			c.recordEviction()
		}
		c.mu.Unlock()
		c.recordMiss()
		return nil, false
	}

	c.recordHit()
	return entry.Data, true
}

// GetJSON retrieves and decodes a cached value into dst. A decode failure is
// treated as a miss and the entry is dropped.
func (c *Cache) GetJSON(key string, dst any) bool {
	raw, ok := c.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.Delete(key)
		return false
	}
	return true
}

// Set stores a raw value with the default TTL.
func (c *Cache) Set(key string, data []byte) {
	if c == nil {
		return
	}
	c.SetWithTTL(key, data, c.ttl)
}

// SetWithTTL stores a raw value with a custom TTL.
func (c *Cache) SetWithTTL(key string, data []byte, ttl time.Duration) {
	if c == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[key] = Entry{Data: data, ExpiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	c.recordSet()
}

// SetJSON encodes and stores a value with a custom TTL. Encoding failures are
// swallowed; the cache degrades to a future miss.
func (c *Cache) SetJSON(key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.SetWithTTL(key, data, ttl)
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if existed {
		c.recordDelete()
	}
}

// DeletePrefix removes every key with the given prefix and returns the number
// removed.
func (c *Cache) DeletePrefix(prefix string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.statsMu.Lock()
		c.deletes += int64(removed)
		c.statsMu.Unlock()
	}
	return removed
}

// Clear removes all entries.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// Len returns the number of entries, including not-yet-swept expired ones.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns a snapshot of the cache counters.
func (c *Cache) GetStats() Stats {
	if c == nil {
		return Stats{}
	}
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Deletes:   c.deletes,
		Evictions: c.evicted,
		Keys:      int64(c.Len()),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// HitRate returns hits / (hits + misses), or 0 with no traffic.
func (c *Cache) HitRate() float64 {
	return c.GetStats().HitRate
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stop:
			return
		}
	}
}

// Cleanup removes all expired entries.
func (c *Cache) Cleanup() int {
	now := time.Now()
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.statsMu.Lock()
		c.evicted += int64(removed)
		c.statsMu.Unlock()
	}
	return removed
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

func (c *Cache) recordSet() {
	c.statsMu.Lock()
	c.sets++
	c.statsMu.Unlock()
}

func (c *Cache) recordDelete() {
	c.statsMu.Lock()
	c.deletes++
	c.statsMu.Unlock()
}

func (c *Cache) recordEviction() {
	c.statsMu.Lock()
	c.evicted++
	c.statsMu.Unlock()
}
