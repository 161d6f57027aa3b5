// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextcache bounds warehouse reads for customer context.
//
// Lookups consult a bloom negative filter before the inner map, so repeated
// misses for unknown customers never pay the map cost. Bloom filters cannot
// delete, so a Set for a key the filter remembers triggers a rebuild from
// the tracked negative-key set; the whole filter is also reset on a coarse
// schedule so stale negatives age out once the warehouse may have data.
package contextcache

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Entry is one cached customer context document.
type Entry struct {
	Customer  string          `json:"customer"`
	Document  json.RawMessage `json:"document"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Config tunes the cache.
type Config struct {
	// MaxEntries bounds the inner map; LRU eviction keeps it there.
	MaxEntries int

	// TTL expires entries; an expired hit behaves as a miss.
	TTL time.Duration

	// FilterCardinality sizes the negative filter.
	FilterCardinality uint

	// FilterFPRate is the negative filter's target false-positive rate.
	FilterFPRate float64

	// ResetInterval is the coarse schedule on which stale negatives are
	// discarded wholesale. Defaults to the TTL.
	ResetInterval time.Duration

	// Clock is injectable for tests.
	Clock func() time.Time

	Logger *slog.Logger
}

// DefaultConfig returns production cache settings.
func DefaultConfig() Config {
	return Config{
		MaxEntries:        10_000,
		TTL:               5 * time.Minute,
		FilterCardinality: 100_000,
		FilterFPRate:      0.01,
	}
}

// Stats is the cache's observable state.
type Stats struct {
	Entries        int   `json:"entries"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	NegativeHits   int64 `json:"negative_hits"`
	Evictions      int64 `json:"evictions"`
	Expirations    int64 `json:"expirations"`
	FilterRebuilds int64 `json:"filter_rebuilds"`
}

type item struct {
	key      string
	entry    Entry
	storedAt time.Time
}

// accessRecord counts lookups for one customer key, hit or miss. Records
// live only as long as the key is in the cache's key set (an entry or a
// tracked negative), so the map stays bounded.
type accessRecord struct {
	count int64
	last  time.Time
}

// Cache is the bounded LRU with the negative filter in front.
//
// # Thread Safety
//
// Safe for concurrent use. One mutex covers the map, the LRU list, and the
// filter; each operation holds it for a single map pass.
type Cache struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	filter  *bloom.BloomFilter
	negKeys map[string]struct{}
	access  map[string]*accessRecord

	hits         int64
	misses       int64
	negativeHits int64
	evictions    int64
	expirations  int64
	rebuilds     int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the cache and starts the filter reset timer.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.FilterCardinality == 0 {
		cfg.FilterCardinality = def.FilterCardinality
	}
	if cfg.FilterFPRate <= 0 || cfg.FilterFPRate >= 1 {
		cfg.FilterFPRate = def.FilterFPRate
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = cfg.TTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		cfg:     cfg,
		log:     cfg.Logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		filter:  bloom.NewWithEstimates(cfg.FilterCardinality, cfg.FilterFPRate),
		negKeys: make(map[string]struct{}),
		access:  make(map[string]*accessRecord),
		stopCh:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.resetLoop()
	return c
}

// Get returns the entry for the key, or false on a miss. A miss (absent,
// expired, or negative-filter hit) records the key in the negative filter.
// Every lookup counts toward the key's access record, hit or miss.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Clock()
	c.touchAccessLocked(key, now)

	if c.filter.TestString(key) {
		c.negativeHits++
		return Entry{}, false
	}

	elem, ok := c.entries[key]
	if !ok {
		c.recordMissLocked(key)
		return Entry{}, false
	}

	it := elem.Value.(*item)
	if now.Sub(it.storedAt) > c.cfg.TTL {
		c.lru.Remove(elem)
		delete(c.entries, key)
		c.expirations++
		c.recordMissLocked(key)
		return Entry{}, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return it.entry, true
}

// Set inserts or replaces the entry, clearing any negative record for the
// key. Evicts from the LRU tail until within bound.
func (c *Cache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Clock()

	if _, neg := c.negKeys[key]; neg {
		delete(c.negKeys, key)
		c.rebuildFilterLocked()
	}

	if elem, ok := c.entries[key]; ok {
		it := elem.Value.(*item)
		it.entry = entry
		it.storedAt = now
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&item{key: key, entry: entry, storedAt: now})
	c.entries[key] = elem

	for len(c.entries) > c.cfg.MaxEntries {
		tail := c.lru.Back()
		if tail == nil {
			break
		}
		victim := tail.Value.(*item).key
		c.lru.Remove(tail)
		delete(c.entries, victim)
		c.dropAccessIfOrphanedLocked(victim)
		c.evictions++
	}
}

// Delete removes the key without touching the negative filter.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.lru.Remove(elem)
		delete(c.entries, key)
		c.dropAccessIfOrphanedLocked(key)
	}
}

// Clear drops every entry and resets the negative filter.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.negKeys = make(map[string]struct{})
	c.access = make(map[string]*accessRecord)
	c.filter.ClearAll()
}

// Ranked is one TopAccessed result.
type Ranked struct {
	Key         string `json:"key"`
	AccessCount int64  `json:"access_count"`
}

// TopAccessed returns the k keys with the largest access counts, hits and
// misses alike, so a background warmer sees hot keys the warehouse has not
// materialized yet. Ties break toward the most recently accessed key.
func (c *Cache) TopAccessed(k int) []Ranked {
	type kv struct {
		key string
		rec accessRecord
	}
	c.mu.Lock()
	items := make([]kv, 0, len(c.access))
	for key, rec := range c.access {
		items = append(items, kv{key: key, rec: *rec})
	}
	c.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].rec.count != items[j].rec.count {
			return items[i].rec.count > items[j].rec.count
		}
		return items[i].rec.last.After(items[j].rec.last)
	})
	if k > len(items) {
		k = len(items)
	}
	out := make([]Ranked, 0, k)
	for _, it := range items[:k] {
		out = append(out, Ranked{Key: it.key, AccessCount: it.rec.count})
	}
	return out
}

// Stats returns a point-in-time view of the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:        len(c.entries),
		Hits:           c.hits,
		Misses:         c.misses,
		NegativeHits:   c.negativeHits,
		Evictions:      c.evictions,
		Expirations:    c.expirations,
		FilterRebuilds: c.rebuilds,
	}
}

// Close stops the filter reset timer.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache) recordMissLocked(key string) {
	c.misses++
	// Cap the tracked negative set at the filter's designed cardinality;
	// past that, false-positive math is off anyway, so start over.
	reset := false
	if uint(len(c.negKeys)) >= c.cfg.FilterCardinality {
		c.negKeys = make(map[string]struct{})
		c.filter.ClearAll()
		c.rebuilds++
		reset = true
	}
	c.negKeys[key] = struct{}{}
	c.filter.AddString(key)
	if reset {
		c.pruneAccessLocked()
	}
}

func (c *Cache) touchAccessLocked(key string, now time.Time) {
	rec, ok := c.access[key]
	if !ok {
		rec = &accessRecord{}
		c.access[key] = rec
	}
	rec.count++
	rec.last = now
}

// dropAccessIfOrphanedLocked removes the key's access record once the key
// has left both the entry map and the tracked negative set.
func (c *Cache) dropAccessIfOrphanedLocked(key string) {
	if _, ok := c.entries[key]; ok {
		return
	}
	if _, ok := c.negKeys[key]; ok {
		return
	}
	delete(c.access, key)
}

// pruneAccessLocked sweeps access records after a wholesale negative reset.
func (c *Cache) pruneAccessLocked() {
	for key := range c.access {
		c.dropAccessIfOrphanedLocked(key)
	}
}

// rebuildFilterLocked reconstitutes the bloom filter from the negative set.
// The only way to "remove" a key from a bloom filter.
func (c *Cache) rebuildFilterLocked() {
	c.filter.ClearAll()
	for key := range c.negKeys {
		c.filter.AddString(key)
	}
	c.rebuilds++
}

func (c *Cache) resetLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ResetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if len(c.negKeys) > 0 {
				c.negKeys = make(map[string]struct{})
				c.filter.ClearAll()
				c.rebuilds++
				c.pruneAccessLocked()
			}
			c.mu.Unlock()
		}
	}
}
