// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextcache

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(t *testing.T, cfg Config) (*Cache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg.Clock = clk.Now
	if cfg.ResetInterval == 0 {
		cfg.ResetInterval = time.Hour // keep the reset timer out of tests
	}
	c := New(cfg)
	t.Cleanup(c.Close)
	return c, clk
}

func doc(s string) Entry {
	return Entry{Customer: "acme", Document: json.RawMessage(`{"v":"` + s + `"}`)}
}

func TestGetSet(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	t.Run("set then get returns the entry", func(t *testing.T) {
		c.Set("acme", doc("one"))
		got, ok := c.Get("acme")
		require.True(t, ok)
		require.JSONEq(t, `{"v":"one"}`, string(got.Document))
	})

	t.Run("set replaces in place", func(t *testing.T) {
		c.Set("acme", doc("two"))
		got, ok := c.Get("acme")
		require.True(t, ok)
		require.JSONEq(t, `{"v":"two"}`, string(got.Document))
		require.Equal(t, 1, c.Stats().Entries)
	})

	t.Run("unknown key misses", func(t *testing.T) {
		_, ok := c.Get("nobody")
		require.False(t, ok)
	})
}

func TestNegativeFilter(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	t.Run("first miss populates the filter, second is a filter hit", func(t *testing.T) {
		_, ok := c.Get("ghost")
		require.False(t, ok)
		require.Equal(t, int64(1), c.Stats().Misses)

		_, ok = c.Get("ghost")
		require.False(t, ok)
		stats := c.Stats()
		require.Equal(t, int64(1), stats.Misses, "second lookup must not reach the inner map")
		require.Equal(t, int64(1), stats.NegativeHits)
	})

	t.Run("set for a filtered key rebuilds and the key becomes readable", func(t *testing.T) {
		before := c.Stats().FilterRebuilds
		c.Set("ghost", doc("materialized"))
		require.Greater(t, c.Stats().FilterRebuilds, before)

		got, ok := c.Get("ghost")
		require.True(t, ok, "a set key must never be masked by a stale negative")
		require.JSONEq(t, `{"v":"materialized"}`, string(got.Document))
	})

	t.Run("other negatives survive the rebuild", func(t *testing.T) {
		_, _ = c.Get("ghost2")
		c.Set("ghost", doc("again"))
		_, ok := c.Get("ghost2")
		require.False(t, ok)
		// still a filter hit, not a map miss
		require.Greater(t, c.Stats().NegativeHits, int64(1))
	})
}

func TestTTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	c, clk := newTestCache(t, cfg)

	c.Set("acme", doc("fresh"))
	clk.advance(59 * time.Second)
	_, ok := c.Get("acme")
	require.True(t, ok, "entry within TTL must hit")

	clk.advance(2 * time.Second)
	_, ok = c.Get("acme")
	require.False(t, ok, "expired entry behaves as a miss")
	stats := c.Stats()
	require.Equal(t, int64(1), stats.Expirations)
	require.Zero(t, stats.Entries)

	t.Run("expired key lands in the negative filter", func(t *testing.T) {
		_, _ = c.Get("acme")
		require.Positive(t, c.Stats().NegativeHits)
	})
}

func TestLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	c, _ := newTestCache(t, cfg)

	c.Set("a", doc("a"))
	c.Set("b", doc("b"))
	c.Set("c", doc("c"))

	// Touch a so b becomes the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", doc("d"))
	require.Equal(t, 3, c.Stats().Entries)
	require.Equal(t, int64(1), c.Stats().Evictions)

	_, ok = c.Get("b")
	require.False(t, ok, "least recently used entry must be evicted")
	_, ok = c.Get("a")
	require.True(t, ok)
}

func TestTopAccessed(t *testing.T) {
	c, clk := newTestCache(t, DefaultConfig())

	for _, key := range []string{"a", "b", "c"} {
		c.Set(key, doc(key))
	}
	for i := 0; i < 3; i++ {
		_, _ = c.Get("b")
	}
	_, _ = c.Get("a")
	clk.advance(time.Second)
	_, _ = c.Get("c") // same count as a, accessed later

	top := c.TopAccessed(2)
	require.Len(t, top, 2)
	require.Equal(t, "b", top[0].Key)
	require.Equal(t, int64(3), top[0].AccessCount)
	require.Equal(t, "c", top[1].Key, "ties break toward the most recent access")

	t.Run("k larger than the cache is clamped", func(t *testing.T) {
		require.Len(t, c.TopAccessed(10), 3)
	})
}

func TestTopAccessedCountsMisses(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	c.Set("acme", doc("x"))
	for i := 0; i < 3; i++ {
		_, ok := c.Get("phantom")
		require.False(t, ok)
	}
	_, _ = c.Get("acme")

	// A key the warehouse has never materialized still ranks hot, so the
	// warmer can go fetch it.
	top := c.TopAccessed(2)
	require.Len(t, top, 2)
	require.Equal(t, "phantom", top[0].Key)
	require.Equal(t, int64(3), top[0].AccessCount)
	require.Equal(t, "acme", top[1].Key)
}

func TestAccessRecordsPrunedWithNegatives(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilterCardinality = 2
	cfg.FilterFPRate = 0.001
	c, _ := newTestCache(t, cfg)

	_, _ = c.Get("phantom")
	_, _ = c.Get("other")
	// Third distinct miss overflows the tracked negative set and resets it;
	// records for the discarded keys must go with it.
	_, _ = c.Get("third")

	top := c.TopAccessed(10)
	require.Len(t, top, 1, "only the post-reset key keeps its record")
	require.Equal(t, "third", top[0].Key)
	require.Equal(t, int64(1), top[0].AccessCount)
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	c.Set("acme", doc("x"))
	_, _ = c.Get("ghost") // seed a negative
	c.Clear()

	require.Zero(t, c.Stats().Entries)
	_, ok := c.Get("acme")
	require.False(t, ok)

	// The negative filter was reset too: this is a map miss, not a filter hit.
	negBefore := c.Stats().NegativeHits
	_, _ = c.Get("ghost")
	require.Equal(t, negBefore, c.Stats().NegativeHits)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("cust-%d", i%50)
				if i%3 == 0 {
					c.Set(key, doc(key))
				} else {
					_, _ = c.Get(key)
				}
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	require.LessOrEqual(t, c.Stats().Entries, 50)
}
