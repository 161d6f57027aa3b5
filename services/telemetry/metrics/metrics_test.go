// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T, cfg Config) *Collector {
	t.Helper()
	cfg.Registerer = prometheus.NewRegistry()
	cfg.RollupInterval = 0 // no background loop in tests
	c := NewCollector(cfg)
	t.Cleanup(c.Close)
	return c
}

func TestObserveCounts(t *testing.T) {
	c := newTestCollector(t, DefaultConfig())

	c.Observe("log_event", 2*time.Millisecond, false)
	c.Observe("log_event", 3*time.Millisecond, false)
	c.Observe("log_event", 4*time.Millisecond, true)
	c.Observe("get_context", 10*time.Millisecond, false)

	snap := c.Snapshot()
	require.Equal(t, int64(3), snap["log_event"].Count)
	require.Equal(t, int64(1), snap["log_event"].Errors)
	require.Equal(t, int64(1), snap["get_context"].Count)
	require.Zero(t, snap["get_context"].Errors)
}

func TestPercentiles(t *testing.T) {
	c := newTestCollector(t, DefaultConfig())

	// 1ms..100ms, one sample each.
	for i := 1; i <= 100; i++ {
		c.Observe("submit_query", time.Duration(i)*time.Millisecond, false)
	}

	st := c.Snapshot()["submit_query"]
	require.InDelta(t, 50, st.P50.Milliseconds(), 2)
	require.InDelta(t, 95, st.P95.Milliseconds(), 2)
	require.InDelta(t, 99, st.P99.Milliseconds(), 2)
}

func TestReservoirKeepsRecentSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReservoirSize = 10
	c := newTestCollector(t, cfg)

	// 100 slow samples, then 10 fast ones; only the fast ones remain.
	for i := 0; i < 100; i++ {
		c.Observe("log_insight", time.Second, false)
	}
	for i := 0; i < 10; i++ {
		c.Observe("log_insight", time.Millisecond, false)
	}

	st := c.Snapshot()["log_insight"]
	require.Equal(t, int64(110), st.Count, "counts are monotonic even when samples age out")
	require.Equal(t, time.Millisecond, st.P99, "reservoir holds only the most recent window")
}

func TestEmptySnapshot(t *testing.T) {
	c := newTestCollector(t, DefaultConfig())
	require.Empty(t, c.Snapshot())
}

func TestPrometheusMirror(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Registerer = reg
	cfg.RollupInterval = 0
	c := NewCollector(cfg)
	defer c.Close()

	c.Observe("log_event", time.Millisecond, false)
	c.Observe("log_event", time.Millisecond, true)

	require.InDelta(t, 2, testutil.ToFloat64(c.calls.WithLabelValues("log_event")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(c.errors.WithLabelValues("log_event")), 1e-9)
}
