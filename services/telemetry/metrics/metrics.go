// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics tracks per-tool call counts and latency percentiles.
//
// Each tool keeps a monotonic count, an error count, and a ring of recent
// latency samples; p50/p95/p99 are computed from the ring on demand. The
// same observations are mirrored into prometheus so both the rollup log
// line and the scrape endpoint tell one story. Tool names are a fixed,
// small set; there are no dynamic labels.
package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config tunes the collector.
type Config struct {
	// ReservoirSize bounds the per-tool latency ring.
	ReservoirSize int

	// RollupInterval is the period of the summary log line. Zero disables
	// the rollup loop.
	RollupInterval time.Duration

	// Registerer receives the prometheus mirror. Defaults to the global
	// registerer.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// DefaultConfig returns production metrics settings.
func DefaultConfig() Config {
	return Config{
		ReservoirSize:  1000,
		RollupInterval: 60 * time.Second,
	}
}

// ToolStats is one tool's rollup.
type ToolStats struct {
	Count  int64         `json:"count"`
	Errors int64         `json:"errors"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
}

// reservoir is a fixed-size ring of the most recent samples.
type reservoir struct {
	samples []time.Duration
	next    int
	filled  bool
}

func (r *reservoir) add(d time.Duration) {
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

func (r *reservoir) size() int {
	if r.filled {
		return len(r.samples)
	}
	return r.next
}

// percentiles returns p50/p95/p99 over the current ring contents.
func (r *reservoir) percentiles() (p50, p95, p99 time.Duration) {
	n := r.size()
	if n == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(q float64) time.Duration {
		idx := int(q * float64(n-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

type toolRecord struct {
	count  int64
	errors int64
	res    reservoir
}

// Collector is the per-tool metrics core.
//
// # Thread Safety
//
// Safe for concurrent use.
type Collector struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	tools map[string]*toolRecord

	calls   *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency *prometheus.HistogramVec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector builds the collector and starts the rollup loop.
func NewCollector(cfg Config) *Collector {
	def := DefaultConfig()
	if cfg.ReservoirSize <= 0 {
		cfg.ReservoirSize = def.ReservoirSize
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	factory := promauto.With(cfg.Registerer)
	c := &Collector{
		cfg:   cfg,
		log:   cfg.Logger,
		tools: make(map[string]*toolRecord),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdesk_tool_calls_total",
			Help: "Total tool invocations.",
		}, []string{"tool"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdesk_tool_errors_total",
			Help: "Total tool invocations that returned an error.",
		}, []string{"tool"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdesk_tool_latency_seconds",
			Help:    "Tool call latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"tool"}),
		stopCh: make(chan struct{}),
	}
	if cfg.RollupInterval > 0 {
		c.wg.Add(1)
		go c.rollupLoop()
	}
	return c
}

// Observe records one tool call.
func (c *Collector) Observe(tool string, latency time.Duration, failed bool) {
	c.mu.Lock()
	rec, ok := c.tools[tool]
	if !ok {
		rec = &toolRecord{res: reservoir{samples: make([]time.Duration, c.cfg.ReservoirSize)}}
		c.tools[tool] = rec
	}
	rec.count++
	if failed {
		rec.errors++
	}
	rec.res.add(latency)
	c.mu.Unlock()

	c.calls.WithLabelValues(tool).Inc()
	if failed {
		c.errors.WithLabelValues(tool).Inc()
	}
	c.latency.WithLabelValues(tool).Observe(latency.Seconds())
}

// Snapshot computes the current rollup for every tool.
func (c *Collector) Snapshot() map[string]ToolStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ToolStats, len(c.tools))
	for tool, rec := range c.tools {
		p50, p95, p99 := rec.res.percentiles()
		out[tool] = ToolStats{
			Count:  rec.count,
			Errors: rec.errors,
			P50:    p50,
			P95:    p95,
			P99:    p99,
		}
	}
	return out
}

// Close stops the rollup loop.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) rollupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for tool, st := range c.Snapshot() {
				c.log.Info("tool metrics rollup",
					"tool", tool,
					"count", st.Count,
					"errors", st.Errors,
					"p50_ms", st.P50.Milliseconds(),
					"p95_ms", st.P95.Milliseconds(),
					"p99_ms", st.P99.Milliseconds())
			}
		}
	}
}
