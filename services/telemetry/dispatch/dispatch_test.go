// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/contextcache"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/eventlog"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/metrics"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/querytag"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/scheduler"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/sqltemplate"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// fakeLayer stands in for the warehouse connection layer.
type fakeLayer struct {
	mu    sync.Mutex
	calls []string
	rows  []map[string]any
	err   error
}

func (f *fakeLayer) ExecuteTemplate(_ context.Context, name string, _ []any) (*warehouse.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	return &warehouse.Result{Rows: f.rows}, nil
}

func (f *fakeLayer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLayer) set(rows []map[string]any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.err = rows, err
}

type fixture struct {
	d       *Dispatcher
	layer   *fakeLayer
	events  *eventlog.Log
	cache   *contextcache.Cache
	sched   *scheduler.Scheduler
	metrics *metrics.Collector
	logDir  string
}

func newFixture(t *testing.T, muts ...func(*Config)) *fixture {
	t.Helper()
	tags, err := querytag.NewGenerator()
	require.NoError(t, err)

	dir := t.TempDir()
	evCfg := eventlog.DefaultConfig()
	evCfg.Dir = dir
	evCfg.FlushInterval = time.Hour
	evCfg.MaxAge = time.Hour
	events, err := eventlog.Open(evCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	cacheCfg := contextcache.DefaultConfig()
	cacheCfg.ResetInterval = time.Hour
	cache := contextcache.New(cacheCfg)
	t.Cleanup(cache.Close)

	layer := &fakeLayer{}
	schedCfg := scheduler.DefaultConfig()
	schedCfg.ScavengeInterval = time.Hour
	sched := scheduler.New(layer, schedCfg)
	t.Cleanup(sched.Close)

	mCfg := metrics.DefaultConfig()
	mCfg.Registerer = prometheus.NewRegistry()
	mCfg.RollupInterval = 0
	collector := metrics.NewCollector(mCfg)
	t.Cleanup(collector.Close)

	registry, err := sqltemplate.NewBuiltinRegistry(sqltemplate.DefaultTableNames())
	require.NoError(t, err)

	cfg := Config{
		// Generous budgets keep slow CI from starving the warehouse read.
		Budgets: map[string]time.Duration{
			ToolLogEvent:    time.Second,
			ToolGetContext:  time.Second,
			ToolSubmitQuery: time.Second,
			ToolLogInsight:  time.Second,
		},
		DefaultCustomer: "acme",
		SessionID:       "sess-1",
		Source:          "cdesk-desktop",
		SourceVersion:   "1.4.2",
	}
	for _, mut := range muts {
		mut(&cfg)
	}
	d := New(cfg, tags, events, cache, sched, layer, registry, collector)
	return &fixture{d: d, layer: layer, events: events, cache: cache, sched: sched, metrics: collector, logDir: dir}
}

func (f *fixture) call(t *testing.T, tool string, req any) (any, error) {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return f.d.Call(context.Background(), tool, payload)
}

// loggedEvents rotates the log and parses the finalized segments.
func (f *fixture) loggedEvents(t *testing.T) []eventlog.Event {
	t.Helper()
	require.NoError(t, f.events.Rotate())
	entries, err := os.ReadDir(f.logDir)
	require.NoError(t, err)

	var out []eventlog.Event
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".active") {
			continue
		}
		fh, err := os.Open(filepath.Join(f.logDir, e.Name()))
		require.NoError(t, err)
		sc := bufio.NewScanner(fh)
		for sc.Scan() {
			var ev eventlog.Event
			require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
			out = append(out, ev)
		}
		require.NoError(t, fh.Close())
	}
	return out
}

func TestLogEvent(t *testing.T) {
	f := newFixture(t)

	t.Run("namespaced activity is accepted as-is", func(t *testing.T) {
		resp, err := f.call(t, ToolLogEvent, LogEventRequest{Activity: "cdesk.user_asked"})
		require.NoError(t, err)
		r := resp.(*LogEventResponse)
		require.True(t, r.OK)
		require.NotEmpty(t, r.EventID)
		require.True(t, querytag.Valid(r.Tag), "tag %q must match the correlation format", r.Tag)
	})

	t.Run("un-namespaced activity is rewritten, not rejected", func(t *testing.T) {
		resp, err := f.call(t, ToolLogEvent, LogEventRequest{Activity: "file_written"})
		require.NoError(t, err)
		require.True(t, resp.(*LogEventResponse).OK)
	})

	t.Run("recorded events carry the normalized name and the tag", func(t *testing.T) {
		events := f.loggedEvents(t)
		require.Len(t, events, 2)
		for _, ev := range events {
			require.Regexp(t, `^cdesk\.[a-z_]+$`, ev.Activity)
			require.True(t, querytag.Valid(ev.Tag))
			require.Equal(t, "acme", ev.Customer)
			require.Equal(t, "sess-1", ev.SessionID)
		}
		require.Equal(t, "cdesk.file_written", events[1].Activity)
	})

	t.Run("malformed activity fails validation", func(t *testing.T) {
		_, err := f.call(t, ToolLogEvent, LogEventRequest{Activity: "Drop Table;"})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})

	t.Run("non-http link fails validation", func(t *testing.T) {
		_, err := f.call(t, ToolLogEvent, LogEventRequest{
			Activity: "cdesk.user_asked", Link: "javascript:alert(1)"})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})

	t.Run("missing activity fails the schema", func(t *testing.T) {
		_, err := f.call(t, ToolLogEvent, LogEventRequest{})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})
}

func TestLogEventOccurrence(t *testing.T) {
	f := newFixture(t)
	prev := time.Date(2026, 8, 21, 14, 0, 0, 0, time.UTC)

	_, err := f.call(t, ToolLogEvent, LogEventRequest{Activity: "cdesk.user_asked"})
	require.NoError(t, err)
	_, err = f.call(t, ToolLogEvent, LogEventRequest{
		Activity:             "cdesk.user_asked",
		Occurrence:           3,
		PreviousOccurrenceTS: &prev,
	})
	require.NoError(t, err)

	events := f.loggedEvents(t)
	require.Len(t, events, 2)
	require.Equal(t, 1, events[0].Occurrence, "first sighting defaults to occurrence 1")
	require.Nil(t, events[0].PreviousOccurrenceTS)
	require.Equal(t, 3, events[1].Occurrence)
	require.NotNil(t, events[1].PreviousOccurrenceTS)
	require.True(t, prev.Equal(*events[1].PreviousOccurrenceTS))

	t.Run("occurrence below one fails the schema", func(t *testing.T) {
		_, err := f.call(t, ToolLogEvent, LogEventRequest{
			Activity: "cdesk.user_asked", Occurrence: -1})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})
}

func TestGetContext(t *testing.T) {
	f := newFixture(t)
	doc := `{"tier":"enterprise","owner":"jane"}`
	f.layer.set([]map[string]any{{"context_doc": doc}}, nil)

	t.Run("miss reads the warehouse and fills the cache", func(t *testing.T) {
		resp, err := f.call(t, ToolGetContext, GetContextRequest{CustomerKey: "acme"})
		require.NoError(t, err)
		r := resp.(*GetContextResponse)
		require.True(t, r.Found)
		require.Equal(t, "warehouse", r.Source)
		require.JSONEq(t, doc, r.Document)
		require.Equal(t, 1, f.layer.callCount())
	})

	t.Run("hit is served from the cache", func(t *testing.T) {
		resp, err := f.call(t, ToolGetContext, GetContextRequest{CustomerKey: "acme"})
		require.NoError(t, err)
		r := resp.(*GetContextResponse)
		require.Equal(t, "cache", r.Source)
		require.Equal(t, 1, f.layer.callCount(), "cache hit must not touch the warehouse")
	})

	t.Run("maxBytes truncates with a marker", func(t *testing.T) {
		resp, err := f.call(t, ToolGetContext, GetContextRequest{CustomerKey: "acme", MaxBytes: 10})
		require.NoError(t, err)
		r := resp.(*GetContextResponse)
		require.True(t, r.Truncated)
		require.Len(t, r.Document, 10)
		require.Equal(t, len(doc), r.OriginalBytes)
	})

	t.Run("absent customer returns not found", func(t *testing.T) {
		f.layer.set(nil, nil)
		resp, err := f.call(t, ToolGetContext, GetContextRequest{CustomerKey: "nobody"})
		require.NoError(t, err)
		require.False(t, resp.(*GetContextResponse).Found)
	})

	t.Run("warehouse failure surfaces and skips the cache", func(t *testing.T) {
		f.layer.set(nil, faults.New(faults.KindTimeout, "deadline exceeded"))
		_, err := f.call(t, ToolGetContext, GetContextRequest{CustomerKey: "globex"})
		require.Error(t, err)
		require.Equal(t, faults.KindTimeout, faults.KindOf(err))

		// Recovery: the key was never cached, so the next call refetches.
		f.layer.set([]map[string]any{{"context_doc": doc}}, nil)
		resp, err := f.call(t, ToolGetContext, GetContextRequest{CustomerKey: "globex"})
		require.NoError(t, err)
		require.Equal(t, "warehouse", resp.(*GetContextResponse).Source)
	})

	t.Run("invalid key fails validation", func(t *testing.T) {
		_, err := f.call(t, ToolGetContext, GetContextRequest{CustomerKey: "bad key;"})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})
}

func TestSubmitQuery(t *testing.T) {
	f := newFixture(t)
	f.layer.set([]map[string]any{{"activity": "cdesk.user_asked"}}, nil)

	t.Run("unknown template is rejected before ticketing", func(t *testing.T) {
		_, err := f.call(t, ToolSubmitQuery, SubmitQueryRequest{TemplateName: "drop_everything"})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
		require.Zero(t, f.layer.callCount())
	})

	t.Run("registered template yields a pending ticket", func(t *testing.T) {
		resp, err := f.call(t, ToolSubmitQuery, SubmitQueryRequest{
			TemplateName: sqltemplate.TplReadRecentActivities,
			Params:       []any{"acme", 10},
		})
		require.NoError(t, err)
		r := resp.(*SubmitQueryResponse)
		require.NotEmpty(t, r.TicketID)
		require.Equal(t, "pending", r.State)

		deadline := time.Now().Add(2 * time.Second)
		for {
			ticket, ok := f.d.Ticket(r.TicketID)
			require.True(t, ok)
			if ticket.State == scheduler.Completed {
				require.Len(t, ticket.Result.Rows, 1)
				break
			}
			require.False(t, time.Now().After(deadline), "ticket never completed")
			time.Sleep(5 * time.Millisecond)
		}
	})
}

func TestLogInsight(t *testing.T) {
	f := newFixture(t)

	t.Run("valid insight is recorded", func(t *testing.T) {
		resp, err := f.call(t, ToolLogInsight, LogInsightRequest{
			Subject:        "acme",
			Metric:         "weekly_active_seats",
			Value:          42,
			ProvenanceHash: "0123456789abcdef",
		})
		require.NoError(t, err)
		r := resp.(*LogEventResponse)
		require.True(t, r.OK)

		events := f.loggedEvents(t)
		require.Len(t, events, 1)
		require.Equal(t, "cdesk.insight_recorded", events[0].Activity)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(events[0].Metadata, &payload))
		require.Equal(t, "0123456789abcdef", payload["provenance_hash"])
	})

	t.Run("provenance hash must be 16 lowercase hex characters", func(t *testing.T) {
		for _, hash := range []string{"", "short", "0123456789ABCDEF", "0123456789abcdefff"} {
			_, err := f.call(t, ToolLogInsight, LogInsightRequest{
				Subject: "acme", Metric: "m", Value: 1, ProvenanceHash: hash})
			require.Error(t, err, "hash %q must be rejected", hash)
			require.Equal(t, faults.KindValidation, faults.KindOf(err))
		}
	})

	t.Run("unconfigured customer falls back to the subject", func(t *testing.T) {
		bare := newFixture(t, func(cfg *Config) { cfg.DefaultCustomer = "" })
		_, err := bare.call(t, ToolLogInsight, LogInsightRequest{
			Subject:        "globex",
			Metric:         "weekly_active_seats",
			Value:          7,
			ProvenanceHash: "0123456789abcdef",
		})
		require.NoError(t, err)

		events := bare.loggedEvents(t)
		require.Len(t, events, 1)
		require.Equal(t, "globex", events[0].Customer,
			"the recorded customer must never be empty")
	})

	t.Run("non-finite values are rejected", func(t *testing.T) {
		// NaN cannot round-trip JSON, so drive the handler directly.
		_, err := f.d.logInsight(context.Background(), &LogInsightRequest{
			Subject: "acme", Metric: "m", Value: nan(), ProvenanceHash: "0123456789abcdef"})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestUnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Call(context.Background(), "rm_rf", []byte(`{}`))
	require.Error(t, err)
	require.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestMalformedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Call(context.Background(), ToolLogEvent, []byte(`{"activity": `))
	require.Error(t, err)
	require.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestMetricsSampling(t *testing.T) {
	f := newFixture(t)

	_, _ = f.call(t, ToolLogEvent, LogEventRequest{Activity: "cdesk.user_asked"})
	_, err := f.call(t, ToolLogEvent, LogEventRequest{Activity: "Bad;"})
	require.Error(t, err)

	snap := f.metrics.Snapshot()
	require.Equal(t, int64(2), snap[ToolLogEvent].Count)
	require.Equal(t, int64(1), snap[ToolLogEvent].Errors)
}
