// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/breaker"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/contextcache"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/dispatch"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/eventlog"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/health"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/metrics"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/pool"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/querytag"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/scheduler"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/sqltemplate"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse/warehousetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubLayer answers template executions without a warehouse.
type stubLayer struct {
	mu   sync.Mutex
	rows []map[string]any
}

func (s *stubLayer) ExecuteTemplate(_ context.Context, _ string, _ []any) (*warehouse.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &warehouse.Result{Rows: s.rows}, nil
}

type fixture struct {
	router *gin.Engine
	vault  *vault.Vault
	layer  *stubLayer
	deps   Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tags, err := querytag.NewGenerator()
	require.NoError(t, err)

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         time.Minute,
		SuccessThreshold: 1,
	})
	vopts := vault.DefaultOptions()
	vopts.Gate = breakers.Allows
	v := vault.New([]vault.AccountConfig{
		{Username: "acct_a", Secret: "s", Priority: 1, MaxConnections: 2},
	}, vopts)

	pcfg := pool.DefaultConfig()
	pcfg.MinSize = 0
	pcfg.HealthInterval = 0
	mgr := pool.NewManager(v, breakers, warehousetest.NewFakeDialer(), pcfg)
	t.Cleanup(mgr.Close)

	monitor := health.NewMonitor(v, breakers, mgr, health.DefaultConfig())

	evCfg := eventlog.DefaultConfig()
	evCfg.Dir = t.TempDir()
	evCfg.FlushInterval = time.Hour
	evCfg.MaxAge = time.Hour
	events, err := eventlog.Open(evCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	cacheCfg := contextcache.DefaultConfig()
	cacheCfg.ResetInterval = time.Hour
	cache := contextcache.New(cacheCfg)
	t.Cleanup(cache.Close)

	layer := &stubLayer{}
	schedCfg := scheduler.DefaultConfig()
	schedCfg.ScavengeInterval = time.Hour
	sched := scheduler.New(layer, schedCfg)
	t.Cleanup(sched.Close)

	registry := prometheus.NewRegistry()
	mCfg := metrics.DefaultConfig()
	mCfg.Registerer = registry
	mCfg.RollupInterval = 0
	collector := metrics.NewCollector(mCfg)
	t.Cleanup(collector.Close)

	templates, err := sqltemplate.NewBuiltinRegistry(sqltemplate.DefaultTableNames())
	require.NoError(t, err)

	d := dispatch.New(dispatch.Config{
		Budgets: map[string]time.Duration{
			dispatch.ToolLogEvent:    time.Second,
			dispatch.ToolGetContext:  time.Second,
			dispatch.ToolSubmitQuery: time.Second,
			dispatch.ToolLogInsight:  time.Second,
		},
		DefaultCustomer: "acme",
		SessionID:       "sess-1",
		Source:          "cdesk-desktop",
		SourceVersion:   "1.4.2",
	}, tags, events, cache, sched, layer, templates, collector)

	deps := Deps{
		Dispatcher: d,
		Monitor:    monitor,
		Vault:      v,
		Breakers:   breakers,
		Pools:      mgr,
		EventLog:   events,
		Cache:      cache,
		Collector:  collector,
		Gatherer:   registry,
	}
	router := gin.New()
	SetupRoutes(router, deps)
	return &fixture{router: router, vault: v, layer: layer, deps: deps}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestToolCallEndpoint(t *testing.T) {
	f := newFixture(t)

	t.Run("log_event round trip", func(t *testing.T) {
		w := f.do(t, "POST", "/v1/tools/log_event", `{"activity":"cdesk.user_asked"}`)
		require.Equal(t, http.StatusOK, w.Code)
		var resp dispatch.LogEventResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.True(t, resp.OK)
		require.True(t, querytag.Valid(resp.Tag))
	})

	t.Run("validation failures map to 400", func(t *testing.T) {
		w := f.do(t, "POST", "/v1/tools/log_event", `{"activity":"Drop Table;"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		var body struct {
			Error struct {
				Kind      string `json:"kind"`
				Message   string `json:"message"`
				Retryable bool   `json:"retryable"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, "ValidationError", body.Error.Kind)
		require.False(t, body.Error.Retryable)
	})

	t.Run("unknown tool maps to 400", func(t *testing.T) {
		w := f.do(t, "POST", "/v1/tools/rm_rf", `{}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get_context through the stub layer", func(t *testing.T) {
		f.layer.mu.Lock()
		f.layer.rows = []map[string]any{{"context_doc": `{"tier":"pro"}`}}
		f.layer.mu.Unlock()

		w := f.do(t, "POST", "/v1/tools/get_context", `{"customerKey":"acme"}`)
		require.Equal(t, http.StatusOK, w.Code)
		var resp dispatch.GetContextResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.True(t, resp.Found)
		require.JSONEq(t, `{"tier":"pro"}`, resp.Document)
	})
}

func TestTicketEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/v1/tools/submit_query",
		`{"templateName":"read_recent_activities","params":["acme",10]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var submitted dispatch.SubmitQueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.TicketID)

	t.Run("ticket status is readable until it completes", func(t *testing.T) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			w := f.do(t, "GET", "/v1/tickets/"+submitted.TicketID, "")
			require.Equal(t, http.StatusOK, w.Code)
			var ticket scheduler.Ticket
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ticket))
			if ticket.State == scheduler.Completed {
				break
			}
			require.False(t, time.Now().After(deadline), "ticket never completed")
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("unknown ticket is 404", func(t *testing.T) {
		w := f.do(t, "GET", "/v1/tickets/nope", "")
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("cancelling a terminal ticket is a conflict", func(t *testing.T) {
		w := f.do(t, "DELETE", "/v1/tickets/"+submitted.TicketID, "")
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("cancelling an unknown ticket is 404", func(t *testing.T) {
		w := f.do(t, "DELETE", "/v1/tickets/nope", "")
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	t.Run("healthy system answers 200", func(t *testing.T) {
		w := f.do(t, "GET", "/health", "")
		require.Equal(t, http.StatusOK, w.Code)
		var snap health.SystemHealth
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		require.Equal(t, health.StatusHealthy, snap.Overall)
	})

	t.Run("critical system answers 503", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			f.deps.Breakers.RecordFailure("acct_a")
		}
		w := f.do(t, "GET", "/health", "")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)

	t.Run("unlock resets the breaker and the vault lockout", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			f.deps.Breakers.RecordFailure("acct_a")
		}
		require.Equal(t, breaker.Open, f.deps.Breakers.StateOf("acct_a"))

		w := f.do(t, "POST", "/v1/admin/accounts/acct_a/unlock", "")
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, breaker.Closed, f.deps.Breakers.StateOf("acct_a"))
	})

	t.Run("unlocking an unknown account is 404", func(t *testing.T) {
		w := f.do(t, "POST", "/v1/admin/accounts/ghost/unlock", "")
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("credential rotation benches the account and drains its pool", func(t *testing.T) {
		lease, err := f.deps.Pools.Acquire(context.Background(), "")
		require.NoError(t, err)
		require.Equal(t, "acct_a", lease.Account)
		lease.Release()

		w := f.do(t, "POST", "/v1/admin/accounts/acct_a/rotate", "")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Rotated string `json:"rotated"`
			Drained int    `json:"drained"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, "acct_a", body.Rotated)
		require.Equal(t, 1, body.Drained)

		snaps := f.vault.ListAll()
		require.Len(t, snaps, 1)
		require.True(t, snaps[0].InCooldown, "selection must move off the rotating account")
		require.Zero(t, f.deps.Pools.Stats()["acct_a"].Idle)

		// Restore for the remaining subtests.
		require.Equal(t, http.StatusOK,
			f.do(t, "POST", "/v1/admin/accounts/acct_a/unlock", "").Code)
	})

	t.Run("rotating an unknown account is 404", func(t *testing.T) {
		w := f.do(t, "POST", "/v1/admin/accounts/ghost/rotate", "")
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("rotate finalizes the active segment", func(t *testing.T) {
		w := f.do(t, "POST", "/v1/tools/log_event", `{"activity":"cdesk.user_asked"}`)
		require.Equal(t, http.StatusOK, w.Code)

		w = f.do(t, "POST", "/v1/admin/eventlog/rotate", "")
		require.Equal(t, http.StatusOK, w.Code)
		var stats eventlog.Stats
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
		require.GreaterOrEqual(t, stats.TotalRotations, int64(1))
	})

	t.Run("tool stats reflect observed calls", func(t *testing.T) {
		w := f.do(t, "GET", "/v1/admin/tools/stats", "")
		require.Equal(t, http.StatusOK, w.Code)
		var snap map[string]metrics.ToolStats
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		require.NotZero(t, snap["log_event"].Count)
	})

	t.Run("context top rejects a bad k", func(t *testing.T) {
		w := f.do(t, "GET", "/v1/admin/context/top?k=zero", "")
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_ = f.do(t, "POST", "/v1/tools/log_event", `{"activity":"cdesk.user_asked"}`)

	w := f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "cdesk_tool_calls_total")
}
