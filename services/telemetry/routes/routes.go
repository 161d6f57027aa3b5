// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/breaker"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/contextcache"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/dispatch"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/eventlog"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/handlers"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/health"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/metrics"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/pool"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
)

// Deps carries the wired components the HTTP surface needs.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Monitor    *health.Monitor
	Vault      *vault.Vault
	Breakers   *breaker.Set
	Pools      *pool.Manager
	EventLog   *eventlog.Log
	Cache      *contextcache.Cache
	Collector  *metrics.Collector
	Gatherer   prometheus.Gatherer
}

// SetupRoutes registers the tool surface and the operator endpoints.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(deps.Monitor))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/tools/:name", handlers.ToolCall(deps.Dispatcher))

		tickets := v1.Group("/tickets")
		{
			tickets.GET("/:id", handlers.GetTicket(deps.Dispatcher))
			tickets.DELETE("/:id", handlers.CancelTicket(deps.Dispatcher))
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/accounts/:username/unlock", handlers.UnlockAccount(deps.Vault, deps.Breakers))
			admin.POST("/accounts/:username/rotate", handlers.RotateCredentials(deps.Vault, deps.Pools))
			admin.POST("/eventlog/rotate", handlers.RotateEventLog(deps.EventLog))
			admin.GET("/tools/stats", handlers.ToolStats(deps.Collector))
			admin.GET("/context/top", handlers.TopContexts(deps.Cache))
		}
	}
}
