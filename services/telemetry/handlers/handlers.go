// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the telemetry middleware over HTTP. The tool
// surface the desktop assistant calls is a single POST endpoint; the rest
// are operator endpoints for tickets, health, and account administration.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/breaker"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/contextcache"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/dispatch"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/eventlog"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/health"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/metrics"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/pool"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
)

// maxPayloadBytes bounds a tool call body. Tool payloads are small JSON
// objects; anything larger is a caller bug.
const maxPayloadBytes = 1 << 20

// httpStatus maps a fault kind to its HTTP status.
func httpStatus(kind faults.Kind) int {
	switch kind {
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindBackpressure:
		return http.StatusTooManyRequests
	case faults.KindTimeout:
		return http.StatusGatewayTimeout
	case faults.KindNoAvailableAccount, faults.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case faults.KindWarehouse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFault serializes a classified error. Unclassified errors are reported
// as internal without leaking their message.
func writeFault(c *gin.Context, err error) {
	var f *faults.Fault
	if !errors.As(err, &f) {
		slog.Error("unclassified error reached the HTTP layer", "error", err)
		f = faults.New(faults.KindInternal, "internal error")
	}
	c.JSON(httpStatus(f.Kind), gin.H{"error": f})
}

// ToolCall routes POST /v1/tools/:name to the dispatcher.
func ToolCall(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
		if err != nil {
			writeFault(c, faults.Validation("payload", "unreadable request body"))
			return
		}
		resp, err := d.Call(c.Request.Context(), c.Param("name"), body)
		if err != nil {
			writeFault(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HealthCheck reports the account health snapshot. The endpoint answers 503
// when the system is critical so load balancers can react without parsing
// the body.
func HealthCheck(m *health.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := m.Snapshot()
		code := http.StatusOK
		if snap.Overall == health.StatusCritical {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, snap)
	}
}

// GetTicket returns the current snapshot of an asynchronous query ticket.
func GetTicket(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ticket, ok := d.Ticket(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
				"kind":    string(faults.KindValidation),
				"message": "unknown ticket " + id,
			}})
			return
		}
		c.JSON(http.StatusOK, ticket)
	}
}

// CancelTicket cancels a pending ticket. Running and terminal tickets are
// not cancellable; the response says which outcome applied.
func CancelTicket(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := d.Ticket(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
				"kind":    string(faults.KindValidation),
				"message": "unknown ticket " + id,
			}})
			return
		}
		cancelled := d.CancelTicket(id)
		if !cancelled {
			c.JSON(http.StatusConflict, gin.H{"cancelled": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	}
}

// UnlockAccount clears an account's failure lockout and resets its circuit
// breaker. Operator escape hatch for when an upstream outage has ended but
// the cooldown clock has not.
func UnlockAccount(v *vault.Vault, breakers *breaker.Set) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.Param("username")
		if !v.Unlock(username) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
				"kind":    string(faults.KindValidation),
				"message": "unknown account " + username,
			}})
			return
		}
		breakers.Reset(username)
		slog.Info("account unlocked by operator", "account", username)
		c.JSON(http.StatusOK, gin.H{"unlocked": username})
	}
}

// RotateCredentials benches an account for credential rotation: the vault
// stops selecting it, so pool assignment refreshes to the next priority
// rank, and its idle connections are destroyed so nothing keeps dialing
// with the retired secret.
func RotateCredentials(v *vault.Vault, mgr *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.Param("username")
		if !v.Rotate(username) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
				"kind":    string(faults.KindValidation),
				"message": "unknown account " + username,
			}})
			return
		}
		drained := mgr.Drain(username)
		slog.Info("account credentials rotating", "account", username, "drained", drained)
		c.JSON(http.StatusOK, gin.H{"rotated": username, "drained": drained})
	}
}

// RotateEventLog forces a segment rotation, making everything appended so
// far durable and visible to the uploader.
func RotateEventLog(l *eventlog.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := l.Rotate(); err != nil {
			writeFault(c, err)
			return
		}
		c.JSON(http.StatusOK, l.Stats())
	}
}

// ToolStats returns the latency reservoir snapshot per tool.
func ToolStats(col *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, col.Snapshot())
	}
}

// TopContexts lists the most frequently accessed context cache keys.
func TopContexts(cache *contextcache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := 10
		if raw := c.Query("k"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeFault(c, faults.Validation("k", "k must be a positive integer"))
				return
			}
			k = n
		}
		c.JSON(http.StatusOK, gin.H{
			"top":   cache.TopAccessed(k),
			"stats": cache.Stats(),
		})
	}
}
