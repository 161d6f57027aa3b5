// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/breaker"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/pool"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/querytag"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/sqltemplate"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// ConnectionLayer runs one registered template against the warehouse. The
// scheduler and the dispatcher both speak to the warehouse only through it.
type ConnectionLayer interface {
	ExecuteTemplate(ctx context.Context, name string, params []any) (*warehouse.Result, error)
}

// WarehouseLayer is the production ConnectionLayer: acquire a pooled
// connection with failover, execute through the template registry with a
// fresh correlation tag, and feed the outcome back into the vault and the
// circuit breakers.
type WarehouseLayer struct {
	vault    *vault.Vault
	breakers *breaker.Set
	pools    *pool.Manager
	registry *sqltemplate.Registry
	tags     *querytag.Generator
	deadline time.Duration
	log      *slog.Logger
}

// NewWarehouseLayer wires the connection layer. The deadline bounds each
// warehouse call; zero leaves the caller's context alone.
func NewWarehouseLayer(v *vault.Vault, b *breaker.Set, p *pool.Manager,
	r *sqltemplate.Registry, tags *querytag.Generator,
	deadline time.Duration, log *slog.Logger) *WarehouseLayer {
	if log == nil {
		log = slog.Default()
	}
	return &WarehouseLayer{
		vault:    v,
		breakers: b,
		pools:    p,
		registry: r,
		tags:     tags,
		deadline: deadline,
		log:      log,
	}
}

// ExecuteTemplate acquires a connection, runs the named template, and
// records the result against the owning account.
func (w *WarehouseLayer) ExecuteTemplate(ctx context.Context, name string, params []any) (*warehouse.Result, error) {
	lease, err := w.pools.Acquire(ctx, "")
	if err != nil {
		return nil, err
	}

	tag := w.tags.Next()
	res, err := w.registry.Execute(ctx, lease.Conn, name, params, sqltemplate.ExecOptions{
		Deadline: w.deadline,
		Tag:      tag,
	})
	if err != nil {
		// Validation failures never reached the warehouse; they say nothing
		// about the account's health.
		if faults.KindOf(err) != faults.KindValidation {
			w.vault.RecordFailure(lease.Account, string(faults.KindOf(err)))
			w.breakers.RecordFailure(lease.Account)
			if faults.KindOf(err) == faults.KindTimeout {
				// The connection may still be mid-query; don't reuse it.
				lease.MarkUnhealthy()
			}
			w.log.Warn("warehouse call failed",
				"template", name, "account", lease.Account, "tag", tag, "error", err)
		}
		lease.Release()
		return nil, err
	}

	w.vault.RecordSuccess(lease.Account)
	w.breakers.RecordSuccess(lease.Account)
	lease.Release()
	return res, nil
}
