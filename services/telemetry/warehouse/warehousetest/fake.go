// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package warehousetest provides in-memory fakes for the warehouse boundary.
package warehousetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// ExecCall records one Exec invocation observed by a fake connection.
type ExecCall struct {
	SQL   string
	Binds []any
	Tag   string
	User  string
}

// FakeDialer fabricates FakeConns and records every dial.
//
// Per-user dial errors and per-call exec behavior are programmable, which is
// enough to script circuit-breaker and failover scenarios in tests.
type FakeDialer struct {
	mu        sync.Mutex
	dialErrs  map[string]error // username -> error to return on Dial
	execFn    func(call ExecCall) (*warehouse.Result, error)
	pingErrs  map[string]error // username -> error to return on Ping
	dialCount map[string]int
	conns     []*FakeConn
	calls     []ExecCall
}

// NewFakeDialer creates a dialer whose connections succeed with an empty
// result by default.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		dialErrs:  make(map[string]error),
		pingErrs:  make(map[string]error),
		dialCount: make(map[string]int),
	}
}

// FailDial makes dials for username fail with err (nil clears).
func (d *FakeDialer) FailDial(username string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.dialErrs, username)
		return
	}
	d.dialErrs[username] = err
}

// FailPing makes health probes on username's connections fail (nil clears).
func (d *FakeDialer) FailPing(username string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.pingErrs, username)
		return
	}
	d.pingErrs[username] = err
}

// OnExec installs the exec handler shared by all fake connections.
func (d *FakeDialer) OnExec(fn func(call ExecCall) (*warehouse.Result, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execFn = fn
}

// Dial opens a fake connection, honoring any programmed dial failure.
func (d *FakeDialer) Dial(_ context.Context, p warehouse.Params) (warehouse.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount[p.Username]++
	if err := d.dialErrs[p.Username]; err != nil {
		return nil, err
	}
	conn := &FakeConn{dialer: d, user: p.Username}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// DialCount returns how many dials were attempted for username.
func (d *FakeDialer) DialCount(username string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount[username]
}

// Calls returns a copy of all recorded Exec calls across connections.
func (d *FakeDialer) Calls() []ExecCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ExecCall, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *FakeDialer) record(call ExecCall) (*warehouse.Result, error) {
	d.mu.Lock()
	fn := d.execFn
	d.calls = append(d.calls, call)
	d.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return &warehouse.Result{}, nil
}

// FakeConn is an in-memory warehouse connection.
type FakeConn struct {
	dialer *FakeDialer
	user   string
	closed atomic.Bool
}

// Exec records the call and delegates to the dialer's exec handler.
func (c *FakeConn) Exec(ctx context.Context, sql string, binds []any, tag string) (*warehouse.Result, error) {
	if c.closed.Load() {
		return nil, warehouse.ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.dialer.record(ExecCall{SQL: sql, Binds: binds, Tag: tag, User: c.user})
}

// Ping honors any programmed ping failure for the connection's user.
func (c *FakeConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return warehouse.ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	return c.dialer.pingErrs[c.user]
}

// Close marks the connection closed.
func (c *FakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool { return c.closed.Load() }

// User returns the username the connection was dialed for.
func (c *FakeConn) User() string { return c.user }
