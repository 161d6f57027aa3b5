// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package warehouse defines the outgoing warehouse boundary.
//
// The middleware talks to the warehouse exclusively through the Conn
// interface. The production implementation dials Snowflake via
// database/sql + gosnowflake; tests substitute a fake dialer. The interface
// is deliberately narrow: execute one parameterized statement under a
// deadline with a session correlation tag, probe health, close.
package warehouse

import (
	"context"
	"errors"
	"time"
)

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("warehouse: connection is closed")

// Params carries everything needed to open one warehouse session.
//
// Secret is the account password or token. It is passed by value at dial
// time only; long-term storage of secrets is the credential vault's job
// (which keeps them in locked memory).
type Params struct {
	Account   string
	Username  string
	Secret    string
	Warehouse string
	Database  string
	Schema    string
	Role      string

	// ConnectTimeout bounds the dial itself.
	ConnectTimeout time.Duration
}

// Result is the outcome of one statement execution.
type Result struct {
	// Columns holds result column names in select order.
	Columns []string `json:"columns,omitempty"`

	// Rows holds result rows keyed by column name.
	Rows []map[string]any `json:"rows,omitempty"`

	// RowsAffected is set for DML statements.
	RowsAffected int64 `json:"rows_affected,omitempty"`
}

// RowCount returns the number of result rows.
func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Conn is one warehouse session.
//
// A Conn is owned by exactly one pool and is never shared between accounts.
// Callers must not use a Conn concurrently; the pool hands each Conn to at
// most one caller at a time.
type Conn interface {
	// Exec runs one parameterized statement. The correlation tag is set on
	// the session before execution (QUERY_TAG for Snowflake). The sql text
	// must contain only `?` bind markers; binds are passed through verbatim.
	Exec(ctx context.Context, sql string, binds []any, tag string) (*Result, error)

	// Ping runs a trivial liveness probe.
	Ping(ctx context.Context) error

	// Close tears the session down. Safe to call twice.
	Close() error
}

// Dialer opens new warehouse sessions.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Conn, error)
}
