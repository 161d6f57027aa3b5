// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sf "github.com/snowflakedb/gosnowflake"
)

// SnowflakeDialer opens Snowflake sessions through database/sql.
//
// Each Dial opens a dedicated *sql.DB capped at one connection, so the
// middleware's own pool manager stays the single source of truth for
// connection counts and health; database/sql's internal pooling is disabled
// rather than duplicated.
type SnowflakeDialer struct{}

// NewSnowflakeDialer creates the production dialer.
func NewSnowflakeDialer() *SnowflakeDialer {
	return &SnowflakeDialer{}
}

// Dial opens one Snowflake session.
func (d *SnowflakeDialer) Dial(ctx context.Context, p Params) (Conn, error) {
	cfg := &sf.Config{
		Account:   p.Account,
		User:      p.Username,
		Password:  p.Secret,
		Warehouse: p.Warehouse,
		Database:  p.Database,
		Schema:    p.Schema,
		Role:      p.Role,
	}
	if p.ConnectTimeout > 0 {
		cfg.LoginTimeout = p.ConnectTimeout
	}

	dsn, err := sf.DSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("building snowflake DSN: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snowflake session: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	dialCtx := ctx
	if p.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(dialCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snowflake ping on dial: %w", err)
	}

	return &snowflakeConn{db: db}, nil
}

// snowflakeConn is one Snowflake session.
type snowflakeConn struct {
	mu     sync.Mutex
	db     *sql.DB
	tag    string // last session tag applied
	closed bool
}

// Exec sets the session QUERY_TAG when it changed, then runs the statement.
func (c *snowflakeConn) Exec(ctx context.Context, sqlText string, binds []any, tag string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}

	if tag != "" && tag != c.tag {
		// QUERY_TAG takes a literal; the tag is machine-generated
		// (cdesk_<16 hex>) so no caller data can reach this statement.
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER SESSION SET QUERY_TAG = '%s'", tag)); err != nil {
			return nil, fmt.Errorf("setting query tag: %w", err)
		}
		c.tag = tag
	}

	rows, err := c.db.QueryContext(ctx, sqlText, binds...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	result := &Result{Columns: cols}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Ping probes session liveness.
func (c *snowflakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.db.PingContext(ctx)
}

// Close tears the session down.
func (c *snowflakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// normalizeValue converts driver types to JSON-friendly values.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
