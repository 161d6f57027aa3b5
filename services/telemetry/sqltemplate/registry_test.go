// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqltemplate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse/warehousetest"
)

func passthrough(params []any) ([]any, error) { return params, nil }

func TestRegisterLint(t *testing.T) {
	cases := []struct {
		name string
		tpl  *Template
		ok   bool
	}{
		{"valid", &Template{Name: "t1", SQL: "SELECT x FROM y WHERE k = ?", Arity: 1, Validate: passthrough}, true},
		{"nullary", &Template{Name: "t2", SQL: "SELECT 1", Nullary: true, Validate: passthrough}, true},
		{"no binds not nullary", &Template{Name: "t3", SQL: "SELECT 1", Validate: passthrough}, false},
		{"nil validator", &Template{Name: "t4", SQL: "SELECT ?", Arity: 1}, false},
		{"statement stacking", &Template{Name: "t5", SQL: "SELECT ?; DROP TABLE x", Arity: 1, Validate: passthrough}, false},
		{"interpolation marker", &Template{Name: "t6", SQL: "SELECT '${k}' WHERE a = ?", Arity: 1, Validate: passthrough}, false},
		{"concatenation marker", &Template{Name: "t7", SQL: "SELECT a || b WHERE k = ?", Arity: 1, Validate: passthrough}, false},
		{"arity mismatch", &Template{Name: "t8", SQL: "SELECT ? WHERE ? = ?", Arity: 2, Validate: passthrough}, false},
		{"empty sql", &Template{Name: "t9", SQL: "  ", Arity: 0, Validate: passthrough}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tc.tpl)
			if tc.ok && err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("Register accepted invalid template")
				}
				if faults.KindOf(err) != faults.KindConfig {
					t.Errorf("kind = %v, want ConfigError", faults.KindOf(err))
				}
			}
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		r := NewRegistry()
		tpl := &Template{Name: "dup", SQL: "SELECT ?", Arity: 1, Validate: passthrough}
		require.NoError(t, r.Register(tpl))
		require.Error(t, r.Register(tpl))
	})
}

func TestBuiltinRegistry(t *testing.T) {
	r, err := NewBuiltinRegistry(DefaultTableNames())
	require.NoError(t, err)

	t.Run("list round-trips the registered set", func(t *testing.T) {
		names := r.List()
		want := []string{
			TplAggregateActivityCounts, TplAppendEvent, TplAppendInsight,
			TplAppendProvenance, TplCheckIngestID, TplHealthProbe,
			TplInsightsByCustomer, TplInsightsBySubject, TplInsightsBySubjectMetric,
			TplReadContext, TplReadProvenance, TplReadRecentActivities,
			TplRecordIngestID, TplWriteContext,
		}
		require.ElementsMatch(t, want, names)
		for _, name := range names {
			tpl := r.Get(name)
			require.NotNil(t, tpl, name)
			require.Equal(t, name, tpl.Name)
			require.NotEmpty(t, tpl.SQL)
		}
	})

	t.Run("rejects malformed table names", func(t *testing.T) {
		bad := DefaultTableNames()
		bad.Events = "events; drop table x"
		if _, err := NewBuiltinRegistry(bad); err == nil {
			t.Fatal("malformed table name accepted")
		}
	})
}

func TestExecute(t *testing.T) {
	r, err := NewBuiltinRegistry(DefaultTableNames())
	require.NoError(t, err)
	dialer := warehousetest.NewFakeDialer()

	newConn := func(t *testing.T) warehouse.Conn {
		conn, err := dialer.Dial(context.Background(), warehouse.Params{Username: "svc"})
		require.NoError(t, err)
		return conn
	}

	t.Run("validator runs before the warehouse sees anything", func(t *testing.T) {
		conn := newConn(t)
		before := len(dialer.Calls())
		_, err := r.Execute(context.Background(), conn, TplReadContext,
			[]any{"'; DROP TABLE X; --"}, ExecOptions{Tag: "cdesk_0123456789abcdef"})
		require.Error(t, err)
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
		require.Len(t, dialer.Calls(), before, "no warehouse call expected")
	})

	t.Run("validated binds pass through verbatim", func(t *testing.T) {
		conn := newConn(t)
		_, err := r.Execute(context.Background(), conn, TplReadContext,
			[]any{" customer_0001 "}, ExecOptions{Tag: "cdesk_0123456789abcdef"})
		require.NoError(t, err)
		calls := dialer.Calls()
		last := calls[len(calls)-1]
		require.Equal(t, []any{"customer_0001"}, last.Binds)
		require.Equal(t, "cdesk_0123456789abcdef", last.Tag)
		require.NotContains(t, last.SQL, "customer_0001", "binds must never appear in SQL text")
	})

	t.Run("unknown template", func(t *testing.T) {
		conn := newConn(t)
		_, err := r.Execute(context.Background(), conn, "nope", nil, ExecOptions{})
		require.Equal(t, faults.KindValidation, faults.KindOf(err))
	})

	t.Run("deadline maps to TimeoutError", func(t *testing.T) {
		slow := warehousetest.NewFakeDialer()
		slow.OnExec(func(warehousetest.ExecCall) (*warehouse.Result, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, context.DeadlineExceeded
		})
		conn, err := slow.Dial(context.Background(), warehouse.Params{Username: "svc"})
		require.NoError(t, err)
		_, err = r.Execute(context.Background(), conn, TplHealthProbe, nil,
			ExecOptions{Deadline: 5 * time.Millisecond})
		require.Error(t, err)
		require.Equal(t, faults.KindTimeout, faults.KindOf(err))
		require.True(t, faults.IsRetryable(err))
	})
}

func TestValidatorIdempotence(t *testing.T) {
	r, err := NewBuiltinRegistry(DefaultTableNames())
	require.NoError(t, err)

	now := time.Now().UTC()
	inputs := map[string][]any{
		TplAppendEvent: {
			uuid.NewString(), "cdesk.user_asked", " customer_1 ", now, 1, nil,
			"https://example.com/x", 12.5, `{"q":"hi"}`, "cdesk", "1.0.0", "sess_1",
			"cdesk_0123456789abcdef",
		},
		TplAppendInsight: {
			uuid.NewString(), "customer_1", "churn", "risk_score", 0.42,
			"0123456789abcdef", now,
		},
		TplWriteContext:            {"customer_1", `{"tier":"gold"}`},
		TplReadRecentActivities:    {"customer_1", 50},
		TplAggregateActivityCounts: {"customer_1", now},
		TplRecordIngestID:          {"0123456789abcdef", "0123456789abcdef"},
		TplAppendProvenance:        {"0123456789abcdef", "cdesk_0123456789abcdef", TplAppendInsight},
	}

	for name, params := range inputs {
		t.Run(name, func(t *testing.T) {
			tpl := r.Get(name)
			require.NotNil(t, tpl)
			once, err := tpl.Validate(params)
			require.NoError(t, err)
			twice, err := tpl.Validate(once)
			require.NoError(t, err)
			require.Equal(t, once, twice, "V(V(p)) must equal V(p)")
		})
	}
}

func TestValidationErrorNamesParam(t *testing.T) {
	r, err := NewBuiltinRegistry(DefaultTableNames())
	require.NoError(t, err)
	tpl := r.Get(TplAppendInsight)

	_, err = tpl.Validate([]any{
		uuid.NewString(), "customer_1", "churn", "risk_score", 0.42,
		"NOT-HEX", time.Now(),
	})
	require.Error(t, err)
	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	require.Equal(t, "provenanceHash", f.Param)
	require.True(t, strings.Contains(f.Message, "hex"))
}
