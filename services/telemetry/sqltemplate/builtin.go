// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sqltemplate

import (
	"fmt"
	"strings"
	"time"

	"github.com/cdeskhq/cdesk-telemetry/pkg/validation"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
)

// Built-in template names. These are the only statements the middleware is
// permitted to send.
const (
	TplAppendEvent             = "append_event"
	TplAppendInsight           = "append_insight"
	TplReadContext             = "read_context"
	TplWriteContext            = "write_context"
	TplReadRecentActivities    = "read_recent_activities"
	TplAggregateActivityCounts = "aggregate_activity_counts"
	TplHealthProbe             = "health_probe"
	TplRecordIngestID          = "record_ingest_id"
	TplCheckIngestID           = "check_ingest_id"
	TplInsightsByCustomer      = "read_insights_by_customer"
	TplInsightsBySubject       = "read_insights_by_subject"
	TplInsightsBySubjectMetric = "read_insights_by_subject_metric"
	TplAppendProvenance        = "append_provenance"
	TplReadProvenance          = "read_provenance"
)

// TableNames configures the concrete warehouse object names. The source
// deployments disagree on naming (an "analytics/activity" shape vs a
// "logs/activities" shape), so the names are configuration, not constants.
type TableNames struct {
	Events     string `yaml:"events"`
	Context    string `yaml:"context"`
	Insights   string `yaml:"insights"`
	IngestIDs  string `yaml:"ingest_ids"`
	Provenance string `yaml:"provenance"`
}

// DefaultTableNames returns the activity-schema shape.
func DefaultTableNames() TableNames {
	return TableNames{
		Events:     "events",
		Context:    "customer_context",
		Insights:   "insights",
		IngestIDs:  "ingest_ids",
		Provenance: "provenance",
	}
}

// OrDefaults fills empty fields from DefaultTableNames.
func (t TableNames) OrDefaults() TableNames {
	def := DefaultTableNames()
	if t.Events == "" {
		t.Events = def.Events
	}
	if t.Context == "" {
		t.Context = def.Context
	}
	if t.Insights == "" {
		t.Insights = def.Insights
	}
	if t.IngestIDs == "" {
		t.IngestIDs = def.IngestIDs
	}
	if t.Provenance == "" {
		t.Provenance = def.Provenance
	}
	return t
}

// Validate rejects table names that are not plain identifiers, for callers
// checking configuration before building a registry.
func (t TableNames) Validate() error { return t.validate() }

// validate rejects table names that are not plain identifiers. Table names
// are the one thing interpolated into template text, so they go through the
// same identifier gate as bind values, at configuration time.
func (t TableNames) validate() error {
	for field, name := range map[string]string{
		"events": t.Events, "context": t.Context, "insights": t.Insights,
		"ingest_ids": t.IngestIDs, "provenance": t.Provenance,
	} {
		if err := validation.Identifier(name); err != nil {
			return faults.Config("table name %s: %v", field, err)
		}
		if strings.ContainsAny(name, ".:@-") {
			return faults.Config("table name %s: %q must be a bare identifier", field, name)
		}
	}
	return nil
}

// NewBuiltinRegistry creates a registry holding the full built-in template
// set, wired to the configured table names.
//
// Returns a ConfigError fault if a table name is malformed or any template
// fails the registration lint. This is the registry-wide validation run at
// process start.
func NewBuiltinRegistry(tables TableNames) (*Registry, error) {
	if err := tables.validate(); err != nil {
		return nil, err
	}

	r := NewRegistry()
	for _, t := range builtinTemplates(tables) {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func builtinTemplates(tb TableNames) []*Template {
	return []*Template{
		{
			Name: TplAppendEvent,
			SQL: fmt.Sprintf(
				"INSERT INTO %s (activity_id, activity, customer, ts, activity_occurrence, activity_repeated_at, link, revenue_impact, _feature_json, _source_system, _source_version, _session_id, _query_tag) "+
					"SELECT ?, ?, ?, ?, ?, ?, ?, ?, PARSE_JSON(?), ?, ?, ?, ?",
				tb.Events),
			Arity:    13,
			Validate: validateAppendEvent,
		},
		{
			Name: TplAppendInsight,
			SQL: fmt.Sprintf(
				"INSERT INTO %s (insight_id, customer, subject, metric, value, provenance_hash, created_at) SELECT ?, ?, ?, ?, ?, ?, ?",
				tb.Insights),
			Arity:    7,
			Validate: validateAppendInsight,
		},
		{
			Name:     TplReadContext,
			SQL:      fmt.Sprintf("SELECT context_doc, updated_at FROM %s WHERE customer = ?", tb.Context),
			Arity:    1,
			Validate: arity1Identifier("customerKey"),
		},
		{
			Name: TplWriteContext,
			SQL: fmt.Sprintf(
				"MERGE INTO %s t USING (SELECT ? AS customer, ? AS context_doc) s ON t.customer = s.customer "+
					"WHEN MATCHED THEN UPDATE SET context_doc = s.context_doc, updated_at = CURRENT_TIMESTAMP() "+
					"WHEN NOT MATCHED THEN INSERT (customer, context_doc, updated_at) VALUES (s.customer, s.context_doc, CURRENT_TIMESTAMP())",
				tb.Context),
			Arity:    2,
			Validate: validateWriteContext,
		},
		{
			Name:     TplReadRecentActivities,
			SQL:      fmt.Sprintf("SELECT activity, ts, link, _query_tag FROM %s WHERE customer = ? ORDER BY ts DESC LIMIT ?", tb.Events),
			Arity:    2,
			Validate: identifierThenLimit("customerKey"),
		},
		{
			Name:     TplAggregateActivityCounts,
			SQL:      fmt.Sprintf("SELECT activity, COUNT(1) AS occurrences FROM %s WHERE customer = ? AND ts >= ? GROUP BY activity", tb.Events),
			Arity:    2,
			Validate: validateAggregateCounts,
		},
		{
			Name:     TplHealthProbe,
			SQL:      "SELECT 1",
			Arity:    0,
			Nullary:  true,
			Validate: validateNullary,
		},
		{
			Name: TplRecordIngestID,
			SQL: fmt.Sprintf(
				"INSERT INTO %s (ingest_id, recorded_at) SELECT ?, CURRENT_TIMESTAMP() WHERE NOT EXISTS (SELECT 1 FROM %s WHERE ingest_id = ?)",
				tb.IngestIDs, tb.IngestIDs),
			Arity:    2,
			Validate: validateRecordIngestID,
		},
		{
			Name:     TplCheckIngestID,
			SQL:      fmt.Sprintf("SELECT COUNT(1) AS seen FROM %s WHERE ingest_id = ?", tb.IngestIDs),
			Arity:    1,
			Validate: arity1Hex16("ingestId"),
		},
		{
			Name:     TplInsightsByCustomer,
			SQL:      fmt.Sprintf("SELECT insight_id, customer, subject, metric, value, provenance_hash, created_at FROM %s WHERE customer = ? ORDER BY created_at DESC LIMIT ?", tb.Insights),
			Arity:    2,
			Validate: identifierThenLimit("customerKey"),
		},
		{
			Name:     TplInsightsBySubject,
			SQL:      fmt.Sprintf("SELECT insight_id, customer, subject, metric, value, provenance_hash, created_at FROM %s WHERE subject = ? ORDER BY created_at DESC LIMIT ?", tb.Insights),
			Arity:    2,
			Validate: identifierThenLimit("subject"),
		},
		{
			Name:     TplInsightsBySubjectMetric,
			SQL:      fmt.Sprintf("SELECT insight_id, customer, subject, metric, value, provenance_hash, created_at FROM %s WHERE subject = ? AND metric = ? ORDER BY created_at DESC LIMIT ?", tb.Insights),
			Arity:    3,
			Validate: validateSubjectMetricLimit,
		},
		{
			Name: TplAppendProvenance,
			SQL: fmt.Sprintf(
				"INSERT INTO %s (provenance_hash, query_tag, template_name, recorded_at) SELECT ?, ?, ?, CURRENT_TIMESTAMP()",
				tb.Provenance),
			Arity:    3,
			Validate: validateAppendProvenance,
		},
		{
			Name:     TplReadProvenance,
			SQL:      fmt.Sprintf("SELECT provenance_hash, query_tag, template_name, recorded_at FROM %s WHERE provenance_hash = ?", tb.Provenance),
			Arity:    1,
			Validate: arity1Hex16("provenanceHash"),
		},
	}
}

// =============================================================================
// Validators
// =============================================================================

// arityCheck rejects a parameter vector of the wrong length.
func arityCheck(params []any, want int) error {
	if len(params) != want {
		return faults.Validation("params", "expected %d parameters, got %d", want, len(params))
	}
	return nil
}

// asString coerces a parameter expected to be a string.
func asString(params []any, i int, name string) (string, error) {
	s, ok := params[i].(string)
	if !ok {
		return "", faults.Validation(name, "expected string, got %T", params[i])
	}
	return s, nil
}

// identParam validates and trims an identifier-like parameter.
func identParam(params []any, i int, name string) (string, error) {
	s, err := asString(params, i, name)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if err := validation.Identifier(s); err != nil {
		return "", faults.Validation(name, "%v", err)
	}
	return s, nil
}

// timeParam normalizes a timestamp parameter to UTC RFC3339Nano.
// Accepts time.Time or an RFC3339 string.
func timeParam(params []any, i int, name string) (string, error) {
	switch v := params[i].(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			if t, err = time.Parse(time.RFC3339, v); err != nil {
				return "", faults.Validation(name, "%q is not an RFC3339 timestamp", v)
			}
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	default:
		return "", faults.Validation(name, "expected timestamp, got %T", params[i])
	}
}

// numberParam coerces a finite numeric parameter.
func numberParam(params []any, i int, name string) (float64, error) {
	var f float64
	switch v := params[i].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return 0, faults.Validation(name, "expected number, got %T", params[i])
	}
	if err := validation.FiniteNumber(f); err != nil {
		return 0, faults.Validation(name, "%v", err)
	}
	return f, nil
}

// limitParam bounds a row-limit parameter to [1, 10000].
func limitParam(params []any, i int, name string) (int, error) {
	var n int
	switch v := params[i].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	default:
		return 0, faults.Validation(name, "expected integer, got %T", params[i])
	}
	if n < 1 || n > 10000 {
		return 0, faults.Validation(name, "limit %d outside [1, 10000]", n)
	}
	return n, nil
}

func validateNullary(params []any) ([]any, error) {
	if err := arityCheck(params, 0); err != nil {
		return nil, err
	}
	return []any{}, nil
}

func arity1Identifier(name string) Validator {
	return func(params []any) ([]any, error) {
		if err := arityCheck(params, 1); err != nil {
			return nil, err
		}
		s, err := identParam(params, 0, name)
		if err != nil {
			return nil, err
		}
		return []any{s}, nil
	}
}

func arity1Hex16(name string) Validator {
	return func(params []any) ([]any, error) {
		if err := arityCheck(params, 1); err != nil {
			return nil, err
		}
		s, err := asString(params, 0, name)
		if err != nil {
			return nil, err
		}
		if err := validation.Hex16(s); err != nil {
			return nil, faults.Validation(name, "%v", err)
		}
		return []any{s}, nil
	}
}

func identifierThenLimit(name string) Validator {
	return func(params []any) ([]any, error) {
		if err := arityCheck(params, 2); err != nil {
			return nil, err
		}
		s, err := identParam(params, 0, name)
		if err != nil {
			return nil, err
		}
		n, err := limitParam(params, 1, "limit")
		if err != nil {
			return nil, err
		}
		return []any{s, n}, nil
	}
}

// validateAppendEvent checks the 13-element append_event vector:
// [id, activity, customer, ts, occurrence, repeatedAt?, link?, revenue?,
// metadata, sourceSystem, sourceVersion, sessionId, queryTag].
func validateAppendEvent(params []any) ([]any, error) {
	if err := arityCheck(params, 13); err != nil {
		return nil, err
	}

	id, err := asString(params, 0, "eventId")
	if err != nil {
		return nil, err
	}
	if err := validation.UUID(id); err != nil {
		return nil, faults.Validation("eventId", "%v", err)
	}

	activity, err := asString(params, 1, "activity")
	if err != nil {
		return nil, err
	}
	if err := validation.ActivityName(activity); err != nil {
		return nil, faults.Validation("activity", "%v", err)
	}

	customer, err := identParam(params, 2, "customer")
	if err != nil {
		return nil, err
	}

	ts, err := timeParam(params, 3, "ts")
	if err != nil {
		return nil, err
	}

	occurrence, err := limitOccurrence(params[4])
	if err != nil {
		return nil, err
	}

	var repeatedAt any
	if params[5] != nil {
		s, err := timeParam(params, 5, "previousOccurrenceTs")
		if err != nil {
			return nil, err
		}
		repeatedAt = s
	}

	var link any
	if params[6] != nil {
		s, err := asString(params, 6, "link")
		if err != nil {
			return nil, err
		}
		if err := validation.Link(s); err != nil {
			return nil, faults.Validation("link", "%v", err)
		}
		link = s
	}

	var revenue any
	if params[7] != nil {
		f, err := numberParam(params, 7, "revenueImpact")
		if err != nil {
			return nil, err
		}
		revenue = f
	}

	metadata, err := asString(params, 8, "metadata")
	if err != nil {
		return nil, err
	}
	if err := validation.Document(metadata); err != nil {
		return nil, faults.Validation("metadata", "%v", err)
	}

	sourceSystem, err := identParam(params, 9, "sourceSystem")
	if err != nil {
		return nil, err
	}
	sourceVersion, err := identParam(params, 10, "sourceVersion")
	if err != nil {
		return nil, err
	}
	sessionID, err := identParam(params, 11, "sessionId")
	if err != nil {
		return nil, err
	}

	tag, err := asString(params, 12, "queryTag")
	if err != nil {
		return nil, err
	}
	if err := validation.Identifier(tag); err != nil {
		return nil, faults.Validation("queryTag", "%v", err)
	}

	return []any{id, activity, customer, ts, occurrence, repeatedAt, link, revenue, metadata, sourceSystem, sourceVersion, sessionID, tag}, nil
}

func limitOccurrence(v any) (int, error) {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	default:
		return 0, faults.Validation("occurrence", "expected integer, got %T", v)
	}
	if n < 1 {
		return 0, faults.Validation("occurrence", "must be >= 1, got %d", n)
	}
	return n, nil
}

// validateAppendInsight checks [id, customer, subject, metric, value,
// provenanceHash, createdAt].
func validateAppendInsight(params []any) ([]any, error) {
	if err := arityCheck(params, 7); err != nil {
		return nil, err
	}
	id, err := asString(params, 0, "insightId")
	if err != nil {
		return nil, err
	}
	if err := validation.UUID(id); err != nil {
		return nil, faults.Validation("insightId", "%v", err)
	}
	customer, err := identParam(params, 1, "customer")
	if err != nil {
		return nil, err
	}
	subject, err := identParam(params, 2, "subject")
	if err != nil {
		return nil, err
	}
	metric, err := identParam(params, 3, "metric")
	if err != nil {
		return nil, err
	}
	value, err := numberParam(params, 4, "value")
	if err != nil {
		return nil, err
	}
	hash, err := asString(params, 5, "provenanceHash")
	if err != nil {
		return nil, err
	}
	if err := validation.Hex16(hash); err != nil {
		return nil, faults.Validation("provenanceHash", "%v", err)
	}
	ts, err := timeParam(params, 6, "createdAt")
	if err != nil {
		return nil, err
	}
	return []any{id, customer, subject, metric, value, hash, ts}, nil
}

func validateWriteContext(params []any) ([]any, error) {
	if err := arityCheck(params, 2); err != nil {
		return nil, err
	}
	customer, err := identParam(params, 0, "customerKey")
	if err != nil {
		return nil, err
	}
	doc, err := asString(params, 1, "contextDoc")
	if err != nil {
		return nil, err
	}
	if err := validation.Document(doc); err != nil {
		return nil, faults.Validation("contextDoc", "%v", err)
	}
	return []any{customer, doc}, nil
}

func validateAggregateCounts(params []any) ([]any, error) {
	if err := arityCheck(params, 2); err != nil {
		return nil, err
	}
	customer, err := identParam(params, 0, "customerKey")
	if err != nil {
		return nil, err
	}
	since, err := timeParam(params, 1, "since")
	if err != nil {
		return nil, err
	}
	return []any{customer, since}, nil
}

func validateRecordIngestID(params []any) ([]any, error) {
	if err := arityCheck(params, 2); err != nil {
		return nil, err
	}
	for i, name := range []string{"ingestId", "ingestId"} {
		s, err := asString(params, i, name)
		if err != nil {
			return nil, err
		}
		if err := validation.Hex16(s); err != nil {
			return nil, faults.Validation(name, "%v", err)
		}
	}
	// Both binds must carry the same id (insert guard and existence check).
	if params[0] != params[1] {
		return nil, faults.Validation("ingestId", "bind values must match")
	}
	return []any{params[0], params[1]}, nil
}

func validateSubjectMetricLimit(params []any) ([]any, error) {
	if err := arityCheck(params, 3); err != nil {
		return nil, err
	}
	subject, err := identParam(params, 0, "subject")
	if err != nil {
		return nil, err
	}
	metric, err := identParam(params, 1, "metric")
	if err != nil {
		return nil, err
	}
	n, err := limitParam(params, 2, "limit")
	if err != nil {
		return nil, err
	}
	return []any{subject, metric, n}, nil
}

func validateAppendProvenance(params []any) ([]any, error) {
	if err := arityCheck(params, 3); err != nil {
		return nil, err
	}
	hash, err := asString(params, 0, "provenanceHash")
	if err != nil {
		return nil, err
	}
	if err := validation.Hex16(hash); err != nil {
		return nil, faults.Validation("provenanceHash", "%v", err)
	}
	tag, err := asString(params, 1, "queryTag")
	if err != nil {
		return nil, err
	}
	if err := validation.Identifier(tag); err != nil {
		return nil, faults.Validation("queryTag", "%v", err)
	}
	tpl, err := identParam(params, 2, "templateName")
	if err != nil {
		return nil, err
	}
	return []any{hash, tag, tpl}, nil
}
