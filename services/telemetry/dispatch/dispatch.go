// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatch is the tool boundary of the telemetry middleware.
//
// Four tools are exposed: log_event, get_context, submit_query, and
// log_insight. Every call runs the same envelope: schema validation,
// correlation-tag allocation, execution, a latency sample, and a normalized
// response. Validation failures surface as ValidationError before any side
// effect happens.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/cdeskhq/cdesk-telemetry/pkg/validation"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/contextcache"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/eventlog"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/metrics"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/querytag"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/scheduler"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/sqltemplate"
)

// Tool names. The set is fixed; metrics labels come from it.
const (
	ToolLogEvent    = "log_event"
	ToolGetContext  = "get_context"
	ToolSubmitQuery = "submit_query"
	ToolLogInsight  = "log_insight"
)

// DefaultBudgets are the per-tool latency budgets. Exceeding one logs a
// warning; it never fails the call.
func DefaultBudgets() map[string]time.Duration {
	return map[string]time.Duration{
		ToolLogEvent:    10 * time.Millisecond,
		ToolGetContext:  25 * time.Millisecond,
		ToolSubmitQuery: 50 * time.Millisecond,
		ToolLogInsight:  10 * time.Millisecond,
	}
}

// Config tunes the dispatcher.
type Config struct {
	// Budgets maps tool name to latency budget.
	Budgets map[string]time.Duration

	// DefaultCustomer attributes events that arrive without a customer key.
	DefaultCustomer string

	// SessionID, Source, and SourceVersion enrich every logged event.
	SessionID     string
	Source        string
	SourceVersion string

	Logger *slog.Logger
}

// LogEventRequest is the log_event payload. Occurrence bookkeeping comes
// from the caller; the desktop client already deduplicates activities, so
// the middleware records the numbers rather than recomputing them.
type LogEventRequest struct {
	Activity             string          `json:"activity" validate:"required,max=255"`
	Customer             string          `json:"customer,omitempty" validate:"omitempty,max=255"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	Link                 string          `json:"link,omitempty" validate:"omitempty,max=2048"`
	Occurrence           int             `json:"occurrence,omitempty" validate:"omitempty,gte=1"`
	PreviousOccurrenceTS *time.Time      `json:"previousOccurrenceTs,omitempty"`
}

// LogEventResponse is the log_event reply.
type LogEventResponse struct {
	OK      bool   `json:"ok"`
	EventID string `json:"eventId"`
	Tag     string `json:"tag"`
}

// GetContextRequest is the get_context payload.
type GetContextRequest struct {
	CustomerKey string `json:"customerKey" validate:"required,max=255"`
	MaxBytes    int    `json:"maxBytes,omitempty" validate:"omitempty,gt=0"`
}

// GetContextResponse is the get_context reply.
type GetContextResponse struct {
	Found         bool   `json:"found"`
	Customer      string `json:"customer"`
	Document      string `json:"document,omitempty"`
	Source        string `json:"source,omitempty"` // "cache" or "warehouse"
	Truncated     bool   `json:"truncated,omitempty"`
	OriginalBytes int    `json:"originalBytes,omitempty"`
}

// SubmitQueryRequest is the submit_query payload.
type SubmitQueryRequest struct {
	TemplateName string `json:"templateName" validate:"required,max=255"`
	Params       []any  `json:"params,omitempty"`
	ByteCap      int    `json:"byteCap,omitempty" validate:"omitempty,gt=0"`
}

// SubmitQueryResponse is the submit_query reply.
type SubmitQueryResponse struct {
	TicketID string `json:"ticketId"`
	State    string `json:"state"`
}

// LogInsightRequest is the log_insight payload.
type LogInsightRequest struct {
	Subject        string  `json:"subject" validate:"required,max=255"`
	Metric         string  `json:"metric" validate:"required,max=255"`
	Value          float64 `json:"value"`
	ProvenanceHash string  `json:"provenanceHash" validate:"required"`
}

// Dispatcher routes tool calls into the core components.
//
// # Thread Safety
//
// Safe for concurrent use; tool calls may run in parallel up to the
// transport's concurrency.
type Dispatcher struct {
	cfg      Config
	tags     *querytag.Generator
	events   *eventlog.Log
	cache    *contextcache.Cache
	sched    *scheduler.Scheduler
	conn     ConnectionLayer
	registry *sqltemplate.Registry
	metrics  *metrics.Collector
	validate *validator.Validate
	group    singleflight.Group
	log      *slog.Logger
}

// New wires the dispatcher.
func New(cfg Config, tags *querytag.Generator, events *eventlog.Log,
	cache *contextcache.Cache, sched *scheduler.Scheduler,
	conn ConnectionLayer, registry *sqltemplate.Registry,
	collector *metrics.Collector) *Dispatcher {
	if cfg.Budgets == nil {
		cfg.Budgets = DefaultBudgets()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		tags:     tags,
		events:   events,
		cache:    cache,
		sched:    sched,
		conn:     conn,
		registry: registry,
		metrics:  collector,
		validate: validator.New(),
		log:      cfg.Logger,
	}
}

// Call runs one tool invocation end to end and returns the tool's response.
func (d *Dispatcher) Call(ctx context.Context, tool string, payload []byte) (any, error) {
	start := time.Now()
	resp, err := d.route(ctx, tool, payload, start)
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.Observe(tool, elapsed, err != nil)
	}
	if budget, ok := d.cfg.Budgets[tool]; ok && elapsed > budget {
		d.log.Warn("tool budget exceeded",
			"tool", tool, "elapsed_ms", elapsed.Milliseconds(), "budget_ms", budget.Milliseconds())
	}
	return resp, err
}

func (d *Dispatcher) route(ctx context.Context, tool string, payload []byte, start time.Time) (any, error) {
	switch tool {
	case ToolLogEvent:
		var req LogEventRequest
		if err := d.decode(payload, &req); err != nil {
			return nil, err
		}
		return d.logEvent(ctx, &req)
	case ToolGetContext:
		var req GetContextRequest
		if err := d.decode(payload, &req); err != nil {
			return nil, err
		}
		return d.getContext(ctx, &req, start)
	case ToolSubmitQuery:
		var req SubmitQueryRequest
		if err := d.decode(payload, &req); err != nil {
			return nil, err
		}
		return d.submitQuery(ctx, &req)
	case ToolLogInsight:
		var req LogInsightRequest
		if err := d.decode(payload, &req); err != nil {
			return nil, err
		}
		return d.logInsight(ctx, &req)
	default:
		return nil, faults.Validation("tool", "unknown tool %q", tool)
	}
}

// decode unmarshals and schema-validates a request struct.
func (d *Dispatcher) decode(payload []byte, req any) error {
	if err := json.Unmarshal(payload, req); err != nil {
		return faults.Validation("payload", "malformed request: %v", err)
	}
	if err := d.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return faults.Validation(strings.ToLower(fe.Field()),
				"field %s fails constraint %q", fe.Field(), fe.Tag())
		}
		return faults.Validation("payload", "%v", err)
	}
	return nil
}

func (d *Dispatcher) logEvent(_ context.Context, req *LogEventRequest) (*LogEventResponse, error) {
	activity, err := validation.NormalizeActivity(req.Activity)
	if err != nil {
		return nil, faults.Validation("activity", "%v", err)
	}
	customer := req.Customer
	if customer == "" {
		customer = d.cfg.DefaultCustomer
	}
	if err := validation.Identifier(customer); err != nil {
		return nil, faults.Validation("customer", "%v", err)
	}
	if len(req.Metadata) > 0 {
		if err := validation.Document(string(req.Metadata)); err != nil {
			return nil, faults.Validation("metadata", "%v", err)
		}
	}
	if req.Link != "" {
		if err := validation.Link(req.Link); err != nil {
			return nil, faults.Validation("link", "%v", err)
		}
	}

	tag := d.tags.Next()
	id, err := d.events.Append(&eventlog.Event{
		Activity:             activity,
		Customer:             customer,
		Tag:                  tag,
		Link:                 req.Link,
		Metadata:             req.Metadata,
		SessionID:            d.cfg.SessionID,
		Source:               d.cfg.Source,
		SourceVersion:        d.cfg.SourceVersion,
		Occurrence:           req.Occurrence,
		PreviousOccurrenceTS: req.PreviousOccurrenceTS,
	})
	if err != nil {
		return nil, err
	}
	return &LogEventResponse{OK: true, EventID: id, Tag: tag}, nil
}

// contextFetch is the singleflight result for one customer key.
type contextFetch struct {
	doc   string
	found bool
}

func (d *Dispatcher) getContext(ctx context.Context, req *GetContextRequest, start time.Time) (*GetContextResponse, error) {
	if err := validation.Identifier(req.CustomerKey); err != nil {
		return nil, faults.Validation("customerKey", "%v", err)
	}

	if entry, ok := d.cache.Get(req.CustomerKey); ok {
		return buildContextResponse(req.CustomerKey, string(entry.Document), "cache", req.MaxBytes), nil
	}

	// Concurrent misses for the same key share one warehouse read.
	v, err, _ := d.group.Do(req.CustomerKey, func() (any, error) {
		budget := d.cfg.Budgets[ToolGetContext]
		remaining := budget - time.Since(start)
		if remaining <= 0 {
			return nil, faults.New(faults.KindTimeout, "get_context budget exhausted before warehouse read")
		}
		fetchCtx, cancel := context.WithTimeout(ctx, remaining)
		defer cancel()

		res, err := d.conn.ExecuteTemplate(fetchCtx, sqltemplate.TplReadContext, []any{req.CustomerKey})
		if err != nil {
			return nil, err
		}
		if len(res.Rows) == 0 {
			return contextFetch{}, nil
		}
		doc, _ := res.Rows[0]["context_doc"].(string)
		// A failed fetch never writes the cache; this one succeeded.
		d.cache.Set(req.CustomerKey, contextcache.Entry{
			Customer:  req.CustomerKey,
			Document:  json.RawMessage(doc),
			FetchedAt: time.Now(),
		})
		return contextFetch{doc: doc, found: true}, nil
	})
	if err != nil {
		return nil, err
	}
	fetch := v.(contextFetch)
	if !fetch.found {
		return &GetContextResponse{Found: false, Customer: req.CustomerKey}, nil
	}
	return buildContextResponse(req.CustomerKey, fetch.doc, "warehouse", req.MaxBytes), nil
}

// buildContextResponse applies the byte cap with a truncation marker.
func buildContextResponse(customer, doc, source string, maxBytes int) *GetContextResponse {
	resp := &GetContextResponse{
		Found:    true,
		Customer: customer,
		Document: doc,
		Source:   source,
	}
	if maxBytes > 0 && len(doc) > maxBytes {
		resp.Document = doc[:maxBytes]
		resp.Truncated = true
		resp.OriginalBytes = len(doc)
	}
	return resp
}

func (d *Dispatcher) submitQuery(_ context.Context, req *SubmitQueryRequest) (*SubmitQueryResponse, error) {
	if d.registry.Get(req.TemplateName) == nil {
		return nil, faults.Validation("templateName", "unknown template %q", req.TemplateName)
	}
	id := d.sched.Create(req.TemplateName, req.Params, req.ByteCap)
	return &SubmitQueryResponse{TicketID: id, State: string(scheduler.Pending)}, nil
}

func (d *Dispatcher) logInsight(_ context.Context, req *LogInsightRequest) (*LogEventResponse, error) {
	if err := validation.Hex16(req.ProvenanceHash); err != nil {
		return nil, faults.Validation("provenanceHash", "%v", err)
	}
	if err := validation.Identifier(req.Subject); err != nil {
		return nil, faults.Validation("subject", "%v", err)
	}
	if err := validation.Identifier(req.Metric); err != nil {
		return nil, faults.Validation("metric", "%v", err)
	}
	if err := validation.FiniteNumber(req.Value); err != nil {
		return nil, faults.Validation("value", "%v", err)
	}
	// Insights attribute to the configured customer; deployments that run
	// without one fall back to the subject, which is already an identifier.
	customer := d.cfg.DefaultCustomer
	if customer == "" {
		customer = req.Subject
	}
	if err := validation.Identifier(customer); err != nil {
		return nil, faults.Validation("customer", "%v", err)
	}

	payload, err := json.Marshal(map[string]any{
		"subject":         req.Subject,
		"metric":          req.Metric,
		"value":           req.Value,
		"provenance_hash": req.ProvenanceHash,
	})
	if err != nil {
		return nil, faults.Validation("payload", "insight not serializable: %v", err)
	}

	tag := d.tags.Next()
	id, err := d.events.Append(&eventlog.Event{
		Activity:      "cdesk.insight_recorded",
		Customer:      customer,
		Tag:           tag,
		Metadata:      payload,
		SessionID:     d.cfg.SessionID,
		Source:        d.cfg.Source,
		SourceVersion: d.cfg.SourceVersion,
	})
	if err != nil {
		return nil, err
	}
	return &LogEventResponse{OK: true, EventID: id, Tag: tag}, nil
}

// Ticket proxies scheduler.Status for the transport layer.
func (d *Dispatcher) Ticket(id string) (scheduler.Ticket, bool) {
	return d.sched.Status(id)
}

// CancelTicket proxies scheduler.Cancel for the transport layer.
func (d *Dispatcher) CancelTicket(id string) bool {
	return d.sched.Cancel(id)
}
