// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sqltemplate is the only legal way to send SQL to the warehouse.
//
// Every statement the middleware runs is a registered template: fixed SQL
// text with `?` bind markers and a pure validator that normalizes and checks
// the parameter vector before it is bound. No bind value is ever formatted
// into the SQL text, and the registry lints every template at initialization
// so a template that could smuggle a second statement never registers.
package sqltemplate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// Validator checks and normalizes a parameter vector.
//
// Validators must be pure and idempotent: V(V(p)) = V(p) for accepted p.
// On rejection they return a ValidationError fault naming the parameter.
type Validator func(params []any) ([]any, error)

// Template is one registered statement.
type Template struct {
	// Name is the canonical template name.
	Name string

	// SQL is the parameterized text. Question-mark binds only.
	SQL string

	// Arity is the expected parameter count.
	Arity int

	// Nullary marks templates that legitimately take no binds
	// (the health probe).
	Nullary bool

	// Validate is the parameter validator. Required.
	Validate Validator
}

// ExecOptions carries per-execution settings.
type ExecOptions struct {
	// Deadline bounds the warehouse call. Zero means the caller's context
	// governs alone.
	Deadline time.Duration

	// Tag is the correlation tag set on the warehouse session.
	Tag string
}

// Registry holds the template set.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens once at startup;
// the lock exists for tests that register ad-hoc templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register adds a template after linting it.
//
// Returns a ConfigError fault if the template is unparameterized (and not
// declared nullary), contains interpolation or concatenation markers, has a
// nil validator, or reuses a name.
func (r *Registry) Register(t *Template) error {
	if err := lint(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.templates[t.Name]; dup {
		return faults.Config("template %q registered twice", t.Name)
	}
	r.templates[t.Name] = t
	return nil
}

// List returns the registered template names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a template by name, or nil if unregistered.
func (r *Registry) Get(name string) *Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.templates[name]
}

// Execute validates params, then runs the template on conn.
//
// The validator runs first and its ValidationError faults propagate before
// any warehouse traffic. The validated bind vector goes to the connection
// verbatim; the SQL text is never touched.
func (r *Registry) Execute(ctx context.Context, conn warehouse.Conn, name string, params []any, opts ExecOptions) (*warehouse.Result, error) {
	t := r.Get(name)
	if t == nil {
		return nil, faults.Validation("templateName", "unknown template %q", name)
	}

	binds, err := t.Validate(params)
	if err != nil {
		return nil, err
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	res, err := conn.Exec(ctx, t.SQL, binds, opts.Tag)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, faults.Wrap(faults.KindTimeout, err)
		}
		return nil, err
	}
	return res, nil
}

// forbiddenMarkers are sequences that indicate string interpolation,
// concatenation, or statement stacking in template text.
var forbiddenMarkers = []string{";", "${", "`", "||", "'+", "+'", "\"+", "+\""}

// lint enforces the registration-time template checks.
func lint(t *Template) error {
	if t == nil || t.Name == "" {
		return faults.Config("template with empty name")
	}
	if strings.TrimSpace(t.SQL) == "" {
		return faults.Config("template %q has empty SQL", t.Name)
	}
	if t.Validate == nil {
		return faults.Config("template %q has no validator", t.Name)
	}

	bindCount := strings.Count(t.SQL, "?")
	if bindCount == 0 && !t.Nullary {
		return faults.Config("template %q has no bind markers and is not declared nullary", t.Name)
	}
	if t.Nullary && bindCount > 0 {
		return faults.Config("template %q declared nullary but has %d bind markers", t.Name, bindCount)
	}
	if bindCount != t.Arity {
		return faults.Config("template %q has %d bind markers but arity %d", t.Name, bindCount, t.Arity)
	}

	for _, marker := range forbiddenMarkers {
		if strings.Contains(t.SQL, marker) {
			return faults.Config("template %q contains forbidden marker %q", t.Name, marker)
		}
	}
	return nil
}
