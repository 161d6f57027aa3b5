// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package faults defines the error taxonomy surfaced at the tool boundary.
//
// Every error that crosses the dispatcher boundary is classified into one of
// the kinds below. Internal packages keep their own sentinel errors; the
// dispatcher wraps them into a *Fault before serialization so callers always
// see `{kind, message, retryable}`.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind string

const (
	// KindValidation means the input violates a schema or a template validator.
	// Not retryable; the caller must fix the call.
	KindValidation Kind = "ValidationError"

	// KindConfig means misconfiguration at startup or in the template registry.
	// Terminal; operator action required.
	KindConfig Kind = "ConfigError"

	// KindBackpressure means the event log refused new work because an
	// in-memory bound would be exceeded. Retryable with delay.
	KindBackpressure Kind = "BackpressureError"

	// KindTimeout means a warehouse call or connection acquire exceeded its
	// deadline. Retryable with backoff.
	KindTimeout Kind = "TimeoutError"

	// KindNoAvailableAccount means every account is open-circuit, locked, or
	// disabled. Retryable after recovery.
	KindNoAvailableAccount Kind = "NoAvailableAccount"

	// KindCircuitOpen means the selected account is currently blocked by its
	// circuit breaker. Failover normally consumes this; it surfaces only when
	// all accounts are open.
	KindCircuitOpen Kind = "CircuitOpen"

	// KindWarehouse means the warehouse returned an error. Retryability
	// depends on the underlying failure; treated as non-retryable by default.
	KindWarehouse Kind = "WarehouseError"

	// KindIO means the event log disk is full or unwritable.
	KindIO Kind = "IOError"

	// KindInternal is the fallback classification for unexpected errors.
	KindInternal Kind = "InternalError"
)

// Fault is a classified error carrying the wire-visible fields.
type Fault struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// Param names the offending parameter for validation faults, if known.
	Param string `json:"param,omitempty"`

	cause error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Param != "" {
		return fmt.Sprintf("%s: %s (param %q)", f.Kind, f.Message, f.Param)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (f *Fault) Unwrap() error { return f.cause }

// New creates a Fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
	}
}

// Wrap classifies an existing error without losing the cause chain.
func Wrap(kind Kind, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: defaultRetryable(kind),
		cause:     err,
	}
}

// Validation creates a ValidationError fault naming the offending parameter.
func Validation(param, format string, args ...any) *Fault {
	f := New(KindValidation, format, args...)
	f.Param = param
	return f
}

// Config creates a ConfigError fault.
func Config(format string, args ...any) *Fault {
	return New(KindConfig, format, args...)
}

// defaultRetryable implements the retryability column of the taxonomy.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindBackpressure, KindTimeout, KindNoAvailableAccount, KindCircuitOpen, KindIO:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from an error chain, or KindInternal if the error
// was never classified.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error chain carries a retryable fault.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}
