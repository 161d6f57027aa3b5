// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical
// operations.
//
// This package contains validators for caller-provided values that end up as
// warehouse bind parameters, file paths, or log records. Using these
// validators prevents injection attacks (SQL injection, control-character
// smuggling) and keeps identifier-like values within the charset the
// warehouse side expects.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxIdentifierLen bounds identifier-like parameters (customer keys, session
// keys, subjects, metrics). Matches the warehouse column width.
const MaxIdentifierLen = 255

// MaxDocumentBytes bounds opaque document parameters (metadata, context).
const MaxDocumentBytes = 1 << 20 // 1 MiB

// MaxURLLen bounds link parameters.
const MaxURLLen = 2048

// identifierPattern matches identifier-like values: letters, digits,
// underscore, hyphen, dot, colon, at-sign. No whitespace, no quotes.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@\-]+$`)

// activityPattern matches a fully namespaced activity name.
var activityPattern = regexp.MustCompile(`^cdesk\.[a-z_]+$`)

// hex16Pattern matches a 16-character lowercase hex string (provenance
// hashes, ingest ids).
var hex16Pattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// rejectedRunes are control and injection characters never allowed in any
// string parameter, identifier or free-form.
const rejectedRunes = "\x00\r\n;'\"\\`"

// RejectInjection returns an error if s contains control or injection
// characters from the rejection list.
func RejectInjection(s string) error {
	if i := strings.IndexAny(s, rejectedRunes); i >= 0 {
		return fmt.Errorf("contains forbidden character %q at offset %d", s[i], i)
	}
	return nil
}

// Identifier validates an identifier-like parameter (customer key, session
// key, subject, metric, source system).
func Identifier(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(s) > MaxIdentifierLen {
		return fmt.Errorf("length %d exceeds maximum %d", len(s), MaxIdentifierLen)
	}
	if err := RejectInjection(s); err != nil {
		return err
	}
	if !identifierPattern.MatchString(s) {
		return fmt.Errorf("%q is not a valid identifier (allowed: letters, digits, _.:@-)", s)
	}
	return nil
}

// ActivityName validates a fully namespaced activity name.
//
// Names are expected to already carry the `cdesk.` prefix; normalization of
// un-namespaced names is the dispatcher's job, not the validator's.
func ActivityName(s string) error {
	if !activityPattern.MatchString(s) {
		return fmt.Errorf("%q does not match ^cdesk\\.[a-z_]+$", s)
	}
	return nil
}

// NormalizeActivity prefixes an un-namespaced activity name with `cdesk.`
// and validates the result. Returns the normalized name.
func NormalizeActivity(s string) (string, error) {
	name := strings.TrimSpace(s)
	if !strings.HasPrefix(name, "cdesk.") {
		name = "cdesk." + name
	}
	if err := ActivityName(name); err != nil {
		return "", err
	}
	return name, nil
}

// UUID validates a well-formed UUID parameter.
func UUID(s string) error {
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("%q is not a valid UUID: %w", s, err)
	}
	return nil
}

// Hex16 validates a 16-character lowercase hex value.
func Hex16(s string) error {
	if !hex16Pattern.MatchString(s) {
		return fmt.Errorf("%q is not 16 lowercase hex characters", s)
	}
	return nil
}

// Link validates a URL parameter.
func Link(s string) error {
	if len(s) > MaxURLLen {
		return fmt.Errorf("length %d exceeds maximum %d", len(s), MaxURLLen)
	}
	if err := RejectInjection(s); err != nil {
		return err
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	return nil
}

// Document validates an opaque document parameter: must be valid JSON and
// within the size bound.
func Document(s string) error {
	if len(s) > MaxDocumentBytes {
		return fmt.Errorf("document size %d exceeds maximum %d", len(s), MaxDocumentBytes)
	}
	if !json.Valid([]byte(s)) {
		return fmt.Errorf("document is not well-formed JSON")
	}
	return nil
}

// FiniteNumber validates a numeric parameter is finite.
func FiniteNumber(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("value %v is not finite", f)
	}
	return nil
}
