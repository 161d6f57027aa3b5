// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package querytag generates per-query correlation tags.
//
// Every warehouse call carries a fresh tag of the form `cdesk_<16 hex>`.
// The same tag is set on the warehouse session and written into the event
// record for that call, which is what lets the warehouse-side ActivitySchema
// views join a query back to the activity that caused it.
//
// The 16-character width is deliberate: 64 bits of entropy puts the birthday
// collision 50% mark at ~4e9 tags. Earlier 8-character tags collided within
// tens of thousands of queries, a visible-in-production rate.
package querytag

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
)

// Prefix is the fixed tag prefix.
const Prefix = "cdesk_"

// hexWidth is the number of hex characters after the prefix (64 bits).
const hexWidth = 16

// Pattern matches a well-formed correlation tag.
var Pattern = regexp.MustCompile(`^cdesk_[0-9a-f]{16}$`)

// Generator produces fresh correlation tags.
//
// # Thread Safety
//
// Generator is safe for concurrent use; crypto/rand is internally
// synchronized and the Generator holds no mutable state.
type Generator struct{}

// NewGenerator creates a Generator, verifying the random source.
//
// Returns a ConfigError fault if the platform cannot supply at least
// 64 bits of randomness at initialization time.
func NewGenerator() (*Generator, error) {
	var probe [8]byte
	if _, err := rand.Read(probe[:]); err != nil {
		return nil, faults.Config("query tag generator: random source unavailable: %v", err)
	}
	return &Generator{}, nil
}

// Next returns a fresh tag. Tags must never be reused across calls.
func (g *Generator) Next() string {
	var buf [hexWidth / 2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// rand.Read only fails if the kernel entropy device disappears
		// after NewGenerator verified it; there is no sane recovery.
		panic(fmt.Sprintf("querytag: random source failed after init: %v", err))
	}
	return Prefix + hex.EncodeToString(buf[:])
}

// Valid reports whether s is a well-formed correlation tag.
func Valid(s string) bool {
	return Pattern.MatchString(s)
}
