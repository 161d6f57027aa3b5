// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker implements per-account circuit breaking.
//
// Each warehouse account gets an independent finite state machine:
//
//	   ┌──────────────────────────────────────────┐
//	   │                                          │
//	   ▼                                          │
//	CLOSED ──[threshold failures in window]──► OPEN ◄─┐
//	   ▲                                          │   │
//	   │                                          │   │[any probe failure,
//	   └──[successThreshold successes]── HALF_OPEN┘   │ cooldown doubled]
//	                                        │─────────┘
//
// Half-open admits a single concurrent probe. The probe slot carries a
// timeout equal to the warehouse call deadline, so a caller that dies while
// holding the slot cannot starve everyone else out of the probe.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit posture for one account.
type State int

const (
	// Closed is normal operation; calls flow through.
	Closed State = iota

	// Open rejects every call until the cooldown elapses.
	Open

	// HalfOpen admits a bounded probe quota to test recovery.
	HalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// EventType classifies breaker notifications.
type EventType string

const (
	EventStateChange EventType = "stateChange"
	EventFailure     EventType = "failure"
	EventSuccess     EventType = "success"
)

// Event is one breaker notification, consumed by the health monitor.
type Event struct {
	Account string
	Type    EventType
	From    State
	To      State
	At      time.Time
}

// Config holds the breaker thresholds, shared by all accounts.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit.
	FailureThreshold int

	// Window is the sliding window for counting failures while closed.
	Window time.Duration

	// Cooldown is the initial duration of the open state.
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive half-open probe
	// successes required to close.
	SuccessThreshold int

	// MaxBackoff caps the compounded cooldown after repeated half-open
	// failures.
	MaxBackoff time.Duration

	// ProbeTimeout bounds how long one caller may hold the half-open probe
	// slot. Set this to the warehouse call deadline.
	ProbeTimeout time.Duration

	// Clock is injectable for tests.
	Clock func() time.Time

	Logger *slog.Logger
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
		MaxBackoff:       10 * time.Minute,
		ProbeTimeout:     30 * time.Second,
	}
}

// accountBreaker is the FSM for one account. Guarded by the Set mutex.
type accountBreaker struct {
	state             State
	failureTimes      []time.Time
	halfOpenSuccesses int
	openedAt          time.Time
	cooldown          time.Duration
	lastTransition    time.Time

	probeInFlight  bool
	probeStartedAt time.Time
}

// Set manages one breaker per account.
//
// # Thread Safety
//
// Safe for concurrent use. Notifications are emitted on a buffered channel
// and dropped (with a counter) if the consumer falls behind; breaker
// correctness never depends on notification delivery.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*accountBreaker
	events   chan Event
	dropped  int64
	log      *slog.Logger
}

// NewSet creates a breaker set with the given thresholds.
func NewSet(cfg Config) *Set {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Set{
		cfg:      cfg,
		breakers: make(map[string]*accountBreaker),
		events:   make(chan Event, 256),
		log:      cfg.Logger,
	}
}

// Events exposes the notification stream (stateChange/failure/success).
func (s *Set) Events() <-chan Event { return s.events }

func (s *Set) get(account string) *accountBreaker {
	b, ok := s.breakers[account]
	if !ok {
		b = &accountBreaker{state: Closed, cooldown: s.cfg.Cooldown}
		s.breakers[account] = b
	}
	return b
}

// CanExecute reports whether a call for the account may proceed, claiming
// the half-open probe slot when applicable.
//
// In open state it is always false until the cooldown elapses, at which
// point the circuit moves to half-open and this call claims the probe slot.
// In half-open, the slot is granted to one caller at a time; a slot held
// longer than ProbeTimeout is reclaimed.
func (s *Set) CanExecute(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(account)
	now := s.cfg.Clock()

	switch b.state {
	case Closed:
		return true

	case Open:
		if now.Sub(b.openedAt) >= b.cooldown {
			s.transition(account, b, HalfOpen, now)
			b.probeInFlight = true
			b.probeStartedAt = now
			return true
		}
		return false

	case HalfOpen:
		if !b.probeInFlight || now.Sub(b.probeStartedAt) >= s.cfg.ProbeTimeout {
			b.probeInFlight = true
			b.probeStartedAt = now
			return true
		}
		return false

	default:
		return false
	}
}

// Allows is the non-claiming view of CanExecute, used by the credential
// vault when scanning candidates. It reports whether a call for the account
// could proceed right now without claiming the half-open probe slot.
func (s *Set) Allows(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(account)
	now := s.cfg.Clock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return now.Sub(b.openedAt) >= b.cooldown
	case HalfOpen:
		return !b.probeInFlight || now.Sub(b.probeStartedAt) >= s.cfg.ProbeTimeout
	default:
		return false
	}
}

// RecordSuccess drives the FSM on a successful call.
func (s *Set) RecordSuccess(account string) {
	s.mu.Lock()
	b := s.get(account)
	now := s.cfg.Clock()

	switch b.state {
	case Closed:
		b.failureTimes = b.failureTimes[:0]
	case HalfOpen:
		b.probeInFlight = false
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= s.cfg.SuccessThreshold {
			b.cooldown = s.cfg.Cooldown // recovery resets the backoff
			s.transition(account, b, Closed, now)
		}
	}
	s.mu.Unlock()
	s.emit(Event{Account: account, Type: EventSuccess, At: now})
}

// RecordFailure drives the FSM on a failed call.
func (s *Set) RecordFailure(account string) {
	s.mu.Lock()
	b := s.get(account)
	now := s.cfg.Clock()

	switch b.state {
	case Closed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneWindow(now, s.cfg.Window)
		if len(b.failureTimes) >= s.cfg.FailureThreshold {
			b.openedAt = now
			s.transition(account, b, Open, now)
		}
	case HalfOpen:
		// Any probe failure reopens with a doubled cooldown, capped.
		b.probeInFlight = false
		b.cooldown *= 2
		if b.cooldown > s.cfg.MaxBackoff {
			b.cooldown = s.cfg.MaxBackoff
		}
		b.openedAt = now
		s.transition(account, b, Open, now)
	case Open:
		b.openedAt = now
	}
	s.mu.Unlock()
	s.emit(Event{Account: account, Type: EventFailure, At: now})
}

// StateOf returns the current state for the account.
func (s *Set) StateOf(account string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(account).state
}

// Reset forces the account's breaker back to closed (admin path).
func (s *Set) Reset(account string) {
	s.mu.Lock()
	b := s.get(account)
	now := s.cfg.Clock()
	b.failureTimes = b.failureTimes[:0]
	b.halfOpenSuccesses = 0
	b.probeInFlight = false
	b.cooldown = s.cfg.Cooldown
	if b.state != Closed {
		s.transition(account, b, Closed, now)
	}
	s.mu.Unlock()
}

// Snapshot describes one account's breaker for the health monitor.
type Snapshot struct {
	Account          string    `json:"account"`
	State            string    `json:"state"`
	FailuresInWindow int       `json:"failures_in_window"`
	Cooldown         string    `json:"cooldown"`
	LastTransition   time.Time `json:"last_transition,omitempty"`
}

// Snapshots returns the state of every known breaker.
func (s *Set) Snapshots() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Snapshot, len(s.breakers))
	for account, b := range s.breakers {
		out[account] = Snapshot{
			Account:          account,
			State:            b.state.String(),
			FailuresInWindow: len(b.failureTimes),
			Cooldown:         b.cooldown.String(),
			LastTransition:   b.lastTransition,
		}
	}
	return out
}

// DroppedEvents returns how many notifications were dropped because the
// consumer fell behind.
func (s *Set) DroppedEvents() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// transition changes state under the lock and queues the notification.
func (s *Set) transition(account string, b *accountBreaker, to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastTransition = now
	if to != HalfOpen {
		b.halfOpenSuccesses = 0
	}
	if to == Closed {
		b.failureTimes = b.failureTimes[:0]
	}
	s.log.Info("circuit state change",
		"account", account, "from", from.String(), "to", to.String())

	select {
	case s.events <- Event{Account: account, Type: EventStateChange, From: from, To: to, At: now}:
	default:
		s.dropped++
	}
}

func (s *Set) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// pruneWindow drops failures older than the window.
func (b *accountBreaker) pruneWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(b.failureTimes) && b.failureTimes[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failureTimes = b.failureTimes[idx:]
	}
}
