// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler runs asynchronous warehouse queries as tickets.
//
// A ticket moves through pending -> running -> {completed|failed|cancelled}
// and never leaves a terminal state. Pending tickets wait in a FIFO; a
// dispatch loop drains it subject to the concurrency bound. A scavenger
// purges terminal tickets past the retention window.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// State is a ticket's lifecycle position.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// terminal reports whether the state admits no further transitions.
func (s State) terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Executor runs one registered template through the connection layer.
type Executor interface {
	ExecuteTemplate(ctx context.Context, name string, params []any) (*warehouse.Result, error)
}

// Truncation records that a completed result was cut to fit a byte cap.
type Truncation struct {
	OriginalRows int `json:"original_rows"`
	ReturnedRows int `json:"returned_rows"`
}

// Ticket is one asynchronous query. Snapshots returned by Status are copies;
// callers cannot mutate scheduler state through them.
type Ticket struct {
	ID         string            `json:"id"`
	Template   string            `json:"template"`
	Params     []any             `json:"params,omitempty"`
	ByteCap    int               `json:"byte_cap,omitempty"`
	State      State             `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Result     *warehouse.Result `json:"result,omitempty"`
	Truncated  *Truncation       `json:"truncated,omitempty"`
}

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent bounds simultaneously running tickets.
	MaxConcurrent int

	// Deadline is the per-execution warehouse deadline.
	Deadline time.Duration

	// Retention keeps terminal tickets visible to Status.
	Retention time.Duration

	// ScavengeInterval is the purge period.
	ScavengeInterval time.Duration

	// Headroom is subtracted from a ticket's byte cap before truncation,
	// leaving room for the truncation marker itself.
	Headroom int

	Logger *slog.Logger
}

// DefaultConfig returns production scheduler settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    5,
		Deadline:         30 * time.Second,
		Retention:        time.Hour,
		ScavengeInterval: 60 * time.Second,
		Headroom:         200,
	}
}

// Stats counts tickets by state.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Scheduler owns the ticket table, the FIFO, and the dispatch loop.
//
// # Thread Safety
//
// Safe for concurrent use. The mutex covers the table, queue, and running
// set; executions run outside it.
type Scheduler struct {
	cfg  Config
	exec Executor
	log  *slog.Logger

	mu      sync.Mutex
	tickets map[string]*Ticket
	queue   []string
	running map[string]struct{}
	closed  bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the scheduler and starts the dispatch loop and scavenger.
func New(exec Executor, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.ScavengeInterval <= 0 {
		cfg.ScavengeInterval = def.ScavengeInterval
	}
	if cfg.Headroom <= 0 {
		cfg.Headroom = def.Headroom
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		cfg:     cfg,
		exec:    exec,
		log:     cfg.Logger,
		tickets: make(map[string]*Ticket),
		running: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.scavengeLoop()
	return s
}

// Create enqueues a ticket and returns its id. A byteCap of zero means
// unbounded.
func (s *Scheduler) Create(template string, params []any, byteCap int) string {
	id := uuid.NewString()
	t := &Ticket{
		ID:        id,
		Template:  template,
		Params:    params,
		ByteCap:   byteCap,
		State:     Pending,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.tickets[id] = t
	s.queue = append(s.queue, id)
	s.mu.Unlock()
	s.kick()
	return id
}

// Status returns a copy of the ticket, or false if unknown or purged.
func (s *Scheduler) Status(id string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// Cancel moves a pending ticket to cancelled and drops it from the queue.
// Running and terminal tickets are not cancellable.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.State != Pending {
		return false
	}
	t.State = Cancelled
	t.FinishedAt = time.Now()
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	return true
}

// Stats counts tickets by state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, t := range s.tickets {
		switch t.State {
		case Pending:
			st.Pending++
		case Running:
			st.Running++
		case Completed:
			st.Completed++
		case Failed:
			st.Failed++
		case Cancelled:
			st.Cancelled++
		}
	}
	return st
}

// Close stops the loops and waits for in-flight executions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			s.drain()
		}
	}
}

// drain starts pending tickets while capacity remains.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.running) >= s.cfg.MaxConcurrent || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		t, ok := s.tickets[id]
		if !ok || t.State != Pending {
			s.mu.Unlock()
			continue
		}
		t.State = Running
		t.StartedAt = time.Now()
		s.running[id] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.execute(t.ID, t.Template, t.Params, t.ByteCap)
	}
}

func (s *Scheduler) execute(id, template string, params []any, byteCap int) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Deadline)
	defer cancel()

	res, err := s.exec.ExecuteTemplate(ctx, template, params)

	s.mu.Lock()
	delete(s.running, id)
	t, ok := s.tickets[id]
	if ok && t.State == Running { // terminal states are write-once
		t.FinishedAt = time.Now()
		if err != nil {
			t.State = Failed
			t.Error = err.Error()
			s.log.Warn("ticket failed", "ticket", id, "template", template, "error", err)
		} else {
			t.State = Completed
			t.Result, t.Truncated = capResult(res, byteCap, s.cfg.Headroom)
		}
	}
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) scavengeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScavengeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scavenge(time.Now())
		}
	}
}

// scavenge purges terminal tickets older than the retention window.
func (s *Scheduler) scavenge(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tickets {
		if t.State.terminal() && now.Sub(t.FinishedAt) > s.cfg.Retention {
			delete(s.tickets, id)
		}
	}
}

// capResult trims the row list until the serialized result fits the cap
// minus headroom, attaching a truncation marker when rows were dropped.
func capResult(res *warehouse.Result, byteCap, headroom int) (*warehouse.Result, *Truncation) {
	if res == nil || byteCap <= 0 {
		return res, nil
	}
	limit := byteCap - headroom
	if limit <= 0 {
		limit = 0
	}
	original := len(res.Rows)
	rows := res.Rows
	for len(rows) > 0 {
		buf, err := json.Marshal(rows)
		if err != nil || len(buf) <= limit {
			break
		}
		rows = rows[:len(rows)-1]
	}
	if len(rows) == original {
		return res, nil
	}
	capped := *res
	capped.Rows = rows
	return &capped, &Truncation{OriginalRows: original, ReturnedRows: len(rows)}
}
