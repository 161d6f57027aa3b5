// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health aggregates vault, breaker, and pool state into one view.
//
// The monitor polls the three connection-layer components on a fixed
// interval and also subscribes to the breaker's notification stream, so a
// circuit opening raises an alert without waiting for the next poll. Alerts
// are throttled twice: a per-(type, account) cooldown suppresses repeats,
// and a global per-hour ceiling bounds total volume.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/breaker"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/pool"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
)

// Status classifies an account or the whole system.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusOffline  Status = "offline"
)

// AccountHealth is the per-account slice of a snapshot.
type AccountHealth struct {
	Username     string    `json:"username"`
	Priority     int       `json:"priority"`
	CircuitState string    `json:"circuit_state"`
	Available    bool      `json:"available"`
	Status       Status    `json:"status"`
	PoolTotal    int       `json:"pool_total"`
	PoolActive   int       `json:"pool_active"`
	PoolHealthy  int       `json:"pool_healthy"`
	PoolMax      int       `json:"pool_max"`
	SuccessRate  float64   `json:"success_rate"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// SystemHealth is one aggregated snapshot.
type SystemHealth struct {
	Overall         Status          `json:"overall"`
	Healthy         int             `json:"healthy"`
	Degraded        int             `json:"degraded"`
	Critical        int             `json:"critical"`
	Offline         int             `json:"offline"`
	Accounts        []AccountHealth `json:"accounts"`
	Recommendations []string        `json:"recommendations,omitempty"`
	CheckedAt       time.Time       `json:"checked_at"`
}

// AlertSeverity orders alerts.
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityCritical
)

// Alert is one operator notification.
type Alert struct {
	Severity AlertSeverity
	Type     string
	Account  string
	Message  string
	At       time.Time
}

// Sink receives alerts of sufficient severity.
type Sink interface {
	Deliver(ctx context.Context, alert Alert)
}

// LogSink delivers alerts to the structured log. The default sink.
type LogSink struct{ Logger *slog.Logger }

// Deliver writes the alert as a log line.
func (s *LogSink) Deliver(_ context.Context, a Alert) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	switch a.Severity {
	case SeverityCritical:
		log.Error("health alert", "type", a.Type, "account", a.Account, "message", a.Message)
	case SeverityWarning:
		log.Warn("health alert", "type", a.Type, "account", a.Account, "message", a.Message)
	default:
		log.Info("health alert", "type", a.Type, "account", a.Account, "message", a.Message)
	}
}

// Config tunes the monitor.
type Config struct {
	// CheckInterval is the polling period.
	CheckInterval time.Duration

	// MinAvailableAccounts is the floor below which the system is critical.
	MinAvailableAccounts int

	// AlertCooldown suppresses repeats of the same (type, account) alert.
	AlertCooldown time.Duration

	// MaxAlertsPerHour is the global alert ceiling.
	MaxAlertsPerHour int

	// MinSeverity filters what reaches the sink.
	MinSeverity AlertSeverity

	Sink   Sink
	Logger *slog.Logger
}

// DefaultConfig returns production monitor settings.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        15 * time.Second,
		MinAvailableAccounts: 1,
		AlertCooldown:        5 * time.Minute,
		MaxAlertsPerHour:     60,
		MinSeverity:          SeverityWarning,
	}
}

// Monitor is the polling aggregator.
//
// # Thread Safety
//
// Safe for concurrent use; Snapshot may be called from any goroutine.
type Monitor struct {
	vault    *vault.Vault
	breakers *breaker.Set
	pools    *pool.Manager
	cfg      Config
	sink     Sink
	log      *slog.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time // "(type)|(account)" -> last delivery
	limiter   *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor wires the monitor to the connection-layer triangle.
func NewMonitor(v *vault.Vault, b *breaker.Set, p *pool.Manager, cfg Config) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.MinAvailableAccounts <= 0 {
		cfg.MinAvailableAccounts = 1
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 5 * time.Minute
	}
	if cfg.MaxAlertsPerHour <= 0 {
		cfg.MaxAlertsPerHour = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = &LogSink{Logger: cfg.Logger}
	}
	return &Monitor{
		vault:     v,
		breakers:  b,
		pools:     p,
		cfg:       cfg,
		sink:      sink,
		log:       cfg.Logger,
		lastAlert: make(map[string]time.Time),
		limiter:   rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.MaxAlertsPerHour)), cfg.MaxAlertsPerHour),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling loop and the breaker event consumer.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.pollLoop(ctx)
	go m.eventLoop(ctx)
}

// Stop halts the background loops.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			snap := m.Snapshot()
			m.alertOnSnapshot(ctx, snap)
		}
	}
}

func (m *Monitor) eventLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case ev := <-m.breakers.Events():
			if ev.Type == breaker.EventStateChange && ev.To == breaker.Open {
				m.Emit(ctx, Alert{
					Severity: SeverityCritical,
					Type:     "circuit_open",
					Account:  ev.Account,
					Message:  fmt.Sprintf("circuit opened for account %s", ev.Account),
					At:       ev.At,
				})
			}
		case account := <-m.pools.Unhealthy():
			m.Emit(ctx, Alert{
				Severity: SeverityWarning,
				Type:     "connection_unhealthy",
				Account:  account,
				Message:  fmt.Sprintf("evicted unhealthy connection for account %s", account),
				At:       time.Now(),
			})
		}
	}
}

// Snapshot composes the current system view.
func (m *Monitor) Snapshot() SystemHealth {
	accounts := m.vault.ListAll()
	circuits := m.breakers.Snapshots()
	pools := m.pools.Stats()

	out := SystemHealth{CheckedAt: time.Now()}
	for _, acct := range accounts {
		circuitState := "closed"
		if c, ok := circuits[acct.Username]; ok {
			circuitState = c.State
		}
		ps := pools[acct.Username]

		var successRate float64
		if acct.TotalAttempts > 0 {
			successRate = float64(acct.TotalSuccesses) / float64(acct.TotalAttempts)
		} else {
			successRate = 1.0 // no attempts yet, assume healthy
		}

		ah := AccountHealth{
			Username:     acct.Username,
			Priority:     acct.Priority,
			CircuitState: circuitState,
			Available:    !acct.Disabled && !acct.InCooldown && circuitState != "open",
			PoolTotal:    ps.Total,
			PoolActive:   ps.Active,
			PoolHealthy:  ps.Healthy,
			PoolMax:      ps.Max,
			SuccessRate:  successRate,
			LastSuccess:  acct.LastSuccess,
			LastFailure:  acct.LastFailure,
		}
		ah.Status = classify(acct, circuitState)
		switch ah.Status {
		case StatusHealthy:
			out.Healthy++
		case StatusDegraded:
			out.Degraded++
		case StatusCritical:
			out.Critical++
		case StatusOffline:
			out.Offline++
		}
		out.Accounts = append(out.Accounts, ah)
	}

	out.Overall = m.overall(out)
	out.Recommendations = m.recommend(out)
	return out
}

// classify maps one account's state onto a status.
func classify(acct vault.Snapshot, circuitState string) Status {
	switch {
	case acct.Disabled:
		return StatusOffline
	case circuitState == "open":
		return StatusCritical
	case circuitState == "half_open" || acct.InCooldown:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// overall applies the system status rule.
func (m *Monitor) overall(s SystemHealth) Status {
	available := s.Healthy + s.Degraded
	switch {
	case available < m.cfg.MinAvailableAccounts, s.Healthy == 0, s.Critical > 0:
		return StatusCritical
	case s.Degraded > s.Healthy:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (m *Monitor) recommend(s SystemHealth) []string {
	var recs []string
	for _, acct := range s.Accounts {
		switch acct.Status {
		case StatusCritical:
			recs = append(recs, fmt.Sprintf("account %s circuit is open; investigate warehouse errors or unlock after remediation", acct.Username))
		case StatusDegraded:
			recs = append(recs, fmt.Sprintf("account %s is degraded; watch for recovery or rotate credentials", acct.Username))
		case StatusOffline:
			recs = append(recs, fmt.Sprintf("account %s is disabled; re-enable or remove it from configuration", acct.Username))
		}
	}
	if s.Healthy+s.Degraded < m.cfg.MinAvailableAccounts {
		recs = append(recs, "available accounts below minimum; add capacity or recover failed accounts")
	}
	return recs
}

func (m *Monitor) alertOnSnapshot(ctx context.Context, snap SystemHealth) {
	if snap.Overall == StatusCritical {
		m.Emit(ctx, Alert{
			Severity: SeverityCritical,
			Type:     "system_critical",
			Message:  fmt.Sprintf("system critical: %d healthy, %d degraded, %d critical, %d offline", snap.Healthy, snap.Degraded, snap.Critical, snap.Offline),
			At:       snap.CheckedAt,
		})
	}
}

// Emit delivers an alert through the cooldown and rate ceiling.
func (m *Monitor) Emit(ctx context.Context, a Alert) {
	if a.Severity < m.cfg.MinSeverity {
		return
	}
	key := a.Type + "|" + a.Account

	m.mu.Lock()
	if last, ok := m.lastAlert[key]; ok && a.At.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	if !m.limiter.Allow() {
		m.mu.Unlock()
		return
	}
	m.lastAlert[key] = a.At
	m.mu.Unlock()

	m.sink.Deliver(ctx, a)
}
