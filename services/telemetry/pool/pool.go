// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pool manages per-account warehouse connection pools.
//
// Each account gets a bounded pool of connections with background health
// probing. Acquire walks the credential vault's candidate list once,
// consulting the circuit breaker per account, and hands out at most one
// caller per connection. A connection that fails a probe is destroyed, never
// reused.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/breaker"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// ErrNoCapacity marks a single pool at ceiling with no idle connection.
// Internal: acquire uses it to fail over to the next account; it never
// surfaces to callers.
var ErrNoCapacity = errors.New("pool: account at connection ceiling")

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("pool: manager is closed")

// Config holds pool sizing and probe timing.
type Config struct {
	// MinSize is the target idle floor per account pool.
	MinSize int

	// MaxSize is the default per-account ceiling. An account's own
	// MaxConnections, when set, takes precedence.
	MaxSize int

	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration

	// HealthInterval is the probe loop period; HealthTimeout bounds each
	// probe.
	HealthInterval time.Duration
	HealthTimeout  time.Duration

	// MaxIdle evicts idle connections unused for longer than this, down to
	// MinSize.
	MaxIdle time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns production pool settings.
func DefaultConfig() Config {
	return Config{
		MinSize:        1,
		MaxSize:        4,
		ConnectTimeout: 10 * time.Second,
		HealthInterval: 30 * time.Second,
		HealthTimeout:  5 * time.Second,
		MaxIdle:        5 * time.Minute,
	}
}

// pooledConn is one connection plus its bookkeeping.
type pooledConn struct {
	conn            warehouse.Conn
	account         string
	owner           *accountPool
	lastUsed        time.Time
	lastHealthCheck time.Time
	healthy         bool
}

// accountPool is the bounded pool for one account. Guarded by Manager.mu.
type accountPool struct {
	account string
	ceiling int
	idle    []*pooledConn
	total   int // idle + handed out
}

// Lease is a connection handed to exactly one caller.
//
// Release returns the connection to the pool it came from. MarkUnhealthy
// before Release destroys it instead.
type Lease struct {
	Conn    warehouse.Conn
	Account string

	pc        *pooledConn
	mgr       *Manager
	unhealthy bool
	released  bool
}

// MarkUnhealthy flags the leased connection for destruction on release.
func (l *Lease) MarkUnhealthy() { l.unhealthy = true }

// Release returns the connection to its pool. Idempotent.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.mgr.release(l.pc, l.unhealthy)
}

// Manager owns all account pools.
//
// # Thread Safety
//
// Safe for concurrent use. One mutex guards the pool maps; dials and probes
// happen outside the lock with capacity reserved first, so slow warehouse
// I/O never blocks acquire/release bookkeeping.
type Manager struct {
	mu     sync.Mutex
	pools  map[string]*accountPool
	closed bool

	vault    *vault.Vault
	breakers *breaker.Set
	dialer   warehouse.Dialer
	cfg      Config
	log      *slog.Logger

	unhealthyCh chan string
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewManager wires the pool manager to the vault, breakers, and dialer.
func NewManager(v *vault.Vault, b *breaker.Set, d warehouse.Dialer, cfg Config) *Manager {
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		pools:       make(map[string]*accountPool),
		vault:       v,
		breakers:    b,
		dialer:      d,
		cfg:         cfg,
		log:         cfg.Logger,
		unhealthyCh: make(chan string, 64),
		stopCh:      make(chan struct{}),
	}
	for _, acct := range v.Usernames() {
		m.pools[acct] = &accountPool{account: acct, ceiling: m.ceilingFor(acct)}
	}
	return m
}

func (m *Manager) ceilingFor(account string) int {
	if acct := m.vault.Get(account); acct != nil && acct.MaxConnections > 0 {
		return acct.MaxConnections
	}
	return m.cfg.MaxSize
}

// Initialize pre-opens min(MinSize, ceiling) connections per active account,
// concurrently across accounts. An account whose warm-up opens zero
// connections is left with an empty pool and a breaker failure recorded;
// Initialize itself only fails if the manager is closed.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, snap := range m.vault.ListActive() {
		account := snap.Username
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := m.cfg.MinSize
			if ceiling := m.ceilingFor(account); want > ceiling {
				want = ceiling
			}
			opened := 0
			for i := 0; i < want; i++ {
				if err := m.openInto(ctx, account); err != nil {
					m.log.Warn("pool warm-up dial failed", "account", account, "error", err)
					break
				}
				opened++
			}
			if want > 0 && opened == 0 {
				m.breakers.RecordFailure(account)
				m.vault.RecordFailure(account, "pool warm-up failed")
			}
		}()
	}
	wg.Wait()

	if m.cfg.HealthInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop()
	}
	return nil
}

// openInto dials one connection for the account and parks it idle.
// Capacity is reserved under the lock before dialing.
func (m *Manager) openInto(ctx context.Context, account string) error {
	m.mu.Lock()
	p, err := m.reserveLocked(account)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	pc, err := m.dial(ctx, p)
	if err != nil {
		m.unreserve(p)
		return err
	}

	m.mu.Lock()
	p.idle = append(p.idle, pc)
	m.mu.Unlock()
	return nil
}

// reserveLocked claims one connection slot. Caller holds the lock.
func (m *Manager) reserveLocked(account string) (*accountPool, error) {
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.pools[account]
	if !ok {
		p = &accountPool{account: account, ceiling: m.ceilingFor(account)}
		m.pools[account] = p
	}
	if p.total >= p.ceiling {
		return nil, ErrNoCapacity
	}
	p.total++
	return p, nil
}

func (m *Manager) unreserve(p *accountPool) {
	m.mu.Lock()
	p.total--
	m.mu.Unlock()
}

// dial opens one connection outside the lock.
func (m *Manager) dial(ctx context.Context, p *accountPool) (*pooledConn, error) {
	params, err := m.vault.DialParams(p.account, m.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, params)
	if err != nil {
		// Connection open errors count against the breaker and may trip it.
		m.breakers.RecordFailure(p.account)
		m.vault.RecordFailure(p.account, "dial failed")
		return nil, err
	}
	now := time.Now()
	return &pooledConn{
		conn:     conn,
		account:  p.account,
		owner:    p,
		lastUsed: now,
		healthy:  true,
	}, nil
}

// Acquire returns a leased connection.
//
// If preferred names an account with a healthy idle connection, that wins.
// Otherwise one pass is made over the vault's candidate list: per candidate,
// the breaker is consulted, then an idle connection is taken or a new one
// opened below the ceiling. An account at ceiling with nothing idle is
// skipped (internal NoCapacity); if no account yields a connection the call
// fails with NoAvailableAccount, or CircuitOpen when every enabled account
// is breaker-blocked.
func (m *Manager) Acquire(ctx context.Context, preferred string) (*Lease, error) {
	// The preferred shortcut still honors the breaker: while an account's
	// circuit is not closed, its pool serves nobody, preferred or not.
	if preferred != "" && m.breakers.StateOf(preferred) == breaker.Closed {
		if lease := m.takeIdle(preferred); lease != nil {
			return lease, nil
		}
	}

	sawCandidate := false
	for _, acct := range m.vault.Candidates() {
		account := acct.Username
		if !m.breakers.CanExecute(account) {
			continue
		}
		sawCandidate = true

		if lease := m.takeIdle(account); lease != nil {
			return lease, nil
		}

		// Nothing idle: open a new connection if below ceiling.
		m.mu.Lock()
		p, err := m.reserveLocked(account)
		m.mu.Unlock()
		if err != nil {
			if errors.Is(err, ErrNoCapacity) {
				continue // failover to the next account
			}
			return nil, err
		}

		pc, dialErr := m.dial(ctx, p)
		if dialErr != nil {
			m.unreserve(p)
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.KindTimeout, dialErr)
			}
			continue
		}
		return m.lease(pc), nil
	}

	if sawCandidate {
		return nil, faults.New(faults.KindNoAvailableAccount, "no account could provide a connection")
	}
	return nil, m.exhaustionFault()
}

// exhaustionFault classifies an empty candidate pass: when every enabled
// account is blocked by its breaker, callers see CircuitOpen rather than the
// generic exhaustion fault, so retry policy can wait out the cooldown.
func (m *Manager) exhaustionFault() error {
	enabled, blocked := 0, 0
	for _, snap := range m.vault.ListAll() {
		if snap.Disabled {
			continue
		}
		enabled++
		if !m.breakers.Allows(snap.Username) {
			blocked++
		}
	}
	if enabled > 0 && blocked == enabled {
		return faults.New(faults.KindCircuitOpen, "every account's circuit is open")
	}
	return faults.New(faults.KindNoAvailableAccount, "every account is locked or disabled")
}

// takeIdle pops a healthy idle connection from the account's pool.
func (m *Manager) takeIdle(account string) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[account]
	if !ok {
		return nil
	}
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !pc.healthy {
			p.total--
			go pc.conn.Close()
			continue
		}
		pc.lastUsed = time.Now()
		return m.leaseLocked(pc)
	}
	return nil
}

func (m *Manager) lease(pc *pooledConn) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaseLocked(pc)
}

func (m *Manager) leaseLocked(pc *pooledConn) *Lease {
	return &Lease{Conn: pc.conn, Account: pc.account, pc: pc, mgr: m}
}

// release returns a connection to exactly the pool it came from, or
// destroys it when flagged unhealthy.
func (m *Manager) release(pc *pooledConn, unhealthy bool) {
	m.mu.Lock()
	p := pc.owner
	if unhealthy || m.closed {
		p.total--
		m.mu.Unlock()
		_ = pc.conn.Close()
		if unhealthy {
			m.notifyUnhealthy(pc.account)
		}
		return
	}
	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	m.mu.Unlock()
}

// Unhealthy exposes connectionUnhealthy notifications (account names).
func (m *Manager) Unhealthy() <-chan string { return m.unhealthyCh }

func (m *Manager) notifyUnhealthy(account string) {
	select {
	case m.unhealthyCh <- account:
	default:
	}
}

// healthLoop probes idle connections, evicts the unhealthy, trims the
// over-idle, and replenishes pools below MinSize.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.HealthCheck(context.Background())
		}
	}
}

// HealthCheck runs one probe pass. Exported so tests and the admin surface
// can force a pass without waiting for the ticker.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.mu.Lock()
	accounts := make([]string, 0, len(m.pools))
	for account := range m.pools {
		accounts = append(accounts, account)
	}
	m.mu.Unlock()

	for _, account := range accounts {
		m.probeAccount(ctx, account)
	}
}

func (m *Manager) probeAccount(ctx context.Context, account string) {
	m.mu.Lock()
	p := m.pools[account]
	if p == nil {
		m.mu.Unlock()
		return
	}
	conns := make([]*pooledConn, len(p.idle))
	copy(conns, p.idle)
	m.mu.Unlock()

	now := time.Now()
	for _, pc := range conns {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
		err := pc.conn.Ping(probeCtx)
		cancel()

		m.mu.Lock()
		pc.lastHealthCheck = now
		if err != nil {
			pc.healthy = false
			removed := m.removeIdleLocked(p, pc)
			m.mu.Unlock()
			// Only close what is still ours; a connection acquired since
			// the snapshot belongs to its lease holder now.
			if removed {
				_ = pc.conn.Close()
			}
			m.log.Warn("evicting unhealthy connection", "account", account, "error", err)
			m.notifyUnhealthy(account)
			m.breakers.RecordFailure(account)
			m.vault.RecordFailure(account, "health probe failed")
			continue
		}
		// Trim connections idle past MaxIdle, keeping the MinSize floor.
		if m.cfg.MaxIdle > 0 && now.Sub(pc.lastUsed) > m.cfg.MaxIdle && len(p.idle) > m.cfg.MinSize {
			removed := m.removeIdleLocked(p, pc)
			m.mu.Unlock()
			if removed {
				_ = pc.conn.Close()
			}
			continue
		}
		m.mu.Unlock()
		m.breakers.RecordSuccess(account)
		m.vault.RecordSuccess(account)
	}

	m.replenish(ctx, account)
}

// replenish tops a pool back up to MinSize, respecting the breaker.
func (m *Manager) replenish(ctx context.Context, account string) {
	for {
		m.mu.Lock()
		p := m.pools[account]
		below := p != nil && p.total < m.cfg.MinSize && !m.closed
		m.mu.Unlock()
		if !below {
			return
		}
		if !m.breakers.CanExecute(account) {
			return
		}
		if err := m.openInto(ctx, account); err != nil {
			return
		}
		m.breakers.RecordSuccess(account)
		m.vault.RecordSuccess(account)
	}
}

// removeIdleLocked deletes pc from the idle slice and decrements total.
// Returns false if pc is no longer idle (handed out since the snapshot).
func (m *Manager) removeIdleLocked(p *accountPool, pc *pooledConn) bool {
	for i, cand := range p.idle {
		if cand == pc {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.total--
			return true
		}
	}
	return false
}

// Drain destroys every idle connection in the account's pool so subsequent
// acquires dial fresh with whatever credentials the vault holds then.
// Outstanding leases are untouched; they destroy on release if unhealthy.
// Returns the number of connections destroyed.
func (m *Manager) Drain(account string) int {
	m.mu.Lock()
	p, ok := m.pools[account]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	conns := p.idle
	p.idle = nil
	p.total -= len(conns)
	m.mu.Unlock()

	for _, pc := range conns {
		_ = pc.conn.Close()
	}
	return len(conns)
}

// AccountStats describes one account pool.
type AccountStats struct {
	Account string `json:"account"`
	Total   int    `json:"total"`
	Idle    int    `json:"idle"`
	Active  int    `json:"active"`
	Healthy int    `json:"healthy"`
	Max     int    `json:"max"`
}

// Stats returns per-account pool counts.
func (m *Manager) Stats() map[string]AccountStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AccountStats, len(m.pools))
	for account, p := range m.pools {
		healthy := 0
		for _, pc := range p.idle {
			if pc.healthy {
				healthy++
			}
		}
		out[account] = AccountStats{
			Account: account,
			Total:   p.total,
			Idle:    len(p.idle),
			Active:  p.total - len(p.idle),
			Healthy: healthy,
			Max:     p.ceiling,
		}
	}
	return out
}

// Close stops the health loop and destroys all idle connections.
// Outstanding leases are destroyed on release.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	var conns []*pooledConn
	for _, p := range m.pools {
		conns = append(conns, p.idle...)
		p.total -= len(p.idle)
		p.idle = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, pc := range conns {
		_ = pc.conn.Close()
	}
}
