// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vault owns the in-memory warehouse account list.
//
// Accounts are ordered by priority rank; the vault decides WHO to use, the
// circuit breaker decides WHETHER a call may proceed, and the pool manager
// decides WITH WHAT connection. The three communicate through small
// synchronous calls: the vault consults the breaker through an injected gate
// function and reports failures back through an injected callback, so there
// is no shared mutable "system" object and each corner of the triangle tests
// in isolation.
//
// Account secrets live in memguard enclaves and are opened only for the
// duration of a dial.
package vault

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// ErrUnknownAccount is returned for operations on an unregistered username.
var ErrUnknownAccount = errors.New("vault: unknown account")

// AccountConfig is the static configuration for one warehouse account.
type AccountConfig struct {
	Username  string `yaml:"username"`
	Account   string `yaml:"account"`
	Warehouse string `yaml:"warehouse"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Role      string `yaml:"role"`

	// Secret is consumed into a locked enclave at vault construction and
	// must not be retained by the caller.
	Secret string `yaml:"secret"`

	// Priority is the selection rank; lower is preferred.
	Priority int `yaml:"priority"`

	// MaxConnections is the per-account pool ceiling.
	MaxConnections int `yaml:"max_connections"`

	// Disabled accounts are never selected.
	Disabled bool `yaml:"disabled"`
}

// Account is the runtime record for one account.
type Account struct {
	Username       string
	Priority       int
	MaxConnections int
	Disabled       bool

	// Connection parameters minus the secret.
	AccountName string
	Warehouse   string
	Database    string
	Schema      string
	Role        string

	// Counters and cooldown bookkeeping. Guarded by the vault mutex.
	TotalAttempts       int64
	TotalSuccesses      int64
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	CooldownUntil       time.Time

	// cooldownStreak counts consecutive cooldown entries, driving the
	// doubling backoff.
	cooldownStreak int

	secret *memguard.Enclave
}

// Snapshot is a copy of an account's observable state.
type Snapshot struct {
	Username            string    `json:"username"`
	Priority            int       `json:"priority"`
	MaxConnections      int       `json:"max_connections"`
	Disabled            bool      `json:"disabled"`
	InCooldown          bool      `json:"in_cooldown"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	TotalAttempts       int64     `json:"total_attempts"`
	TotalSuccesses      int64     `json:"total_successes"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// Options configures vault failure handling.
type Options struct {
	// MaxConsecutiveFailures before an account enters cooldown.
	MaxConsecutiveFailures int

	// BackoffBase is the first cooldown duration. Doubles per consecutive
	// cooldown entry, capped at BackoffCeiling.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration

	// RotateHold is how long Rotate benches an account so selection moves
	// to the next priority rank while its credentials are swapped out.
	RotateHold time.Duration

	// Gate is consulted before Next returns an account. Nil means always
	// allowed. Wired to the circuit breaker's CanExecute.
	Gate func(username string) bool

	// OnFailure is invoked after RecordFailure bookkeeping. Wired to the
	// circuit breaker's RecordFailure.
	OnFailure func(username string, reason string)

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// DefaultOptions returns production failure-handling defaults.
func DefaultOptions() Options {
	return Options{
		MaxConsecutiveFailures: 3,
		BackoffBase:            30 * time.Second,
		BackoffCeiling:         10 * time.Minute,
		RotateHold:             5 * time.Minute,
	}
}

// Vault is the priority-ordered account list.
//
// # Thread Safety
//
// Safe for concurrent use. All state is guarded by one mutex; every
// operation is a short critical section.
type Vault struct {
	mu       sync.Mutex
	accounts []*Account // sorted by (priority, insertion order)
	byName   map[string]*Account
	opts     Options
	log      *slog.Logger
}

// New builds a vault from account configuration.
//
// Secrets are moved into memguard enclaves. The input order breaks priority
// ties, so selection is deterministic given state.
func New(configs []AccountConfig, opts Options) *Vault {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffCeiling <= 0 {
		opts.BackoffCeiling = 10 * time.Minute
	}
	if opts.RotateHold <= 0 {
		opts.RotateHold = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	v := &Vault{byName: make(map[string]*Account, len(configs)), opts: opts, log: log}
	for _, cfg := range configs {
		acct := &Account{
			Username:       cfg.Username,
			Priority:       cfg.Priority,
			MaxConnections: cfg.MaxConnections,
			Disabled:       cfg.Disabled,
			AccountName:    cfg.Account,
			Warehouse:      cfg.Warehouse,
			Database:       cfg.Database,
			Schema:         cfg.Schema,
			Role:           cfg.Role,
			secret:         memguard.NewEnclave([]byte(cfg.Secret)),
		}
		v.accounts = append(v.accounts, acct)
		v.byName[acct.Username] = acct
	}
	// Stable sort preserves insertion order within a priority rank.
	sort.SliceStable(v.accounts, func(i, j int) bool {
		return v.accounts[i].Priority < v.accounts[j].Priority
	})
	return v
}

// Next returns the preferred selectable account, or nil when no candidate
// qualifies.
//
// An account qualifies when it is enabled, not in cooldown, and allowed by
// the circuit-breaker gate. The lowest priority rank wins; ties break by
// configuration order.
func (v *Vault) Next() *Account {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.opts.Clock()
	for _, acct := range v.accounts {
		if !v.selectableLocked(acct, now) {
			continue
		}
		return acct
	}
	return nil
}

// Candidates returns all currently selectable accounts in preference order.
// The pool manager walks this list once per acquire.
func (v *Vault) Candidates() []*Account {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.opts.Clock()
	var out []*Account
	for _, acct := range v.accounts {
		if v.selectableLocked(acct, now) {
			out = append(out, acct)
		}
	}
	return out
}

func (v *Vault) selectableLocked(acct *Account, now time.Time) bool {
	if acct.Disabled {
		return false
	}
	if now.Before(acct.CooldownUntil) {
		return false
	}
	if v.opts.Gate != nil && !v.opts.Gate(acct.Username) {
		return false
	}
	return true
}

// RecordSuccess resets failure bookkeeping for the account.
func (v *Vault) RecordSuccess(username string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	acct, ok := v.byName[username]
	if !ok {
		return
	}
	acct.TotalAttempts++
	acct.TotalSuccesses++
	acct.ConsecutiveFailures = 0
	acct.cooldownStreak = 0
	acct.CooldownUntil = time.Time{}
	acct.LastSuccess = v.opts.Clock()
}

// RecordFailure increments failure bookkeeping and enters cooldown once the
// consecutive-failure ceiling is reached. The breaker callback fires after
// the vault's own bookkeeping, outside the lock.
func (v *Vault) RecordFailure(username, reason string) {
	v.mu.Lock()
	acct, ok := v.byName[username]
	if !ok {
		v.mu.Unlock()
		return
	}
	now := v.opts.Clock()
	acct.TotalAttempts++
	acct.ConsecutiveFailures++
	acct.LastFailure = now

	if acct.ConsecutiveFailures >= v.opts.MaxConsecutiveFailures {
		backoff := v.opts.BackoffBase << acct.cooldownStreak
		if backoff > v.opts.BackoffCeiling || backoff <= 0 {
			backoff = v.opts.BackoffCeiling
		}
		acct.cooldownStreak++
		acct.ConsecutiveFailures = 0
		acct.CooldownUntil = now.Add(backoff)
		v.log.Warn("account entering cooldown",
			"username", username,
			"reason", reason,
			"cooldown_until", acct.CooldownUntil,
			"backoff", backoff)
	}
	onFailure := v.opts.OnFailure
	v.mu.Unlock()

	if onFailure != nil {
		onFailure(username, reason)
	}
}

// Unlock clears cooldown and failure counters for the account (admin path).
func (v *Vault) Unlock(username string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	acct, ok := v.byName[username]
	if !ok {
		return false
	}
	acct.ConsecutiveFailures = 0
	acct.cooldownStreak = 0
	acct.CooldownUntil = time.Time{}
	v.log.Info("account unlocked", "username", username)
	return true
}

// Rotate benches the account for the rotate hold so selection refreshes to
// the next priority rank (admin path, used while credentials are swapped
// out). Failure counters reset; the bench is not a failure.
func (v *Vault) Rotate(username string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	acct, ok := v.byName[username]
	if !ok {
		return false
	}
	acct.ConsecutiveFailures = 0
	acct.cooldownStreak = 0
	acct.CooldownUntil = v.opts.Clock().Add(v.opts.RotateHold)
	v.log.Info("account benched for credential rotation",
		"username", username, "until", acct.CooldownUntil)
	return true
}

// ListAll returns snapshots of every account in priority order.
func (v *Vault) ListAll() []Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.opts.Clock()
	out := make([]Snapshot, 0, len(v.accounts))
	for _, acct := range v.accounts {
		out = append(out, v.snapshotLocked(acct, now))
	}
	return out
}

// ListActive returns snapshots of currently selectable accounts.
func (v *Vault) ListActive() []Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.opts.Clock()
	var out []Snapshot
	for _, acct := range v.accounts {
		if v.selectableLocked(acct, now) {
			out = append(out, v.snapshotLocked(acct, now))
		}
	}
	return out
}

func (v *Vault) snapshotLocked(acct *Account, now time.Time) Snapshot {
	return Snapshot{
		Username:            acct.Username,
		Priority:            acct.Priority,
		MaxConnections:      acct.MaxConnections,
		Disabled:            acct.Disabled,
		InCooldown:          now.Before(acct.CooldownUntil),
		CooldownUntil:       acct.CooldownUntil,
		TotalAttempts:       acct.TotalAttempts,
		TotalSuccesses:      acct.TotalSuccesses,
		ConsecutiveFailures: acct.ConsecutiveFailures,
		LastSuccess:         acct.LastSuccess,
		LastFailure:         acct.LastFailure,
	}
}

// Get returns the account record for username, or nil.
func (v *Vault) Get(username string) *Account {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.byName[username]
}

// Usernames returns all account usernames in priority order.
func (v *Vault) Usernames() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.accounts))
	for _, acct := range v.accounts {
		out = append(out, acct.Username)
	}
	return out
}

// DialParams assembles warehouse dial parameters for the account, opening
// the secret enclave just long enough to copy the secret into the returned
// struct. The caller must not retain the Params beyond the dial.
func (v *Vault) DialParams(username string, connectTimeout time.Duration) (warehouse.Params, error) {
	v.mu.Lock()
	acct, ok := v.byName[username]
	v.mu.Unlock()
	if !ok {
		return warehouse.Params{}, ErrUnknownAccount
	}

	buf, err := acct.secret.Open()
	if err != nil {
		return warehouse.Params{}, err
	}
	defer buf.Destroy()

	// string(Bytes()) copies out of the locked buffer; the copy lives only
	// for the dial.
	return warehouse.Params{
		Account:        acct.AccountName,
		Username:       acct.Username,
		Secret:         string(buf.Bytes()),
		Warehouse:      acct.Warehouse,
		Database:       acct.Database,
		Schema:         acct.Schema,
		Role:           acct.Role,
		ConnectTimeout: connectTimeout,
	}, nil
}
