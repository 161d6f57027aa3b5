// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the telemetry service configuration.
//
// Configuration comes from a YAML file with environment overrides on top.
// Secrets never belong in the file: each account's secret is named by an
// environment variable, and exactly one account must be designated as the
// fallback. Validation failures are ConfigError faults; the process must
// not start with a half-valid configuration.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cdeskhq/cdesk-telemetry/pkg/validation"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/sqltemplate"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
)

// Duration is a time.Duration that unmarshals from YAML scalars like
// "30s" or "5m" as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return faults.Config("invalid duration %q: %v", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return faults.Config("invalid duration value at line %d", value.Line)
	}
	*d = Duration(n)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AccountConfig is one warehouse account in the file. The secret arrives
// through SecretEnv, not the file itself.
type AccountConfig struct {
	Username       string `yaml:"username"`
	Account        string `yaml:"account"`
	Warehouse      string `yaml:"warehouse"`
	Database       string `yaml:"database"`
	Schema         string `yaml:"schema"`
	Role           string `yaml:"role"`
	Priority       int    `yaml:"priority"`
	MaxConnections int    `yaml:"max_connections"`
	Disabled       bool   `yaml:"disabled"`

	// SecretEnv names the environment variable holding this account's
	// secret.
	SecretEnv string `yaml:"secret_env"`

	// Fallback marks the account of last resort. Exactly one enabled
	// account must carry it.
	Fallback bool `yaml:"fallback"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	MinSize        int      `yaml:"min_size"`
	MaxSize        int      `yaml:"max_size"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	HealthInterval Duration `yaml:"health_interval"`
	HealthTimeout  Duration `yaml:"health_timeout"`
	MaxIdle        Duration `yaml:"max_idle"`
}

// BreakerConfig mirrors breaker.Config.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	Window           Duration `yaml:"window"`
	Cooldown         Duration `yaml:"cooldown"`
	SuccessThreshold int      `yaml:"success_threshold"`
	MaxBackoff       Duration `yaml:"max_backoff"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
}

// HealthConfig mirrors health.Config.
type HealthConfig struct {
	CheckInterval        Duration `yaml:"check_interval"`
	MinAvailableAccounts int      `yaml:"min_available_accounts"`
	AlertCooldown        Duration `yaml:"alert_cooldown"`
	MaxAlertsPerHour     int      `yaml:"max_alerts_per_hour"`
}

// EventLogConfig mirrors eventlog.Config.
type EventLogConfig struct {
	Dir            string   `yaml:"dir"`
	MaxBytes       int64    `yaml:"max_bytes"`
	MaxAge         Duration `yaml:"max_age"`
	MaxEvents      int      `yaml:"max_events"`
	FlushThreshold int      `yaml:"flush_threshold"`
	FlushInterval  Duration `yaml:"flush_interval"`
}

// CacheConfig mirrors contextcache.Config.
type CacheConfig struct {
	MaxEntries        int      `yaml:"max_entries"`
	TTL               Duration `yaml:"ttl"`
	FilterCardinality uint     `yaml:"filter_cardinality"`
	FilterFPRate      float64  `yaml:"filter_fp_rate"`
}

// SchedulerConfig mirrors scheduler.Config.
type SchedulerConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	Deadline      Duration `yaml:"deadline"`
	Retention     Duration `yaml:"retention"`
}

// MetricsConfig mirrors metrics.Config.
type MetricsConfig struct {
	ReservoirSize  int      `yaml:"reservoir_size"`
	RollupInterval Duration `yaml:"rollup_interval"`
}

// ServiceConfig is the outer service surface.
type ServiceConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	LogLevel      string `yaml:"log_level"`
	LogDir        string `yaml:"log_dir"`
	Customer      string `yaml:"customer"`
	SessionID     string `yaml:"session_id"`
	Source        string `yaml:"source"`
	SourceVersion string `yaml:"source_version"`
}

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig          `yaml:"service"`
	Accounts  []AccountConfig        `yaml:"accounts"`
	Tables    sqltemplate.TableNames `yaml:"tables"`
	Pool      PoolConfig             `yaml:"pool"`
	Breaker   BreakerConfig          `yaml:"breaker"`
	Health    HealthConfig           `yaml:"health"`
	EventLog  EventLogConfig         `yaml:"event_log"`
	Cache     CacheConfig            `yaml:"cache"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Budgets   map[string]Duration    `yaml:"budgets"`
}

// Load reads the file, applies environment overrides, resolves secrets, and
// validates. The returned vault account list carries resolved secrets.
func Load(path string) (*Config, []vault.AccountConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, faults.Config("read config %s: %v", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, faults.Config("parse config %s: %v", path, err)
	}
	applyEnvOverrides(&cfg)

	accounts, err := resolveAccounts(cfg.Accounts)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, accounts, nil
}

// applyEnvOverrides layers CDESK_* variables over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CDESK_LISTEN_ADDR"); v != "" {
		cfg.Service.ListenAddr = v
	}
	if v := os.Getenv("CDESK_LOG_LEVEL"); v != "" {
		cfg.Service.LogLevel = v
	}
	if v := os.Getenv("CDESK_LOG_DIR"); v != "" {
		cfg.Service.LogDir = v
	}
	if v := os.Getenv("CDESK_CUSTOMER"); v != "" {
		cfg.Service.Customer = v
	}
	if v := os.Getenv("CDESK_EVENT_LOG_DIR"); v != "" {
		cfg.EventLog.Dir = v
	}
	if v := os.Getenv("CDESK_POOL_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxSize = n
		}
	}
	if v := os.Getenv("CDESK_SCHEDULER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrent = n
		}
	}
}

// resolveAccounts pulls secrets from the environment and enforces the
// fallback rule: exactly one enabled account must be the fallback and its
// secret must resolve.
func resolveAccounts(accounts []AccountConfig) ([]vault.AccountConfig, error) {
	if len(accounts) == 0 {
		return nil, faults.Config("no warehouse accounts configured")
	}

	fallbacks := 0
	seen := make(map[string]bool, len(accounts))
	out := make([]vault.AccountConfig, 0, len(accounts))
	for i, ac := range accounts {
		if ac.Username == "" {
			return nil, faults.Config("account %d has no username", i)
		}
		if err := validation.Identifier(ac.Username); err != nil {
			return nil, faults.Config("account %q: invalid username: %v", ac.Username, err)
		}
		if seen[ac.Username] {
			return nil, faults.Config("account %q configured twice", ac.Username)
		}
		seen[ac.Username] = true

		if ac.SecretEnv == "" {
			return nil, faults.Config("account %q has no secret_env", ac.Username)
		}
		secret := os.Getenv(ac.SecretEnv)
		if secret == "" && !ac.Disabled {
			return nil, faults.Config("account %q: secret variable %s is empty", ac.Username, ac.SecretEnv)
		}
		if ac.Fallback && !ac.Disabled {
			fallbacks++
		}
		out = append(out, vault.AccountConfig{
			Username:       ac.Username,
			Account:        ac.Account,
			Warehouse:      ac.Warehouse,
			Database:       ac.Database,
			Schema:         ac.Schema,
			Role:           ac.Role,
			Secret:         secret,
			Priority:       ac.Priority,
			MaxConnections: ac.MaxConnections,
			Disabled:       ac.Disabled,
		})
	}
	if fallbacks != 1 {
		return nil, faults.Config("exactly one enabled fallback account required, found %d", fallbacks)
	}
	return out, nil
}

// validate applies cross-field checks that yaml decoding cannot express.
func (c *Config) validate() error {
	if c.Service.ListenAddr == "" {
		c.Service.ListenAddr = ":8900"
	}
	if c.Service.Customer != "" {
		if err := validation.Identifier(c.Service.Customer); err != nil {
			return faults.Config("service.customer: %v", err)
		}
	}
	if c.EventLog.Dir == "" {
		return faults.Config("event_log.dir is required")
	}
	if c.Pool.MinSize < 0 || (c.Pool.MaxSize > 0 && c.Pool.MinSize > c.Pool.MaxSize) {
		return faults.Config("pool.min_size %d exceeds pool.max_size %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Cache.FilterFPRate < 0 || c.Cache.FilterFPRate >= 1 {
		return faults.Config("cache.filter_fp_rate %v must be in [0, 1)", c.Cache.FilterFPRate)
	}
	for tool, budget := range c.Budgets {
		if budget <= 0 {
			return faults.Config("budget for tool %q must be positive", tool)
		}
	}
	// Table overrides must be bare identifiers; empty fields take defaults.
	tables := c.Tables.OrDefaults()
	if err := tables.Validate(); err != nil {
		return err
	}
	c.Tables = tables
	return nil
}

// ExampleYAML is a commented starting configuration, served by
// `telemetryd config example`.
const ExampleYAML = `service:
  listen_addr: ":8900"
  log_level: "info"
  log_dir: "~/.cdesk/logs"
  customer: "acme"
  source: "cdesk-desktop"

accounts:
  - username: "CDESK_SVC_PRIMARY"
    account: "xy12345.us-east-1"
    warehouse: "CDESK_WH"
    database: "CDESK_DB"
    schema: "TELEMETRY"
    role: "CDESK_WRITER"
    priority: 1
    max_connections: 4
    secret_env: "CDESK_SECRET_PRIMARY"
  - username: "CDESK_SVC_STANDBY"
    account: "xy12345.us-east-1"
    warehouse: "CDESK_WH"
    database: "CDESK_DB"
    schema: "TELEMETRY"
    role: "CDESK_WRITER"
    priority: 2
    max_connections: 2
    secret_env: "CDESK_SECRET_STANDBY"
    fallback: true

event_log:
  dir: "~/.cdesk/events"
  max_bytes: 16777216
  max_age: 60s
  max_events: 100000

cache:
  max_entries: 10000
  ttl: 5m

scheduler:
  max_concurrent: 5
  deadline: 30s
  retention: 1h
`
