// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cdeskhq/cdesk-telemetry/pkg/logging"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/breaker"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/config"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/contextcache"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/dispatch"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/eventlog"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/health"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/metrics"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/pool"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/querytag"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/routes"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/scheduler"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/sqltemplate"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/vault"
	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/warehouse"
)

// shutdownGrace bounds the HTTP drain on SIGTERM.
const shutdownGrace = 10 * time.Second

func runServe(_ *cobra.Command, _ []string) error {
	cfg, accounts, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Service.LogLevel),
		LogDir:  cfg.Service.LogDir,
		Service: "telemetryd",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	log := logger.Slog()
	log.Info("starting telemetryd", "version", version, "accounts", len(accounts))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Warehouse access: breakers gate the vault, the vault feeds the pools.
	breakers := breaker.NewSet(breakerConfig(cfg, log))
	vopts := vault.DefaultOptions()
	vopts.Gate = breakers.Allows
	vopts.Logger = log
	v := vault.New(accounts, vopts)

	mgr := pool.NewManager(v, breakers, warehouse.NewSnowflakeDialer(), poolConfig(cfg, log))
	defer mgr.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgr.Initialize(initCtx); err != nil {
		// The warehouse being unreachable at boot is survivable; the pools
		// dial lazily and the breakers handle the rest.
		log.Warn("pool warmup incomplete", "error", err)
	}
	cancel()

	tags, err := querytag.NewGenerator()
	if err != nil {
		return err
	}
	templates, err := sqltemplate.NewBuiltinRegistry(cfg.Tables)
	if err != nil {
		return err
	}

	events, err := eventlog.Open(eventlogConfig(cfg, log))
	if err != nil {
		return err
	}
	defer events.Close()

	cache := contextcache.New(cacheConfig(cfg, log))
	defer cache.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(metricsConfig(cfg, registry, log))
	defer collector.Close()

	layer := dispatch.NewWarehouseLayer(v, breakers, mgr, templates, tags,
		cfg.Scheduler.Deadline.Std(), log)
	sched := scheduler.New(layer, schedulerConfig(cfg, log))
	defer sched.Close()

	monitor := health.NewMonitor(v, breakers, mgr, healthConfig(cfg, log))
	monitor.Start(ctx)
	defer monitor.Stop()

	dispatcher := dispatch.New(dispatchConfig(cfg, log), tags, events, cache,
		sched, layer, templates, collector)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, routes.Deps{
		Dispatcher: dispatcher,
		Monitor:    monitor,
		Vault:      v,
		Breakers:   breakers,
		Pools:      mgr,
		EventLog:   events,
		Cache:      cache,
		Collector:  collector,
		Gatherer:   registry,
	})

	srv := &http.Server{
		Addr:              cfg.Service.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Service.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn("http drain incomplete", "error", err)
	}
	// The deferred closes flush the event log and stop the background loops.
	return nil
}

// The config file leaves most knobs optional; each builder overlays the set
// fields on the component defaults.

func breakerConfig(cfg *config.Config, log *slog.Logger) breaker.Config {
	out := breaker.DefaultConfig()
	out.Logger = log
	if cfg.Breaker.FailureThreshold > 0 {
		out.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if d := cfg.Breaker.Window.Std(); d > 0 {
		out.Window = d
	}
	if d := cfg.Breaker.Cooldown.Std(); d > 0 {
		out.Cooldown = d
	}
	if cfg.Breaker.SuccessThreshold > 0 {
		out.SuccessThreshold = cfg.Breaker.SuccessThreshold
	}
	if d := cfg.Breaker.MaxBackoff.Std(); d > 0 {
		out.MaxBackoff = d
	}
	if d := cfg.Breaker.ProbeTimeout.Std(); d > 0 {
		out.ProbeTimeout = d
	}
	return out
}

func poolConfig(cfg *config.Config, log *slog.Logger) pool.Config {
	out := pool.DefaultConfig()
	out.Logger = log
	if cfg.Pool.MinSize > 0 {
		out.MinSize = cfg.Pool.MinSize
	}
	if cfg.Pool.MaxSize > 0 {
		out.MaxSize = cfg.Pool.MaxSize
	}
	if d := cfg.Pool.ConnectTimeout.Std(); d > 0 {
		out.ConnectTimeout = d
	}
	if d := cfg.Pool.HealthInterval.Std(); d > 0 {
		out.HealthInterval = d
	}
	if d := cfg.Pool.HealthTimeout.Std(); d > 0 {
		out.HealthTimeout = d
	}
	if d := cfg.Pool.MaxIdle.Std(); d > 0 {
		out.MaxIdle = d
	}
	return out
}

func eventlogConfig(cfg *config.Config, log *slog.Logger) eventlog.Config {
	out := eventlog.DefaultConfig()
	out.Logger = log
	out.Dir = cfg.EventLog.Dir
	if cfg.EventLog.MaxBytes > 0 {
		out.MaxBytes = cfg.EventLog.MaxBytes
	}
	if d := cfg.EventLog.MaxAge.Std(); d > 0 {
		out.MaxAge = d
	}
	if cfg.EventLog.MaxEvents > 0 {
		out.MaxEvents = cfg.EventLog.MaxEvents
	}
	if cfg.EventLog.FlushThreshold > 0 {
		out.FlushThreshold = cfg.EventLog.FlushThreshold
	}
	if d := cfg.EventLog.FlushInterval.Std(); d > 0 {
		out.FlushInterval = d
	}
	return out
}

func cacheConfig(cfg *config.Config, log *slog.Logger) contextcache.Config {
	out := contextcache.DefaultConfig()
	out.Logger = log
	if cfg.Cache.MaxEntries > 0 {
		out.MaxEntries = cfg.Cache.MaxEntries
	}
	if d := cfg.Cache.TTL.Std(); d > 0 {
		out.TTL = d
	}
	if cfg.Cache.FilterCardinality > 0 {
		out.FilterCardinality = cfg.Cache.FilterCardinality
	}
	if cfg.Cache.FilterFPRate > 0 {
		out.FilterFPRate = cfg.Cache.FilterFPRate
	}
	return out
}

func schedulerConfig(cfg *config.Config, log *slog.Logger) scheduler.Config {
	out := scheduler.DefaultConfig()
	out.Logger = log
	if cfg.Scheduler.MaxConcurrent > 0 {
		out.MaxConcurrent = cfg.Scheduler.MaxConcurrent
	}
	if d := cfg.Scheduler.Deadline.Std(); d > 0 {
		out.Deadline = d
	}
	if d := cfg.Scheduler.Retention.Std(); d > 0 {
		out.Retention = d
	}
	return out
}

func metricsConfig(cfg *config.Config, reg prometheus.Registerer, log *slog.Logger) metrics.Config {
	out := metrics.DefaultConfig()
	out.Logger = log
	out.Registerer = reg
	if cfg.Metrics.ReservoirSize > 0 {
		out.ReservoirSize = cfg.Metrics.ReservoirSize
	}
	if d := cfg.Metrics.RollupInterval.Std(); d > 0 {
		out.RollupInterval = d
	}
	return out
}

func healthConfig(cfg *config.Config, log *slog.Logger) health.Config {
	out := health.DefaultConfig()
	out.Logger = log
	out.Sink = &health.LogSink{Logger: log}
	if d := cfg.Health.CheckInterval.Std(); d > 0 {
		out.CheckInterval = d
	}
	if cfg.Health.MinAvailableAccounts > 0 {
		out.MinAvailableAccounts = cfg.Health.MinAvailableAccounts
	}
	if d := cfg.Health.AlertCooldown.Std(); d > 0 {
		out.AlertCooldown = d
	}
	if cfg.Health.MaxAlertsPerHour > 0 {
		out.MaxAlertsPerHour = cfg.Health.MaxAlertsPerHour
	}
	return out
}

func dispatchConfig(cfg *config.Config, log *slog.Logger) dispatch.Config {
	out := dispatch.Config{
		DefaultCustomer: cfg.Service.Customer,
		SessionID:       cfg.Service.SessionID,
		Source:          cfg.Service.Source,
		SourceVersion:   cfg.Service.SourceVersion,
		Logger:          log,
	}
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	if out.Source == "" {
		out.Source = "cdesk-desktop"
	}
	if out.SourceVersion == "" {
		out.SourceVersion = version
	}
	if len(cfg.Budgets) > 0 {
		out.Budgets = dispatch.DefaultBudgets()
		for tool, d := range cfg.Budgets {
			out.Budgets[tool] = d.Std()
		}
	}
	return out
}
