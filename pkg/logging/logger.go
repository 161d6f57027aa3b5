// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging sets up structured logging for the telemetry daemon.
//
// Output goes to stderr as human-readable text; when a log directory is
// configured, a daily JSON file is written alongside it so the same records
// can be shipped off-host. Both destinations run through slog handlers, so
// every component downstream just takes a *slog.Logger.
//
// This package does not redact anything. Callers must keep secrets and PII
// out of log attributes.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the minimum severity that gets through.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level. Unknown strings fall back to
// info rather than erroring; a typo in a log level should never stop the
// daemon from starting.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity emitted.
	Level Level

	// LogDir enables the daily JSON file when set. Supports ~ expansion.
	// The directory is created if missing.
	LogDir string

	// Service names the daily file: {service}_{YYYY-MM-DD}.log.
	Service string

	// JSON switches the stderr stream from text to JSON lines.
	JSON bool

	// Quiet drops the stderr stream entirely, leaving only the file.
	Quiet bool
}

// Logger owns the configured slog destinations and the file handle behind
// them.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a logger from the config. Construction never fails: if the log
// file cannot be opened the logger degrades to stderr-only and says so
// there.
func New(cfg Config) *Logger {
	if cfg.Service == "" {
		cfg.Service = "cdesk"
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	l := &Logger{}
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
		} else {
			l.file = file
			// The file is always JSON regardless of the stderr format;
			// uploaders parse it line by line.
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	switch len(handlers) {
	case 0:
		l.slog = slog.New(slog.NewTextHandler(io.Discard, opts))
	case 1:
		l.slog = slog.New(handlers[0])
	default:
		l.slog = slog.New(fanoutHandler(handlers))
	}
	l.slog = l.slog.With("service", cfg.Service)
	return l
}

// Slog returns the underlying slog.Logger for components to carry around.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close syncs and closes the log file, if any. Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// fanoutHandler duplicates records across handlers. Enabled checks are left
// to each handler so the stderr and file levels stay independent of how
// many destinations exist.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// openLogFile creates the directory and opens today's file in append mode.
func openLogFile(dir, service string) (*os.File, error) {
	dir = expandHome(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// expandHome resolves a leading ~ against the current user's home directory.
// Paths that cannot be resolved are returned unchanged.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
