// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package eventlog implements the durable on-disk activity log.
//
// The log is single-writer: any goroutine may call Append, but disk writes
// are serialized behind one mutex. Records are buffered and flushed either
// when the buffer reaches the flush threshold or when the flush timer fires,
// whichever comes first. Segments rotate on size or age; a rotated segment
// is synced to disk and renamed to drop its ".active" suffix, which is the
// signal downstream uploaders use to pick it up.
//
// Durability contract: a successful Append does not promise the record is on
// disk; a successful Rotate or Close does.
package eventlog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/faults"
)

// activeSuffix marks the segment currently owned by a writer. Uploaders must
// skip files carrying it.
const activeSuffix = ".active"

// Event is one activity record. All fields marshal onto a single JSON line.
//
// Occurrence is the upstream deduplication counter: the Nth time this
// activity repeated for this customer. The ingest side computes it; the log
// only persists it, defaulting to 1 for a first sighting.
type Event struct {
	ID                   string          `json:"id"`
	Activity             string          `json:"activity"`
	Customer             string          `json:"customer"`
	Timestamp            time.Time       `json:"ts"`
	Tag                  string          `json:"tag,omitempty"`
	Link                 string          `json:"link,omitempty"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	SessionID            string          `json:"session_id,omitempty"`
	Source               string          `json:"source,omitempty"`
	SourceVersion        string          `json:"source_version,omitempty"`
	RevenueImpact        float64         `json:"revenue_impact,omitempty"`
	Occurrence           int             `json:"occurrence"`
	PreviousOccurrenceTS *time.Time      `json:"previous_occurrence_ts,omitempty"`
}

// Config tunes the log.
type Config struct {
	// Dir is the segment directory. Created if missing.
	Dir string

	// MaxBytes rotates the segment when the next record would push past it.
	MaxBytes int64

	// MaxAge rotates a non-empty segment after this long.
	MaxAge time.Duration

	// MaxEvents is the backpressure ceiling on buffered (unflushed) records.
	MaxEvents int

	// FlushThreshold flushes the buffer when it holds this many records.
	FlushThreshold int

	// FlushInterval is the low-latency flush timer.
	FlushInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns production log settings.
func DefaultConfig() Config {
	return Config{
		MaxBytes:       16 << 20,
		MaxAge:         60 * time.Second,
		MaxEvents:      100_000,
		FlushThreshold: 100,
		FlushInterval:  100 * time.Millisecond,
	}
}

// Stats is the log's observable state.
type Stats struct {
	Segment             string    `json:"segment"`
	SegmentBytes        int64     `json:"segment_bytes"`
	BufferedRecords     int       `json:"buffered_records"`
	TotalAppended       int64     `json:"total_appended"`
	TotalRotations      int64     `json:"total_rotations"`
	DroppedBackpressure int64     `json:"dropped_backpressure"`
	LastFlush           time.Time `json:"last_flush,omitempty"`
}

// Log is the append-only rotating segment writer.
//
// # Thread Safety
//
// Safe for concurrent use. The mutex covers the buffer and the active
// segment; the fsync at rotation happens under the mutex, which is the
// accepted blocking point on this path.
type Log struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	file      *os.File
	segName   string
	segBytes  int64 // bytes flushed to the active segment
	bufBytes  int64 // bytes buffered but not yet written
	buf       []byte
	buffered  int
	openedAt  time.Time
	lastFlush time.Time
	closed    bool

	appended  int64
	rotations int64
	dropped   int64

	rotating atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Open creates the directory if needed, opens a fresh active segment, and
// starts the flush timer.
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, faults.Config("event log directory not configured")
	}
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = def.FlushThreshold
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, faults.Wrap(faults.KindIO, fmt.Errorf("create event log directory: %w", err))
	}

	l := &Log{
		cfg:    cfg,
		log:    cfg.Logger,
		stopCh: make(chan struct{}),
	}
	if err := l.openSegmentLocked(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

// Append serializes the event and enqueues it for the next flush. Missing
// id and timestamp are filled in. Returns the event id.
func (l *Log) Append(ev *Event) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", faults.New(faults.KindIO, "event log is closed")
	}
	if l.buffered >= l.cfg.MaxEvents {
		l.dropped++
		return "", faults.New(faults.KindBackpressure,
			"event log buffer full (%d pending records)", l.buffered)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Occurrence == 0 {
		ev.Occurrence = 1
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return "", faults.Validation("metadata", "event not serializable")
	}
	line = append(line, '\n')

	// Rotate first if this record would push the segment past the cap.
	if l.segBytes+l.bufBytes+int64(len(line)) > l.cfg.MaxBytes {
		if err := l.rotateLocked(); err != nil {
			return "", err
		}
	}

	l.buf = append(l.buf, line...)
	l.bufBytes += int64(len(line))
	l.buffered++
	l.appended++

	if l.buffered >= l.cfg.FlushThreshold {
		if err := l.flushLocked(); err != nil {
			return "", err
		}
	}
	return ev.ID, nil
}

// Flush forces buffered records to the active segment. No durability
// barrier; use Rotate or Close for that.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

// Rotate flushes, syncs, finalizes the active segment, and opens a new one.
// A rotation that arrives while another is in flight returns immediately
// without creating a second segment.
func (l *Log) Rotate() error {
	if !l.rotating.CompareAndSwap(false, true) {
		return nil
	}
	defer l.rotating.Store(false)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return faults.New(faults.KindIO, "event log is closed")
	}
	return l.rotateLocked()
}

// Close flushes, syncs, finalizes the active segment, and stops the timer.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.finalizeLocked()
}

// Stats returns a point-in-time view of the log.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Segment:             l.segName,
		SegmentBytes:        l.segBytes,
		BufferedRecords:     l.buffered,
		TotalAppended:       l.appended,
		TotalRotations:      l.rotations,
		DroppedBackpressure: l.dropped,
		LastFlush:           l.lastFlush,
	}
}

// ActiveSegment returns the path of the segment currently being written.
func (l *Log) ActiveSegment() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return filepath.Join(l.cfg.Dir, l.segName)
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.buffered > 0 {
				if err := l.flushLocked(); err != nil {
					l.log.Error("event log flush failed", "error", err)
				}
			}
			// Age-based rotation only applies to segments holding data.
			if l.segBytes > 0 && time.Since(l.openedAt) >= l.cfg.MaxAge {
				if err := l.rotateLocked(); err != nil {
					l.log.Error("event log rotation failed", "error", err)
				}
			}
			l.mu.Unlock()
		}
	}
}

// flushLocked writes the buffer to the active segment in append order. On a
// write error the buffer is kept for the next attempt.
func (l *Log) flushLocked() error {
	if l.buffered == 0 {
		return nil
	}
	n, err := l.file.Write(l.buf)
	if err != nil {
		// Partial writes still advance the segment so rotation accounting
		// stays truthful about what reached the file.
		l.segBytes += int64(n)
		l.buf = l.buf[n:]
		l.bufBytes -= int64(n)
		return faults.Wrap(faults.KindIO, fmt.Errorf("write event log segment: %w", err))
	}
	l.segBytes += int64(n)
	l.buf = l.buf[:0]
	l.bufBytes = 0
	l.buffered = 0
	l.lastFlush = time.Now()
	return nil
}

// rotateLocked flushes, syncs, renames the active segment to its final name,
// and opens a fresh one.
func (l *Log) rotateLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.finalizeLocked(); err != nil {
		return err
	}
	if err := l.openSegmentLocked(); err != nil {
		return err
	}
	l.rotations++
	l.log.Info("event log segment rotated", "segment", l.segName)
	return nil
}

// finalizeLocked syncs and closes the active segment, then strips its
// active suffix so uploaders will collect it. Empty segments are deleted.
func (l *Log) finalizeLocked() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return faults.Wrap(faults.KindIO, fmt.Errorf("sync event log segment: %w", err))
	}
	if err := l.file.Close(); err != nil {
		return faults.Wrap(faults.KindIO, fmt.Errorf("close event log segment: %w", err))
	}
	activePath := filepath.Join(l.cfg.Dir, l.segName)
	if l.segBytes == 0 {
		l.file = nil
		return os.Remove(activePath)
	}
	finalPath := strings.TrimSuffix(activePath, activeSuffix)
	if err := os.Rename(activePath, finalPath); err != nil {
		return faults.Wrap(faults.KindIO, fmt.Errorf("finalize event log segment: %w", err))
	}
	l.file = nil
	return nil
}

// openSegmentLocked creates a new active segment named for the wall clock
// plus a random suffix.
func (l *Log) openSegmentLocked() error {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return faults.Wrap(faults.KindIO, fmt.Errorf("segment name entropy: %w", err))
	}
	name := fmt.Sprintf("events-%s-%s.jsonl%s",
		time.Now().UTC().Format("20060102T150405.000"),
		hex.EncodeToString(suffix[:]),
		activeSuffix)

	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return faults.Wrap(faults.KindIO, fmt.Errorf("open event log segment: %w", err))
	}
	l.file = f
	l.segName = name
	l.segBytes = 0
	l.openedAt = time.Now()
	return nil
}
