// Package audit appends task lifecycle decisions to daily JSONL files.
// Records are best-effort: a write failure is counted and logged, never
// propagated, so auditing can never block orchestration.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drover-io/drover/pkg/metrics"
)

// Record is one audit line. Details hold event-specific fields; for denied
// plans the full command text goes here and nowhere public.
type Record struct {
	TS      time.Time      `json:"ts"`
	TaskID  string         `json:"task_id"`
	Event   string         `json:"event"`
	Version int64          `json:"version,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Log writes records to <dir>/audit-YYYY-MM-DD.jsonl, rotating by date.
type Log struct {
	dir string

	mu       sync.Mutex
	file     *os.File
	fileDate string

	failures atomic.Int64
}

// NewLog builds an audit log rooted at dir. The directory is created on the
// first write, not here, so a misconfigured path surfaces as counted
// failures instead of a boot error.
func NewLog(dir string) *Log {
	return &Log{dir: dir}
}

// Write appends one record. A zero TS is stamped with the current time.
func (l *Log) Write(rec Record) {
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		l.fail(rec, err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.fileFor(rec.TS)
	if err != nil {
		l.fail(rec, err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.fail(rec, err)
	}
}

// fileFor returns the open file for the record's date, rotating as needed.
// Caller holds l.mu.
func (l *Log) fileFor(ts time.Time) (*os.File, error) {
	date := ts.Format("2006-01-02")
	if l.file != nil && l.fileDate == date {
		return l.file, nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(l.dir, "audit-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	l.file = f
	l.fileDate = date
	return f, nil
}

func (l *Log) fail(rec Record, err error) {
	l.failures.Add(1)
	metrics.AuditWriteFailures.Inc()
	slog.Error("Audit write failed", "task_id", rec.TaskID, "event", rec.Event, "error", err)
}

// Failures returns how many records could not be written. Surfaced on
// /health so silent audit loss is visible.
func (l *Log) Failures() int64 {
	return l.failures.Load()
}

// Close closes the current file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
