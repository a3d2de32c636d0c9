// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for SysMon components.
//
// # Description
//
// Every component logs through the same slog-backed Logger: JSON records
// to stderr, optionally duplicated to a per-service file, optionally
// forwarded to a LogExporter. The zero-config path is one line:
//
//	logger := logging.New(logging.Config{Service: "aggregator"})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// File logging is off unless LogDir is set:
//
//	logger := logging.New(logging.Config{
//	    Service: "aggregator",
//	    LogDir:  "~/.sysmon/logs", // ~ expands
//	})
//
// # Inputs
//
// Log arguments are slog-style alternating key/value pairs:
//
//	logger.Info("batch stored", "host", hostname, "rows", n)
//
// Exporters are an extension point for enterprise builds; the open
// source default is nil (no export).
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

// Level is the minimum severity a Logger records.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

func (l Level) toSlogLevel() slog.Level {
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

// Config controls Logger construction. The zero value is a valid
// stderr-only logger for service "sysmon".
type Config struct {
	// Level is the minimum severity recorded. The zero value is
	// LevelDebug; set LevelInfo explicitly for production use.
	Level Level

	// Service names the component; it appears on every record and in
	// the log file name. Default: "sysmon".
	Service string

	// LogDir enables file logging to the given directory, created if
	// absent. Supports ~ expansion. Default: "" (no file).
	LogDir string

	// Output overrides the console writer. Default: os.Stderr.
	Output io.Writer

	// Exporter, when set, receives every record after local handling.
	// This is an extension point for enterprise builds. Default: nil.
	Exporter LogExporter
}

// LogEntry is the exporter-facing form of one record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Service string         `json:"service"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogExporter forwards records to an external sink (object storage, a
// log aggregation system, an OTLP collector).
//
// Export must not block; buffer internally and flush in batches. Flush
// drains the buffer and is called during shutdown, before Close
// releases resources.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// Logger wraps slog with service attribution, optional file output, and
// the exporter hook. Safe for concurrent use.
type Logger struct {
	slogger  *slog.Logger
	service  string
	level    Level
	file     *os.File
	exporter LogExporter
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// New builds a Logger from config. Construction never fails: if the log
// directory cannot be created or opened the file output is skipped and a
// warning goes to the console handler instead.
func New(config Config) *Logger {
	if config.Service == "" {
		config.Service = "sysmon"
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	handlers := []slog.Handler{slog.NewJSONHandler(out, opts)}

	var file *os.File
	var fileErr error
	if config.LogDir != "" {
		file, fileErr = openLogFile(config.LogDir, config.Service)
		if file != nil {
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}

	l := &Logger{
		slogger:  slog.New(handler).With("service", config.Service),
		service:  config.Service,
		level:    config.Level,
		file:     file,
		exporter: config.Exporter,
	}
	if fileErr != nil {
		l.Warn("File logging disabled", "dir", config.LogDir, "error", fileErr)
	}
	return l
}

// Default returns the process-wide fallback logger, a stderr-only INFO
// logger created on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(Config{Level: LevelInfo})
	})
	return defaultLogger
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// With returns a Logger carrying additional key/value context on every
// record. The file handle and exporter are shared, not duplicated.
func (l *Logger) With(args ...any) *Logger {
	clone := *l
	clone.slogger = l.slogger.With(args...)
	return &clone
}

// Slog exposes the underlying slog.Logger, typically for
// slog.SetDefault so third-party code logs through the same handlers.
func (l *Logger) Slog() *slog.Logger {
	return l.slogger
}

// Close flushes the exporter and closes the log file. Call once during
// shutdown; records logged after Close only reach the console handler.
func (l *Logger) Close() error {
	var firstErr error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			firstErr = err
		}
		if err := l.exporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.slogger.Log(context.Background(), level.toSlogLevel(), msg, args...)

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.exporter.Export(ctx, LogEntry{
			Time:    time.Now().UTC(),
			Level:   level.String(),
			Service: l.service,
			Message: msg,
			Attrs:   argsToMap(args),
		})
	}
}

// multiHandler fans one record out to every handler. Enabled when any
// handler is.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, service+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// argsToMap folds slog-style alternating key/values into a map. A
// trailing unpaired key is recorded under "!BADKEY" the way slog does.
func argsToMap(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		m[key] = args[i+1]
	}
	if len(args)%2 != 0 {
		m["!BADKEY"] = args[len(args)-1]
	}
	return m
}

// NopExporter discards everything. Useful as a stand-in where an
// exporter is required but export is not wanted.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }
func (e *NopExporter) Flush(ctx context.Context) error                  { return nil }
func (e *NopExporter) Close() error                                     { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter accumulates entries in memory. Used in tests and as a
// building block for batching exporters.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

func (e *BufferedExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = nil
	return nil
}

// Entries returns a copy of everything exported so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

var _ LogExporter = (*BufferedExporter)(nil)

// WriterExporter writes each entry as one JSON-ish line to w.
type WriterExporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "%s [%s] %s: %s %v\n",
		entry.Time.Format(time.RFC3339), entry.Level, entry.Service, entry.Message, entry.Attrs)
	return err
}

func (e *WriterExporter) Flush(ctx context.Context) error { return nil }
func (e *WriterExporter) Close() error                    { return nil }

var _ LogExporter = (*WriterExporter)(nil)
