package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DispatchLog is one hook-dispatch record: a single Dispatcher
// invocation of a worker on behalf of an inbound HookEvent.
type DispatchLog struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	Worker        string    `json:"worker"`
	HookKind      string    `json:"hook_kind"`
	Operation     string    `json:"operation,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	InputSize     int       `json:"input_size"`
	OutputSize    int       `json:"output_size,omitempty"`
	Retries       int       `json:"retries,omitempty"`
	FromCache     bool      `json:"from_cache,omitempty"`
}

// line renders the human-readable console form:
//
//	[dispatch] ✓ a1b2c3d4 analyzer/PreTool 12ms [cached]
func (e *DispatchLog) line() string {
	mark := "✓"
	if !e.Success {
		mark = "✗"
	}
	suffix := ""
	if e.FromCache {
		suffix += " [cached]"
	}
	if e.Retries > 0 {
		suffix += fmt.Sprintf(" [retry:%d]", e.Retries)
	}
	return fmt.Sprintf("[dispatch] %s %s %s/%s %dms%s",
		mark, e.CorrelationID, e.Worker, e.HookKind, e.DurationMs, suffix)
}

// Logger writes per-dispatch records: a console line for a human tail,
// JSON lines to a file for machines. Either output can be off.
type Logger struct {
	mu      sync.Mutex
	console bool
	file    *os.File
}

var defaultLogger = &Logger{console: true}

// Default returns the process-wide dispatch logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput opens (or switches) the JSON-lines output file.
func (l *Logger) SetOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.mu.Unlock()
	return nil
}

// SetConsole toggles the console line.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes one dispatch record to whichever outputs are enabled.
func (l *Logger) Log(entry *DispatchLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.console {
		fmt.Println(entry.line())
		if entry.Error != "" {
			fmt.Printf("[dispatch]   error: %s (%s)\n", entry.Error, entry.ErrorKind)
		}
	}
	if l.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
}

// Close releases the output file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
