package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog records one completed client request: the terminal RESPONSE and
// how it was produced.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Command    string    `json:"command"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	FromCache  bool      `json:"from_cache,omitempty"`
	Queued     bool      `json:"queued,omitempty"`
}

// RequestLogger writes the per-request audit trail: human-readable lines on
// the console and optionally JSON-per-line to a file.
type RequestLogger struct {
	mu      sync.Mutex
	console bool
	file    *os.File
}

// NewRequestLogger creates a request logger. Console output is controlled by
// the flag; file output is attached with SetOutput.
func NewRequestLogger(console bool) *RequestLogger {
	return &RequestLogger{console: console}
}

// SetOutput appends JSON entries to the given file path.
func (l *RequestLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Log writes one request entry. Safe for concurrent use; a nil logger is a
// no-op so call sites never need to guard.
func (l *RequestLogger) Log(entry *RequestLog) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		cache := ""
		if entry.FromCache {
			cache = " [cached]"
		}
		queued := ""
		if entry.Queued {
			queued = " [queued]"
		}
		fmt.Printf("[request] %s %s %s %dms%s%s\n",
			status, entry.RequestID, entry.Command, entry.DurationMs, cache, queued)
		if entry.Error != "" {
			fmt.Printf("[request]   %s: %s\n", entry.Code, entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file if one is attached.
func (l *RequestLogger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
