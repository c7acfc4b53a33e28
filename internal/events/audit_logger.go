package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultMaxLogSizeMB is the rotation threshold when none is configured.
	DefaultMaxLogSizeMB = 100
	// AuditFileName is the audit log name inside the logs directory.
	AuditFileName = "audit.jsonl"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventID   string         `json:"event_id,omitempty"`
	EventType string         `json:"event_type"`
	PID       *int           `json:"pid,omitempty"`
	TGID      *int           `json:"tgid,omitempty"`
	Op        string         `json:"op,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries to a size-rotated file.
type AuditLogger struct {
	mu      sync.Mutex
	w       io.WriteCloser
	logPath string
	written int
}

// NewAuditLogger opens (or creates) logPath, rotating at maxSizeMB.
func NewAuditLogger(logPath string, maxSizeMB int) (*AuditLogger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxLogSizeMB
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &AuditLogger{
		w: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: 5,
		},
		logPath: logPath,
	}, nil
}

// newAuditLoggerWriter is the test constructor.
func newAuditLoggerWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{w: w}
}

// Log turns an event into a LogEntry and writes it. Well-known keys (pid,
// tgid, op) are lifted out of Data into top-level fields.
func (l *AuditLogger) Log(e Event) error {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		EventID:   e.ID,
		EventType: string(e.Type),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	details := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		switch k {
		case "pid":
			if n, ok := v.(int); ok {
				entry.PID = &n
				continue
			}
		case "tgid":
			if n, ok := v.(int); ok {
				entry.TGID = &n
				continue
			}
		case "op":
			if s, ok := v.(string); ok {
				entry.Op = s
				continue
			}
		}
		details[k] = v
	}
	if len(details) > 0 {
		entry.Details = details
	}

	return l.WriteEntry(&entry)
}

// WriteEntry writes a structured entry as one JSON line.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	l.written++
	return nil
}

// Attach subscribes the logger to every device event on bus. Write errors
// go to onError, which may be nil.
func (l *AuditLogger) Attach(bus *Bus, onError func(error)) func() {
	return bus.Subscribe(func(e Event) {
		if err := l.Log(e); err != nil && onError != nil {
			onError(err)
		}
	}, EventQuantumChanged, EventTaskRegistered, EventTaskDrained)
}

// Written returns the number of entries written so far.
func (l *AuditLogger) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Path returns the audit log path.
func (l *AuditLogger) Path() string {
	return l.logPath
}

// Close closes the underlying file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// ReadLog decodes every entry of a JSONL audit file, skipping malformed lines.
func ReadLog(logPath string) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
