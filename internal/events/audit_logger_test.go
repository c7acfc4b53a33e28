package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type bufferCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	fail   bool
	closed bool
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return 0, errors.New("disk full")
	}
	return b.buf.Write(p)
}

func (b *bufferCloser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufferCloser) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestAuditLogger_LogLiftsKnownFields(t *testing.T) {
	w := &bufferCloser{}
	logger := newAuditLoggerWriter(w)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := logger.Log(Event{
		Type:      EventTaskRegistered,
		Timestamp: ts,
		Data:      map[string]any{"pid": 4242, "tgid": 4240, "seq": 1},
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	lines := w.lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.EventType != string(EventTaskRegistered) {
		t.Errorf("event_type = %q", entry.EventType)
	}
	if entry.PID == nil || *entry.PID != 4242 {
		t.Errorf("pid = %v, want 4242", entry.PID)
	}
	if entry.TGID == nil || *entry.TGID != 4240 {
		t.Errorf("tgid = %v, want 4240", entry.TGID)
	}
	if !entry.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", entry.Timestamp, ts)
	}
	if _, ok := entry.Details["pid"]; ok {
		t.Error("pid should not be repeated in details")
	}
	if entry.Details["seq"] != float64(1) {
		t.Errorf("details.seq = %v, want 1", entry.Details["seq"])
	}
	if logger.Written() != 1 {
		t.Errorf("Written() = %d, want 1", logger.Written())
	}
}

func TestAuditLogger_WriteError(t *testing.T) {
	w := &bufferCloser{fail: true}
	logger := newAuditLoggerWriter(w)

	if err := logger.Log(Event{Type: EventQuantumChanged}); err == nil {
		t.Fatal("expected write error")
	}
	if logger.Written() != 0 {
		t.Errorf("Written() = %d, want 0", logger.Written())
	}
}

func TestAuditLogger_AttachWritesBusEvents(t *testing.T) {
	w := &bufferCloser{}
	logger := newAuditLoggerWriter(w)
	bus := NewBus(16)

	logger.Attach(bus, func(err error) { t.Errorf("unexpected audit error: %v", err) })

	bus.Publish(EventQuantumChanged, map[string]any{"op": "set", "value": 7})
	bus.Publish(EventTaskDrained, map[string]any{"pid": 1, "tgid": 1})
	bus.Close()

	lines := w.lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	var first LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Op != "set" {
		t.Errorf("op = %q, want set", first.Op)
	}
	if first.EventID == "" {
		t.Error("event_id missing from audit line")
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed {
		t.Error("underlying writer not closed")
	}
}

func TestAuditLogger_FileRoundTrip(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", AuditFileName)

	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	if logger.Path() != logPath {
		t.Errorf("Path() = %q", logger.Path())
	}

	for i := 0; i < 3; i++ {
		if err := logger.Log(Event{Type: EventTaskRegistered, Data: map[string]any{"pid": i, "tgid": i}}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := ReadLog(logPath)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.PID == nil || *e.PID != i {
			t.Errorf("entry %d pid = %v", i, e.PID)
		}
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	w := &bufferCloser{}
	logger := newAuditLoggerWriter(w)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = logger.Log(Event{Type: EventQuantumChanged, Data: map[string]any{"value": i}})
		}(i)
	}
	wg.Wait()

	lines := w.lines()
	if len(lines) != 50 {
		t.Fatalf("expected 50 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("interleaved write produced invalid JSON %q: %v", line, err)
		}
	}
}
