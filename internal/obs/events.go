// Package obs is the observability stack: a line-delimited JSON event log,
// Prometheus metrics with rolling-window latency percentiles, and an error
// tracker that persists full failure reports to a sidecar file.
package obs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	eventLogMaxBytes = 10 * 1024 * 1024
	eventLogBackups  = 5
)

// EventLog appends structured task events to dispatcher.jsonl, rotating at
// 10 MB with 5 backups. Safe for concurrent use. Satisfies the resilient
// client's event sink.
type EventLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// NewEventLog opens (or creates) the event log under dir.
func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, "dispatcher.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &EventLog{path: path, f: f, size: info.Size()}, nil
}

// TaskEvent writes one event line. taskID may be empty for process-level
// events (shutdown_begin, shutdown_end).
func (l *EventLog) TaskEvent(level, taskID, event string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["event"] = event
	entry["level"] = level
	if taskID != "" {
		entry["task_id"] = taskID
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[obs] drop event %s: %v", event, err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if l.size+int64(len(line)) > eventLogMaxBytes {
		l.rotate()
	}
	n, err := l.f.Write(line)
	if err != nil {
		log.Printf("[obs] write event log: %v", err)
		return
	}
	l.size += int64(n)
}

// rotate shifts dispatcher.jsonl → .1 → .2 … keeping eventLogBackups files.
// Caller holds l.mu.
func (l *EventLog) rotate() {
	l.f.Close()

	oldest := fmt.Sprintf("%s.%d", l.path, eventLogBackups)
	os.Remove(oldest)
	for i := eventLogBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
	}
	os.Rename(l.path, l.path+".1")

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		log.Printf("[obs] reopen event log: %v", err)
		l.f = nil
		return
	}
	l.f = f
	l.size = 0
}

// Close flushes and closes the log file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
