package obs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// ledgerErrorLimit caps the report embedded in the ledger's error field.
// The full record always lands in errors.jsonl.
const ledgerErrorLimit = 32 * 1024

// ErrorRecord is one tracked failure with its context.
type ErrorRecord struct {
	TaskID    string         `json:"task_id"`
	Timestamp string         `json:"timestamp"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// ErrorTracker persists failure reports to errors.jsonl for post-mortems.
type ErrorTracker struct {
	mu   sync.Mutex
	path string
}

// NewErrorTracker creates a tracker writing under dir.
func NewErrorTracker(dir string) (*ErrorTracker, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &ErrorTracker{path: filepath.Join(dir, "errors.jsonl")}, nil
}

// Track records err with task context and appends it to the sidecar file.
func (t *ErrorTracker) Track(taskID string, err error, context map[string]any) ErrorRecord {
	rec := ErrorRecord{
		TaskID:    taskID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      string(domain.KindOf(err)),
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Context:   context,
	}

	line, merr := json.Marshal(rec)
	if merr != nil {
		log.Printf("[obs] encode error record: %v", merr)
		return rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	f, ferr := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if ferr != nil {
		log.Printf("[obs] open error log: %v", ferr)
		return rec
	}
	defer f.Close()
	f.Write(append(line, '\n'))
	return rec
}

// FormatForLedger renders a record as the structured report stored in the
// ledger's error field, capped at 32 KB.
func (r ErrorRecord) FormatForLedger() string {
	var b strings.Builder
	b.WriteString("ERROR REPORT\n")
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Task ID: %s\n", r.TaskID)
	fmt.Fprintf(&b, "Time: %s\n", r.Timestamp)
	fmt.Fprintf(&b, "Kind: %s\n", r.Kind)
	fmt.Fprintf(&b, "Message: %s\n", r.Message)
	if len(r.Context) > 0 {
		ctx, err := json.MarshalIndent(r.Context, "", "  ")
		if err == nil {
			b.WriteString("\nContext:\n")
			b.Write(ctx)
			b.WriteString("\n")
		}
	}
	if r.Stack != "" {
		b.WriteString("\nStack:\n")
		b.WriteString(r.Stack)
	}

	out := b.String()
	if len(out) > ledgerErrorLimit {
		out = out[:ledgerErrorLimit]
	}
	return out
}
