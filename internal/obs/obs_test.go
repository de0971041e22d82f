package obs

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

func TestEventLog_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewEventLog(dir)
	require.NoError(t, err)
	defer l.Close()

	l.TaskEvent("info", "t1", "task_started", map[string]any{"host": "fenrir-chat", "attempt": 1})
	l.TaskEvent("error", "t1", "task_failed", map[string]any{"error": "boom"})
	l.TaskEvent("info", "", "shutdown_begin", nil)
	require.NoError(t, l.Close())

	f, err := os.Open(filepath.Join(dir, "dispatcher.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 3)

	assert.Equal(t, "task_started", lines[0]["event"])
	assert.Equal(t, "t1", lines[0]["task_id"])
	assert.Equal(t, "fenrir-chat", lines[0]["host"])
	assert.NotEmpty(t, lines[0]["timestamp"])

	assert.Equal(t, "error", lines[1]["level"])

	_, hasTask := lines[2]["task_id"]
	assert.False(t, hasTask, "process events carry no task_id")
}

func TestEventLog_Rotation(t *testing.T) {
	dir := t.TempDir()
	l, err := NewEventLog(dir)
	require.NoError(t, err)
	defer l.Close()

	// Force rotation by faking an oversized current file.
	l.mu.Lock()
	l.size = eventLogMaxBytes
	l.mu.Unlock()

	l.TaskEvent("info", "t1", "task_started", nil)

	_, err = os.Stat(filepath.Join(dir, "dispatcher.jsonl.1"))
	assert.NoError(t, err, "rotated file should exist")
}

func TestErrorTracker(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewErrorTracker(dir)
	require.NoError(t, err)

	cause := domain.Classify(domain.KindTimeout, "surtr-reasoning", errors.New("deadline exceeded"))
	rec := tr.Track("t1", cause, map[string]any{"task_type": "reasoning", "attempt_count": 3})

	assert.Equal(t, "timeout", rec.Kind)
	assert.NotEmpty(t, rec.Stack)

	data, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"t1"`)
	assert.Contains(t, string(data), `"kind":"timeout"`)

	report := rec.FormatForLedger()
	assert.Contains(t, report, "ERROR REPORT")
	assert.Contains(t, report, "Kind: timeout")
	assert.Contains(t, report, "reasoning")
	assert.LessOrEqual(t, len(report), ledgerErrorLimit)
}

func TestFormatForLedger_Capped(t *testing.T) {
	rec := ErrorRecord{
		TaskID:  "t1",
		Kind:    "internal",
		Message: strings.Repeat("y", 40*1024),
	}
	assert.Len(t, rec.FormatForLedger(), ledgerErrorLimit)
}

func TestDurationWindow_Percentiles(t *testing.T) {
	w := NewDurationWindow(time.Minute)
	for i := 1; i <= 100; i++ {
		w.Observe("fenrir-chat", float64(i))
	}

	assert.InDelta(t, 51, w.Percentile("fenrir-chat", 50), 2)
	assert.InDelta(t, 96, w.Percentile("fenrir-chat", 95), 2)
	assert.InDelta(t, 100, w.Percentile("fenrir-chat", 99), 2)
	assert.Zero(t, w.Percentile("unknown-host", 50))
}

func TestDurationWindow_Expiry(t *testing.T) {
	w := NewDurationWindow(10 * time.Millisecond)
	w.Observe("h", 42)
	time.Sleep(25 * time.Millisecond)
	assert.Zero(t, w.Percentile("h", 50))
	assert.Empty(t, w.Hosts())
}

func TestRecordTask_MetricsGatherable(t *testing.T) {
	RecordTask("fenrir-chat", "closed", 123.4, 10, 20)
	RecordTask("fenrir-chat", "blocked", 50.0, 0, 0)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"ygg_tasks_total",
		"ygg_tokens_total",
		"ygg_task_duration_ms",
		"ygg_uptime_seconds",
	} {
		assert.True(t, names[name], "metric %q not found", name)
	}
}

func TestSnapshotJSON(t *testing.T) {
	RecordTask("skadi-code", "closed", 10, 5, 7)

	snap := SnapshotJSON()
	assert.GreaterOrEqual(t, snap.Tasks["skadi-code"]["closed"], 1)
	assert.GreaterOrEqual(t, snap.Tokens["skadi-code"]["out"], 7)
	assert.NotZero(t, snap.LatencyMS["skadi-code"]["p50"])
	assert.Greater(t, snap.UptimeSeconds, 0.0)
}
