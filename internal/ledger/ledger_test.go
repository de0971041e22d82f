package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestCreateAndGet(t *testing.T) {
	db := newTestDB(t)

	task := domain.Task{
		ID:          "t1",
		Title:       "echo hello",
		Description: "echo hello",
		Priority:    2,
		Type:        "text-processing",
		Labels:      []string{"homelab"},
	}
	require.NoError(t, db.Create(task))

	got, err := db.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Equal(t, "text-processing", got.Type)
	assert.Equal(t, []string{"homelab"}, got.Labels)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, 0, got.AttemptCount)
}

func TestCreateDuplicateFails(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "t1", Title: "one"}))
	err := db.Create(domain.Task{ID: "t1", Title: "again"})
	require.ErrorIs(t, err, domain.ErrTaskExists)
}

func TestGetNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Get("ghost")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestReadyTasks_PriorityOrdering(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().UTC().Add(-time.Hour)
	// Created in priority order 2, 0, 1 — dispatch order must be 0, 1, 2.
	require.NoError(t, db.Create(domain.Task{ID: "low", Priority: 2, CreatedAt: base}))
	require.NoError(t, db.Create(domain.Task{ID: "crit", Priority: 0, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, db.Create(domain.Task{ID: "mid", Priority: 1, CreatedAt: base.Add(2 * time.Second)}))

	ready, err := db.ReadyTasks()
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, "crit", ready[0].ID)
	assert.Equal(t, "mid", ready[1].ID)
	assert.Equal(t, "low", ready[2].ID)
}

func TestReadyTasks_FIFOWithinPriority(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Create(domain.Task{ID: "first", Priority: 1, CreatedAt: base}))
	require.NoError(t, db.Create(domain.Task{ID: "second", Priority: 1, CreatedAt: base.Add(time.Minute)}))

	ready, err := db.ReadyTasks()
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "first", ready[0].ID)
	assert.Equal(t, "second", ready[1].ID)
}

func TestReadyTasks_DependencyGating(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "a", Priority: 1}))
	require.NoError(t, db.Create(domain.Task{ID: "b", Priority: 0, Dependencies: []string{"a"}}))

	ready, err := db.ReadyTasks()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	// Close a through the permitted path; b becomes ready.
	require.NoError(t, db.Update("a", domain.StatusInProgress, UpdateOpts{Attempt: 1}))
	require.NoError(t, db.Update("a", domain.StatusClosed, UpdateOpts{Result: strPtr("done")}))

	ready, err = db.ReadyTasks()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, []string{"a"}, ready[0].Dependencies)
}

func TestReadyTasks_UnknownDependencyNeverReady(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "orphan", Dependencies: []string{"never-created"}}))

	ready, err := db.ReadyTasks()
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestUpdate_HappyPath(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "t1", Type: "text-processing"}))
	require.NoError(t, db.Update("t1", domain.StatusInProgress, UpdateOpts{Attempt: 1}))
	require.NoError(t, db.Update("t1", domain.StatusClosed, UpdateOpts{Result: strPtr("hello")}))

	got, err := db.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, "hello", got.Result)
	assert.Equal(t, 1, got.AttemptCount)
	assert.False(t, got.ClosedAt.IsZero())
}

func TestUpdate_InvalidTransitions(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "t1"}))

	// open → closed skips in_progress
	err := db.Update("t1", domain.StatusClosed, UpdateOpts{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Terminal statuses are monotonic.
	require.NoError(t, db.Update("t1", domain.StatusCancelled, UpdateOpts{}))
	err = db.Update("t1", domain.StatusOpen, UpdateOpts{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = db.Update("t1", domain.StatusClosed, UpdateOpts{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// The failed writes left no trace.
	got, err := db.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestUpdate_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.Update("ghost", domain.StatusInProgress, UpdateOpts{})
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestUpdate_RequeueIncrementsAttempt(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "t1"}))
	require.NoError(t, db.Update("t1", domain.StatusInProgress, UpdateOpts{Attempt: 1}))
	require.NoError(t, db.Update("t1", domain.StatusOpen, UpdateOpts{Attempt: 2, Message: "requeue"}))

	got, err := db.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Equal(t, 2, got.AttemptCount)

	// attempt_count never decreases
	err = db.Update("t1", domain.StatusInProgress, UpdateOpts{Attempt: 1})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdate_BlockedReopen(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "t1"}))
	require.NoError(t, db.Update("t1", domain.StatusInProgress, UpdateOpts{Attempt: 1}))
	require.NoError(t, db.Update("t1", domain.StatusBlocked, UpdateOpts{Error: strPtr("boom")}))
	require.NoError(t, db.Update("t1", domain.StatusOpen, UpdateOpts{Message: "operator reopen"}))

	got, err := db.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
}

func TestUpdate_ResultTruncatedAt32KB(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "t1"}))
	require.NoError(t, db.Update("t1", domain.StatusInProgress, UpdateOpts{Attempt: 1}))

	huge := strings.Repeat("x", resultLimit+500)
	require.NoError(t, db.Update("t1", domain.StatusClosed, UpdateOpts{Result: strPtr(huge)}))

	got, err := db.Get("t1")
	require.NoError(t, err)
	assert.Len(t, got.Result, resultLimit)
}

func TestAudit_OrderedAndComplete(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "t1"}))
	require.NoError(t, db.Update("t1", domain.StatusInProgress, UpdateOpts{Attempt: 1}))
	require.NoError(t, db.Update("t1", domain.StatusClosed, UpdateOpts{Result: strPtr("ok")}))

	entries, err := db.Audit("t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, domain.StatusOpen, entries[0].OldStatus)
	assert.Equal(t, domain.StatusInProgress, entries[0].NewStatus)
	assert.Equal(t, domain.StatusInProgress, entries[1].OldStatus)
	assert.Equal(t, domain.StatusClosed, entries[1].NewStatus)
	assert.False(t, entries[1].Timestamp.Before(entries[0].Timestamp))

	// Every adjacent pair chains: new status of entry k is old status of k+1.
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].NewStatus, entries[i].OldStatus)
	}
}

func TestStats(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Create(domain.Task{ID: "a"}))
	require.NoError(t, db.Create(domain.Task{ID: "b"}))
	require.NoError(t, db.Update("b", domain.StatusInProgress, UpdateOpts{Attempt: 1}))

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.StatusOpen])
	assert.Equal(t, 1, stats[domain.StatusInProgress])
	assert.Equal(t, 0, stats[domain.StatusClosed])
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Create(domain.Task{ID: "t1", Title: "persist me"}))
	require.NoError(t, db.Close())

	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Title)
}
