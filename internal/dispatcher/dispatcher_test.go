package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asgard-lab/yggdrasil/internal/domain"
	"github.com/asgard-lab/yggdrasil/internal/handler"
	"github.com/asgard-lab/yggdrasil/internal/hostpool"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
	"github.com/asgard-lab/yggdrasil/internal/router"
)

var testRouting = map[string][]string{
	"text-processing": {"text"},
	"general":         {"general"},
	"default":         {"general"},
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []string
}

func (s *sinkRecorder) TaskEvent(level, taskID, event string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *sinkRecorder) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	db     *ledger.DB
	pool   *hostpool.Pool
	disp   *Dispatcher
	sink   *sinkRecorder
	cancel context.CancelFunc
	ran    chan struct{}
}

// newFixture builds a dispatcher whose "text-processing" handler is fn.
func newFixture(t *testing.T, concurrency int, fn handler.Func) *fixture {
	t.Helper()

	db, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hosts := []domain.HostDescriptor{{
		Name:         "fenrir-chat",
		URL:          "http://fenrir:8080/v1",
		Capabilities: []domain.Capability{domain.CapText, domain.CapGeneral},
		Priority:     1,
	}}
	rt := router.New(hosts, testRouting, time.Minute, nil)
	pool := hostpool.New(map[string]int{"fenrir-chat": concurrency})

	reg := handler.NewRegistry(nil, fn)
	reg.Register("text-processing", fn)

	sink := &sinkRecorder{}
	disp := New(Deps{
		Ledger:          db,
		Pool:            pool,
		Router:          rt,
		Registry:        reg,
		Bundle:          &handler.Bundle{Ledger: db, Router: rt},
		Events:          sink,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: 200 * time.Millisecond,
	})

	return &fixture{db: db, pool: pool, disp: disp, sink: sink}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.ran = make(chan struct{})
	go func() {
		defer close(f.ran)
		f.disp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.ran:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func (f *fixture) stop(t *testing.T) {
	t.Helper()
	f.cancel()
	select {
	case <-f.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func waitForStatus(t *testing.T, db *ledger.DB, taskID string, want domain.Status) *domain.Task {
	t.Helper()
	var got *domain.Task
	require.Eventually(t, func() bool {
		task, err := db.Get(taskID)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return got
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, 1, func(ctx context.Context, task *domain.Task, b *handler.Bundle) (*handler.Result, error) {
		return &handler.Result{Output: "hello", Host: "fenrir-chat"}, nil
	})
	require.NoError(t, f.db.Create(domain.Task{
		ID: "t1", Priority: 2, Type: "text-processing", Description: "echo hello",
	}))

	f.start(t)
	got := waitForStatus(t, f.db, "t1", domain.StatusClosed)

	assert.Equal(t, "hello", got.Result)
	assert.Equal(t, 1, got.AttemptCount)

	entries, err := f.db.Audit("t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.StatusOpen, entries[0].OldStatus)
	assert.Equal(t, domain.StatusInProgress, entries[0].NewStatus)
	assert.Equal(t, domain.StatusInProgress, entries[1].OldStatus)
	assert.Equal(t, domain.StatusClosed, entries[1].NewStatus)

	assert.True(t, f.sink.has("task_started"))
	assert.True(t, f.sink.has("task_completed"))

	// Slot released after completion.
	require.Eventually(t, func() bool {
		return f.pool.Status()["fenrir-chat"].Active == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string

	f := newFixture(t, 1, func(ctx context.Context, task *domain.Task, b *handler.Bundle) (*handler.Result, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return &handler.Result{Output: "ok"}, nil
	})

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.db.Create(domain.Task{ID: "p2", Priority: 2, Type: "text-processing", CreatedAt: base}))
	require.NoError(t, f.db.Create(domain.Task{ID: "p0", Priority: 0, Type: "text-processing", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, f.db.Create(domain.Task{ID: "p1", Priority: 1, Type: "text-processing", CreatedAt: base.Add(2 * time.Second)}))

	f.start(t)
	waitForStatus(t, f.db, "p2", domain.StatusClosed)
	waitForStatus(t, f.db, "p0", domain.StatusClosed)
	waitForStatus(t, f.db, "p1", domain.StatusClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"p0", "p1", "p2"}, order)
}

func TestFailingHandlerBlocksTask(t *testing.T) {
	f := newFixture(t, 1, func(ctx context.Context, task *domain.Task, b *handler.Bundle) (*handler.Result, error) {
		return nil, domain.Classify(domain.KindServerError, "fenrir-chat", errors.New("HTTP 503"))
	})
	require.NoError(t, f.db.Create(domain.Task{ID: "t1", Type: "text-processing"}))

	f.start(t)
	got := waitForStatus(t, f.db, "t1", domain.StatusBlocked)

	assert.Contains(t, got.Error, "HTTP 503")
	assert.True(t, f.sink.has("task_failed"))

	// The loop survives a handler failure.
	require.NoError(t, f.db.Create(domain.Task{ID: "t2", Type: "text-processing"}))
	waitForStatus(t, f.db, "t2", domain.StatusBlocked)
}

func TestMaxRetriesEventOnHostExhaustion(t *testing.T) {
	f := newFixture(t, 1, func(ctx context.Context, task *domain.Task, b *handler.Bundle) (*handler.Result, error) {
		return nil, domain.Classify(domain.KindAllHostsUnavailable, "", domain.ErrAllHostsUnavailable)
	})
	require.NoError(t, f.db.Create(domain.Task{ID: "t1", Type: "text-processing"}))

	f.start(t)
	waitForStatus(t, f.db, "t1", domain.StatusBlocked)
	assert.True(t, f.sink.has("task_failed_max_retries"))
}

func TestCancelledMidFlightDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, 1, func(ctx context.Context, task *domain.Task, b *handler.Bundle) (*handler.Result, error) {
		<-release
		return &handler.Result{Output: "late"}, nil
	})
	require.NoError(t, f.db.Create(domain.Task{ID: "t1", Type: "text-processing"}))

	f.start(t)
	waitForStatus(t, f.db, "t1", domain.StatusInProgress)

	// Operator cancels while the handler is running.
	require.NoError(t, f.db.Update("t1", domain.StatusCancelled, ledger.UpdateOpts{Message: "operator cancel"}))
	close(release)

	// The late result must not overwrite the terminal status.
	time.Sleep(100 * time.Millisecond)
	got, err := f.db.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, got.Result)
}

func TestShutdownUnderLoad(t *testing.T) {
	started := make(chan string, 3)
	f := newFixture(t, 3, func(ctx context.Context, task *domain.Task, b *handler.Bundle) (*handler.Result, error) {
		started <- task.ID
		time.Sleep(10 * time.Second) // far beyond the grace window
		return &handler.Result{Output: "too late"}, nil
	})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.db.Create(domain.Task{ID: id, Type: "text-processing"}))
	}

	f.start(t)
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not start")
		}
	}

	f.stop(t) // SIGTERM equivalent; grace window is 200ms

	for _, id := range []string{"a", "b", "c"} {
		got, err := f.db.Get(id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusBlocked, got.Status, "task %s", id)
		assert.Contains(t, got.Error, "shutdown")
	}

	// All three slots force-released.
	assert.Equal(t, 0, f.pool.Status()["fenrir-chat"].Active)
	assert.True(t, f.sink.has("shutdown_begin"))
	assert.True(t, f.sink.has("shutdown_end"))
}

func TestZeroReadyTasksEmitsNothing(t *testing.T) {
	f := newFixture(t, 1, func(ctx context.Context, task *domain.Task, b *handler.Bundle) (*handler.Result, error) {
		return &handler.Result{}, nil
	})

	f.start(t)
	time.Sleep(60 * time.Millisecond)
	f.stop(t)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	for _, e := range f.sink.events {
		assert.NotContains(t, []string{"task_started", "task_completed", "task_failed"}, e)
	}
}
