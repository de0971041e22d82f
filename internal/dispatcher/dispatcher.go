// Package dispatcher drains the ledger's ready queue. One polling loop, one
// goroutine per dispatched task, bounded per host by the pool's semaphores.
// Shutdown is graceful: polling stops immediately, in-flight work gets a
// grace window, stragglers are marked blocked and their slots released.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/asgard-lab/yggdrasil/internal/domain"
	"github.com/asgard-lab/yggdrasil/internal/handler"
	"github.com/asgard-lab/yggdrasil/internal/hostpool"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
	"github.com/asgard-lab/yggdrasil/internal/obs"
	"github.com/asgard-lab/yggdrasil/internal/router"
)

// EventSink receives structured dispatcher events.
type EventSink interface {
	TaskEvent(level, taskID, event string, fields map[string]any)
}

type noopSink struct{}

func (noopSink) TaskEvent(string, string, string, map[string]any) {}

// Deps wires the dispatcher's collaborators. No globals: everything the loop
// touches arrives here.
type Deps struct {
	Ledger   *ledger.DB
	Pool     *hostpool.Pool
	Router   *router.Router
	Registry *handler.Registry
	Bundle   *handler.Bundle
	Events   EventSink         // nil disables event emission
	Tracker  *obs.ErrorTracker // nil disables error reports

	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// unit is the bookkeeping for one dispatched task.
type unit struct {
	taskID  string
	host    string
	started atomic.Bool // in_progress write landed
	done    atomic.Bool // terminal handling finished
	release sync.Once   // slot release — exactly once per acquire
}

// Dispatcher runs the polling loop.
type Dispatcher struct {
	deps    Deps
	events  EventSink
	cpuGate *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*unit
	wg       sync.WaitGroup
}

// New creates a dispatcher.
func New(deps Deps) *Dispatcher {
	events := deps.Events
	if events == nil {
		events = noopSink{}
	}
	cpuSlots := int64(runtime.NumCPU() - 1)
	if cpuSlots < 1 {
		cpuSlots = 1
	}
	return &Dispatcher{
		deps:     deps,
		events:   events,
		cpuGate:  semaphore.NewWeighted(cpuSlots),
		inflight: make(map[string]*unit),
	}
}

// InFlight returns the number of tasks currently dispatched.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Run polls until ctx is cancelled, then drains. Returns after shutdown
// completes.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("[dispatcher] starting, poll interval %s", d.deps.PollInterval)

	for {
		d.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return d.drain()
		case <-time.After(d.deps.PollInterval):
		}
	}
}

// pollOnce queries the ready queue and spawns units for everything
// dispatchable, in ready-queue order.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	tasks, err := d.deps.Ledger.ReadyTasks()
	if err != nil {
		log.Printf("[dispatcher] ready query failed: %v", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	for _, task := range tasks {
		task := task
		if d.tracked(task.ID) {
			continue
		}

		candidates, err := d.deps.Router.Candidates(&task)
		if err != nil {
			// Leave the task open; routing may succeed once config or
			// health changes.
			log.Printf("[dispatcher] %s: no route: %v", task.ID, err)
			continue
		}
		host := candidates[0].Name

		// Slot acquisition happens here, in ready-queue order, so dispatch
		// order follows (priority, created_at). A saturated host leaves the
		// task open for the next poll.
		if !d.deps.Pool.TryAcquire(host) {
			continue
		}

		u := &unit{taskID: task.ID, host: host}
		d.mu.Lock()
		d.inflight[task.ID] = u
		d.mu.Unlock()

		d.wg.Add(1)
		go d.runUnit(ctx, task, u)
		log.Printf("[dispatcher] dispatched %s → %s", task.ID, host)
	}
}

func (d *Dispatcher) tracked(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[taskID]
	return ok
}

func (d *Dispatcher) forget(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, taskID)
}

// releaseSlot returns the unit's slot exactly once across all exit paths,
// including the shutdown reaper.
func (d *Dispatcher) releaseSlot(u *unit) {
	u.release.Do(func() {
		d.deps.Pool.UnregisterTask(u.host, u.taskID)
		d.deps.Pool.Release(u.host)
	})
}

// runUnit processes one task: mark in_progress → invoke handler → commit
// terminal status → release. The slot was acquired by the poll loop.
func (d *Dispatcher) runUnit(ctx context.Context, task domain.Task, u *unit) {
	defer d.wg.Done()
	defer d.forget(task.ID)
	defer d.releaseSlot(u)

	d.deps.Pool.RegisterTask(u.host, task.ID)

	attempt := task.AttemptCount + 1
	err := d.deps.Ledger.Update(task.ID, domain.StatusInProgress, ledger.UpdateOpts{
		Attempt: attempt,
		Message: "dispatched to " + u.host,
	})
	if err != nil {
		// Someone else moved the task (cancelled, reprioritized); not ours.
		log.Printf("[dispatcher] %s: claim failed: %v", task.ID, err)
		return
	}
	u.started.Store(true)

	taskType := d.deps.Router.TypeOf(&task)
	d.events.TaskEvent("info", task.ID, "task_started", map[string]any{
		"task_type": taskType,
		"host":      u.host,
		"attempt":   attempt,
	})

	start := time.Now()
	// In-flight handler calls run to completion or timeout; shutdown does
	// not interrupt them mid-call.
	res, execErr := d.invoke(context.WithoutCancel(ctx), &task, taskType)
	durationMS := float64(time.Since(start).Milliseconds())

	u.done.Store(true)
	if execErr != nil {
		d.finishFailure(task, u, taskType, attempt, durationMS, execErr)
	} else {
		d.finishSuccess(task, u, taskType, attempt, durationMS, res)
	}
}

// invoke resolves and runs the handler, gating CPU-bound handlers through
// the worker pool.
func (d *Dispatcher) invoke(ctx context.Context, task *domain.Task, taskType string) (*handler.Result, error) {
	h := d.deps.Registry.Resolve(taskType)
	if h == nil {
		return nil, domain.Classify(domain.KindInternal, "", errors.New("no handler for "+taskType))
	}

	if cb, ok := h.(handler.CPUBound); ok && cb.CPUBound() {
		if err := d.cpuGate.Acquire(ctx, 1); err != nil {
			return nil, domain.Classify(domain.KindShutdown, "", err)
		}
		defer d.cpuGate.Release(1)
	}

	return h.Execute(ctx, task, d.deps.Bundle)
}

func (d *Dispatcher) finishSuccess(task domain.Task, u *unit, taskType string,
	attempt int, durationMS float64, res *handler.Result) {

	finalAttempt := attempt
	if res.Attempts > finalAttempt {
		finalAttempt = res.Attempts
	}

	err := d.deps.Ledger.Update(task.ID, domain.StatusClosed, ledger.UpdateOpts{
		Result:  &res.Output,
		Attempt: finalAttempt,
	})
	if err != nil {
		// Cancelled mid-flight or blocked by the shutdown reaper: the
		// result is discarded, not an error.
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Printf("[dispatcher] %s: result discarded: %v", task.ID, err)
			return
		}
		log.Printf("[dispatcher] %s: commit failed: %v", task.ID, err)
		return
	}

	host := res.Host
	if host == "" {
		host = u.host
	}
	obs.RecordTask(host, string(domain.StatusClosed), durationMS, res.TokensIn, res.TokensOut)
	d.events.TaskEvent("info", task.ID, "task_completed", map[string]any{
		"task_type":   taskType,
		"host":        host,
		"attempt":     finalAttempt,
		"duration_ms": durationMS,
		"tokens_in":   res.TokensIn,
		"tokens_out":  res.TokensOut,
	})
}

func (d *Dispatcher) finishFailure(task domain.Task, u *unit, taskType string,
	attempt int, durationMS float64, execErr error) {

	kind := domain.KindOf(execErr)

	report := execErr.Error()
	if d.deps.Tracker != nil {
		rec := d.deps.Tracker.Track(task.ID, execErr, map[string]any{
			"task_type":     taskType,
			"host":          u.host,
			"attempt_count": attempt,
		})
		report = rec.FormatForLedger()
	}

	err := d.deps.Ledger.Update(task.ID, domain.StatusBlocked, ledger.UpdateOpts{
		Error:   &report,
		Message: string(kind),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Printf("[dispatcher] %s: failure discarded: %v", task.ID, err)
			return
		}
		log.Printf("[dispatcher] %s: blocked write failed: %v", task.ID, err)
		return
	}

	obs.RecordTask(u.host, string(domain.StatusBlocked), durationMS, 0, 0)

	event := "task_failed"
	if kind == domain.KindAllHostsUnavailable {
		event = "task_failed_max_retries"
	}
	d.events.TaskEvent("error", task.ID, event, map[string]any{
		"task_type":   taskType,
		"host":        u.host,
		"attempt":     attempt,
		"duration_ms": durationMS,
		"error":       execErr.Error(),
		"kind":        string(kind),
	})
}

// drain waits up to ShutdownTimeout for in-flight tasks, then marks
// stragglers blocked and forces their slots free.
func (d *Dispatcher) drain() error {
	d.mu.Lock()
	inFlight := len(d.inflight)
	d.mu.Unlock()

	d.events.TaskEvent("info", "", "shutdown_begin", map[string]any{"in_flight": inFlight})
	log.Printf("[dispatcher] shutdown: %d in flight, grace %s", inFlight, d.deps.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.deps.ShutdownTimeout):
		d.reapStragglers()
	}

	d.events.TaskEvent("info", "", "shutdown_end", nil)
	log.Printf("[dispatcher] shutdown complete")
	return nil
}

// reapStragglers marks every task still running after the grace window as
// blocked and releases its slot. Late handler results hit a terminal status
// and are discarded.
func (d *Dispatcher) reapStragglers() {
	d.mu.Lock()
	stragglers := make([]*unit, 0, len(d.inflight))
	for _, u := range d.inflight {
		stragglers = append(stragglers, u)
	}
	d.mu.Unlock()

	for _, u := range stragglers {
		if u.done.Load() || !u.started.Load() {
			continue
		}
		msg := "shutdown: grace period expired before task completed"
		err := d.deps.Ledger.Update(u.taskID, domain.StatusBlocked, ledger.UpdateOpts{
			Error:   &msg,
			Message: string(domain.KindShutdown),
		})
		if err != nil {
			log.Printf("[dispatcher] %s: shutdown block failed: %v", u.taskID, err)
		}
		d.releaseSlot(u)
		d.events.TaskEvent("warning", u.taskID, "task_failed", map[string]any{
			"host":  u.host,
			"error": "shutdown",
			"kind":  string(domain.KindShutdown),
		})
	}
}
