// Package hostpool bounds concurrent task execution per host. One weighted
// semaphore per host, sized from config; waiters are served FIFO, so priority
// is expressed by dispatch order rather than preemption.
package hostpool

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// HostStatus is the observable state of one host's gate.
type HostStatus struct {
	Active    int      `json:"active"`
	Available int      `json:"available"`
	Limit     int      `json:"limit"`
	Tasks     []string `json:"tasks"`
}

type hostGate struct {
	sem   *semaphore.Weighted
	limit int
}

// Pool manages per-host concurrency gates.
type Pool struct {
	mu     sync.Mutex
	gates  map[string]*hostGate
	active map[string][]string // host → in-flight task IDs
}

// New creates a pool from host → limit configuration.
// Hosts not listed get a gate of size 1 on first acquire.
func New(limits map[string]int) *Pool {
	p := &Pool{
		gates:  make(map[string]*hostGate, len(limits)),
		active: make(map[string][]string, len(limits)),
	}
	for host, limit := range limits {
		p.gates[host] = &hostGate{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
	}
	return p
}

func (p *Pool) gate(host string) *hostGate {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gates[host]
	if !ok {
		log.Printf("[hostpool] unknown host %q, gating at 1", host)
		g = &hostGate{sem: semaphore.NewWeighted(1), limit: 1}
		p.gates[host] = g
	}
	return g
}

// Acquire blocks until a slot on host is available or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, host string) error {
	if err := p.gate(host).sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire %s: %w", host, err)
	}
	return nil
}

// TryAcquire grabs a slot without blocking. Returns false when host is full.
func (p *Pool) TryAcquire(host string) bool {
	return p.gate(host).sem.TryAcquire(1)
}

// Release returns a slot. Must be called exactly once per successful acquire.
func (p *Pool) Release(host string) {
	p.gate(host).sem.Release(1)
}

// RegisterTask records a task as in flight on host.
func (p *Pool) RegisterTask(host, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[host] = append(p.active[host], taskID)
}

// UnregisterTask removes a task from the in-flight list.
func (p *Pool) UnregisterTask(host, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tasks := p.active[host]
	for i, id := range tasks {
		if id == taskID {
			p.active[host] = append(tasks[:i], tasks[i+1:]...)
			return
		}
	}
}

// ActiveCount returns the total number of registered in-flight tasks.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tasks := range p.active {
		n += len(tasks)
	}
	return n
}

// ActiveTasks returns all in-flight task IDs keyed by host.
func (p *Pool) ActiveTasks() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]string, len(p.active))
	for host, tasks := range p.active {
		out[host] = append([]string(nil), tasks...)
	}
	return out
}

// Status reports each host's gate occupancy.
func (p *Pool) Status() map[string]HostStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]HostStatus, len(p.gates))
	for host, g := range p.gates {
		tasks := append([]string(nil), p.active[host]...)
		out[host] = HostStatus{
			Active:    len(tasks),
			Available: g.limit - len(tasks),
			Limit:     g.limit,
			Tasks:     tasks,
		}
	}
	return out
}
