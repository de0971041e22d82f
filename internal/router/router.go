// Package router resolves tasks to hosts. It owns the task-type → capability
// mapping, host selection (healthy first, then priority, round-robin within
// ties), the host-name label override, and the periodic health probe.
package router

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// executorPrefixes maps executor task-type prefixes to the capability the
// matching executor advertises.
var executorPrefixes = map[string]domain.Capability{
	"dev-":     domain.CapDev,
	"git-":     domain.CapDev,
	"plan-":    domain.CapDev,
	"code-":    domain.CapCode,
	"llm-":     domain.CapGeneral,
	"ollama-":  domain.CapGeneral,
	"ops-":     domain.CapOps,
	"power-":   domain.CapOps,
	"monitor-": domain.CapOps,
	"network-": domain.CapOps,
}

// ExecutorPrefix returns the matching executor prefix of taskType, or "".
func ExecutorPrefix(taskType string) string {
	for prefix := range executorPrefixes {
		if strings.HasPrefix(taskType, prefix) {
			return prefix
		}
	}
	return ""
}

type hostState struct {
	desc      domain.HostDescriptor
	healthy   bool
	lastCheck time.Time
}

// HostHealth is the observable probe state of one host.
type HostHealth struct {
	Healthy   bool      `json:"healthy"`
	URL       string    `json:"url"`
	LastCheck time.Time `json:"last_check,omitempty"`
}

// Router picks hosts for tasks and tracks their health.
type Router struct {
	mu      sync.Mutex
	hosts   map[string]*hostState
	order   []string            // declaration order, for stable iteration
	routing map[string][]string // task type → capability names
	rr      map[string]int      // round-robin counters per capability+priority

	probeInterval  time.Duration
	probeClient    *http.Client
	onHealthChange func(host string, healthy bool)
}

// New creates a router over the configured hosts. Hosts start healthy; the
// probe loop and the breaker adjust from there. onHealthChange may be nil.
func New(hosts []domain.HostDescriptor, routing map[string][]string,
	probeInterval time.Duration, onHealthChange func(host string, healthy bool)) *Router {

	r := &Router{
		hosts:          make(map[string]*hostState, len(hosts)),
		routing:        routing,
		rr:             make(map[string]int),
		probeInterval:  probeInterval,
		probeClient:    &http.Client{Timeout: 5 * time.Second},
		onHealthChange: onHealthChange,
	}
	for _, h := range hosts {
		r.hosts[h.Name] = &hostState{desc: h, healthy: true}
		r.order = append(r.order, h.Name)
	}
	return r
}

// TypeOf resolves a task's effective type: the explicit type field, then
// known labels, then title hints, then "general".
func (r *Router) TypeOf(task *domain.Task) string {
	if task.Type != "" {
		return task.Type
	}
	for _, label := range task.Labels {
		if _, ok := r.routing[label]; ok {
			return label
		}
		if ExecutorPrefix(label) != "" {
			return label
		}
	}
	title := strings.ToLower(task.Title)
	switch {
	case strings.HasPrefix(title, "code:"):
		return "code-generation"
	case strings.Contains(title, "analyze"):
		return "reasoning"
	}
	return "general"
}

// capabilitiesFor maps a task type to its capability preference list.
func (r *Router) capabilitiesFor(taskType string) []domain.Capability {
	if prefix := ExecutorPrefix(taskType); prefix != "" {
		return []domain.Capability{executorPrefixes[prefix]}
	}
	names, ok := r.routing[taskType]
	if !ok {
		names = r.routing["default"]
	}
	caps := make([]domain.Capability, 0, len(names)+1)
	for _, n := range names {
		caps = append(caps, domain.Capability(n))
	}
	// Unknown types fall back to general capability last.
	caps = append(caps, domain.CapGeneral)
	return caps
}

// Candidates returns hosts for the task in try-order: a host named by a task
// label wins outright; otherwise capability matches, healthy before unhealthy,
// smaller priority first, round-robin within ties.
func (r *Router) Candidates(task *domain.Task) ([]domain.HostDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Label override: a label equal to a host name forces that host.
	for _, label := range task.Labels {
		if hs, ok := r.hosts[label]; ok {
			return []domain.HostDescriptor{hs.desc}, nil
		}
	}

	for _, cap := range r.capabilitiesFor(r.TypeOf(task)) {
		if candidates := r.candidatesByCapability(cap); len(candidates) > 0 {
			return candidates, nil
		}
	}
	return nil, domain.ErrNoHost
}

// candidatesByCapability builds the ordered candidate list for one
// capability. Caller holds r.mu.
func (r *Router) candidatesByCapability(cap domain.Capability) []domain.HostDescriptor {
	var healthy, unhealthy []*hostState
	for _, name := range r.order {
		hs := r.hosts[name]
		if !hs.desc.HasCapability(cap) {
			continue
		}
		if hs.healthy {
			healthy = append(healthy, hs)
		} else {
			unhealthy = append(unhealthy, hs)
		}
	}
	if len(healthy) == 0 && len(unhealthy) == 0 {
		return nil
	}

	out := make([]domain.HostDescriptor, 0, len(healthy)+len(unhealthy))
	out = append(out, r.orderByPriority(string(cap), healthy)...)
	out = append(out, r.orderByPriority("", unhealthy)...)
	return out
}

// orderByPriority sorts hosts by priority and rotates equal-priority groups
// round-robin. rrKey == "" disables rotation (unhealthy spares keep declared
// order). Caller holds r.mu.
func (r *Router) orderByPriority(rrKey string, hosts []*hostState) []domain.HostDescriptor {
	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].desc.Priority < hosts[j].desc.Priority
	})

	out := make([]domain.HostDescriptor, 0, len(hosts))
	for i := 0; i < len(hosts); {
		j := i
		for j < len(hosts) && hosts[j].desc.Priority == hosts[i].desc.Priority {
			j++
		}
		group := hosts[i:j]
		if rrKey != "" && len(group) > 1 {
			offset := r.rr[rrKey] % len(group)
			r.rr[rrKey]++
			for k := 0; k < len(group); k++ {
				out = append(out, group[(offset+k)%len(group)].desc)
			}
		} else {
			for _, hs := range group {
				out = append(out, hs.desc)
			}
		}
		i = j
	}
	return out
}

// Host returns the descriptor for a named host.
func (r *Router) Host(name string) (domain.HostDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.hosts[name]
	if !ok {
		return domain.HostDescriptor{}, false
	}
	return hs.desc, true
}

// SetHealthy flips a host's health flag. The breaker uses this on open/close;
// the probe loop uses it on probe results.
func (r *Router) SetHealthy(name string, healthy bool) {
	r.mu.Lock()
	hs, ok := r.hosts[name]
	changed := ok && hs.healthy != healthy
	if ok {
		hs.healthy = healthy
		hs.lastCheck = time.Now()
	}
	cb := r.onHealthChange
	r.mu.Unlock()

	if changed && cb != nil {
		cb(name, healthy)
	}
}

// Healthy reports the current health flag of a host.
func (r *Router) Healthy(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.hosts[name]
	return ok && hs.healthy
}

// Snapshot reports probe state for every host.
func (r *Router) Snapshot() map[string]HostHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]HostHealth, len(r.hosts))
	for name, hs := range r.hosts {
		out[name] = HostHealth{Healthy: hs.healthy, URL: hs.desc.URL, LastCheck: hs.lastCheck}
	}
	return out
}

// Run probes all hosts immediately and then at the configured interval,
// until ctx is cancelled. Call in a goroutine.
func (r *Router) Run(ctx context.Context) {
	r.probeAll(ctx)

	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	r.mu.Lock()
	descs := make([]domain.HostDescriptor, 0, len(r.hosts))
	for _, name := range r.order {
		descs = append(descs, r.hosts[name].desc)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, desc := range descs {
		desc := desc
		g.Go(func() error {
			healthy := r.probeOne(ctx, desc)
			r.SetHealthy(desc.Name, healthy)
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne GETs the host's health endpoint; any non-200 or transport error
// marks the host unhealthy.
func (r *Router) probeOne(ctx context.Context, desc domain.HostDescriptor) bool {
	url := strings.TrimSuffix(desc.URL, "/") + desc.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := r.probeClient.Do(req)
	if err != nil {
		log.Printf("[router] probe %s: %v", desc.Name, err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
