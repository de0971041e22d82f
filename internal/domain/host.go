package domain

import "time"

// Capability names a class of work a host can perform.
type Capability string

const (
	CapCode      Capability = "code"
	CapText      Capability = "text"
	CapReasoning Capability = "reasoning"
	CapGeneral   Capability = "general"
	CapOps       Capability = "ops"
	CapDev       Capability = "dev"
)

// HostDescriptor describes one reachable endpoint — an LLM runtime or an
// executor service. Configured at startup and never mutated afterwards;
// only the health flag changes, and that lives in the router.
type HostDescriptor struct {
	Name         string
	URL          string
	Model        string // model served, for LLM hosts; empty for executors
	Capabilities []Capability
	Priority     int // smaller = preferred
	Timeout      time.Duration
	HealthPath   string // probed endpoint, default /health
}

// HasCapability reports whether the host advertises cap.
func (h *HostDescriptor) HasCapability(cap Capability) bool {
	for _, c := range h.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// BreakerState mirrors the per-host circuit breaker state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)
