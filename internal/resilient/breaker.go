// Package resilient executes outbound HTTP calls with retry, per-host circuit
// breaking, and cloud fallback. It is the only path from handlers to the
// network: LLM calls and executor dispatch both go through Client.Do.
package resilient

import (
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

// BreakerSettings shapes every per-host breaker.
type BreakerSettings struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

// BreakerSnapshot is the observable state of one host's breaker.
type BreakerSnapshot struct {
	State               domain.BreakerState `json:"state"`
	ConsecutiveFailures uint32              `json:"consecutive_failures"`
}

// BreakerRegistry holds one circuit breaker per host, created lazily.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings

	// onStateChange is invoked outside the registry lock on every breaker
	// transition. May be nil.
	onStateChange func(host string, from, to domain.BreakerState)
}

// NewBreakerRegistry creates a registry. onStateChange may be nil.
func NewBreakerRegistry(settings BreakerSettings, onStateChange func(host string, from, to domain.BreakerState)) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		settings:      settings,
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for host, creating it on first use.
func (r *BreakerRegistry) Get(host string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[host]; ok {
		return cb
	}

	threshold := r.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1, // single trial call in half-open
		Interval:    0, // failure counts only clear on success or trip
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[breaker] %s: %s → %s", name, from, to)
			if r.onStateChange != nil {
				r.onStateChange(name, toDomainState(from), toDomainState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// Only retryable failures count against the host; a caller
			// mistake (bad payload) says nothing about host health.
			if err == nil {
				return true
			}
			return !domain.KindOf(err).Retryable()
		},
	})
	r.breakers[host] = cb
	return cb
}

// State reports the breaker state for host. Hosts never called are closed.
func (r *BreakerRegistry) State(host string) domain.BreakerState {
	r.mu.Lock()
	cb, ok := r.breakers[host]
	r.mu.Unlock()
	if !ok {
		return domain.BreakerClosed
	}
	return toDomainState(cb.State())
}

// Snapshot reports every instantiated breaker.
func (r *BreakerRegistry) Snapshot() map[string]BreakerSnapshot {
	r.mu.Lock()
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(r.breakers))
	for host, cb := range r.breakers {
		breakers[host] = cb
	}
	r.mu.Unlock()

	// cb.State() may fire a transition, so it runs outside the registry lock.
	out := make(map[string]BreakerSnapshot, len(breakers))
	for host, cb := range breakers {
		out[host] = BreakerSnapshot{
			State:               toDomainState(cb.State()),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		}
	}
	return out
}

func toDomainState(s gobreaker.State) domain.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return domain.BreakerOpen
	case gobreaker.StateHalfOpen:
		return domain.BreakerHalfOpen
	default:
		return domain.BreakerClosed
	}
}
