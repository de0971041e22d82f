// Package handler maps task types to execution functions. Registration is
// explicit at startup; unknown types fall through to the executor-prefix
// family and finally to the general LLM handler.
package handler

import (
	"context"

	"github.com/asgard-lab/yggdrasil/internal/domain"
	"github.com/asgard-lab/yggdrasil/internal/ledger"
	"github.com/asgard-lab/yggdrasil/internal/llm"
	"github.com/asgard-lab/yggdrasil/internal/resilient"
	"github.com/asgard-lab/yggdrasil/internal/router"
)

// Result is a successful handler outcome.
type Result struct {
	Output    string
	TokensIn  int
	TokensOut int
	Host      string
	Attempts  int
	Meta      map[string]string
}

// Bundle is the client set handed to every handler invocation. Handlers are
// stateless; everything they touch arrives here.
type Bundle struct {
	Ledger *ledger.DB
	Router *router.Router
	LLM    *llm.Client
	Caller *resilient.Client
}

// Handler executes one task type.
type Handler interface {
	Execute(ctx context.Context, task *domain.Task, b *Bundle) (*Result, error)
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, task *domain.Task, b *Bundle) (*Result, error)

// Execute implements Handler.
func (f Func) Execute(ctx context.Context, task *domain.Task, b *Bundle) (*Result, error) {
	return f(ctx, task, b)
}

// CPUBound marks handlers whose work is compute-heavy; the dispatcher makes
// them acquire a slot of a small CPU semaphore before running them.
type CPUBound interface {
	CPUBound() bool
}

// Registry maps task types to handlers.
type Registry struct {
	handlers map[string]Handler
	fallback Handler
	executor Handler
}

// NewRegistry creates an empty registry with the given fallbacks. executor
// serves prefix-matched types (dev-, ops-, …); fallback serves everything
// else.
func NewRegistry(executor, fallback Handler) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		executor: executor,
		fallback: fallback,
	}
}

// Register binds a task type to a handler. Later registrations win.
func (r *Registry) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

// Resolve picks the handler for taskType: exact match, then executor prefix,
// then the general fallback.
func (r *Registry) Resolve(taskType string) Handler {
	if h, ok := r.handlers[taskType]; ok {
		return h
	}
	if router.ExecutorPrefix(taskType) != "" && r.executor != nil {
		return r.executor
	}
	return r.fallback
}

// Types returns all explicitly registered task types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Default builds the standard registry: the LLM handler family plus the
// executor-dispatch family.
func Default() *Registry {
	exec := &ExecutorHandler{}
	r := NewRegistry(exec, LLMHandler("general"))
	for _, taskType := range []string{
		"code-generation", "text-processing", "reasoning", "summarize", "general",
	} {
		r.Register(taskType, LLMHandler(taskType))
	}
	return r
}
