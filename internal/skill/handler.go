package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/skillflow/model"
)

// Handler is an in-process skill registered at startup and invoked by skill id.
type Handler interface {
	// Name returns the skill id the handler serves.
	Name() string
	// Invoke runs the skill with resolved inputs.
	Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error)
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, req model.SkillRequest) (model.SkillResult, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error) {
	return h.fn(ctx, req)
}

// HandlerFunc adapts a plain function into a Handler named name.
func HandlerFunc(name string, fn func(ctx context.Context, req model.SkillRequest) (model.SkillResult, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

// HandlerRegistry stores named handlers and provides lookup by name.
// It is safe for concurrent use after initial registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates a new empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its Name(). Panics if a handler with the same
// name is already registered, since this indicates a wiring mistake at startup.
func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		panic(fmt.Sprintf("skill: handler %q already registered", h.Name()))
	}
	r.handlers[h.Name()] = h
}

// Get returns the handler registered under the given name, or false if not found.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names, sorted alphabetically.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandlerInvoker runs skills through registered handlers. It implements
// Resolver.
type HandlerInvoker struct {
	registry *HandlerRegistry
}

// NewHandlerInvoker creates an invoker backed by the given handler registry.
func NewHandlerInvoker(registry *HandlerRegistry) *HandlerInvoker {
	return &HandlerInvoker{registry: registry}
}

// Supports returns true when a handler is registered for skillID.
func (inv *HandlerInvoker) Supports(skillID string) bool {
	_, ok := inv.registry.Get(skillID)
	return ok
}

// Invoke looks up the handler by skill id and delegates the call.
func (inv *HandlerInvoker) Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error) {
	handler, ok := inv.registry.Get(req.SkillID)
	if !ok {
		return model.SkillResult{}, model.NewSkillNotFoundError(req.SkillID)
	}
	return handler.Invoke(ctx, req)
}
