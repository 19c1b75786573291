package handler

import (
	"sort"
	"sync"

	"github.com/gantry-io/gantry/pkg/schema"
)

// Registry is the thread-safe handler lookup table. It is constructed
// explicitly at process wiring time and passed by reference; there is no
// global instance.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// Has reports whether a handler with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, Info{
			Name:        h.Name(),
			Description: h.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
