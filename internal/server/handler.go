package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"example.com/qsonac/internal/http1"
	"example.com/qsonac/internal/logger"
)

// HandlerFactory builds a handler from a route's opaque handler_config.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (http1.Handler, error)

// HandlerRegistry maps handler_type names from the configuration to their
// factories. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates and returns a new HandlerRegistry instance.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates a handler type with a factory. Registering the same
// type twice is an error.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("nil factory for handler type '%s'", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory retrieves the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// Types returns the number of registered handler types.
func (r *HandlerRegistry) Types() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// CreateHandler instantiates a handler of the given type. It fails if the
// type is unknown or the factory rejects its configuration.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (http1.Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	h, err := factory(handlerConfig, lg)
	if err != nil {
		return nil, fmt.Errorf("creating handler type '%s': %w", handlerType, err)
	}
	if h == nil {
		return nil, fmt.Errorf("factory for handler type '%s' returned no handler", handlerType)
	}
	return h, nil
}

// ClearFactories removes all registered factories. Intended for tests.
func (r *HandlerRegistry) ClearFactories() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]HandlerFactory)
}
