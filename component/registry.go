package component

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/routeflow/internal/runtime/errors"
)

// Registry maps URI schemes to component factories and their capabilities.
// Component packages register themselves with Register.
type Registry struct {
	mu           sync.RWMutex
	factories    map[string]Factory
	capabilities map[string]Capabilities
}

// DefaultRegistry is the process wide registry used when an engine is not
// given one explicitly.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:    make(map[string]Factory),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a factory for scheme.
func (r *Registry) Register(scheme string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = factory
}

// RegisterWithCapabilities adds a factory and its capabilities.
func (r *Registry) RegisterWithCapabilities(scheme string, factory Factory, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(scheme)
	r.factories[key] = factory
	r.capabilities[key] = caps
}

// GetCapabilities returns the capabilities for scheme, or a zero value
// carrying only the name when unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[strings.ToLower(scheme)]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Build creates the component registered for scheme.
func (r *Registry) Build(ctx context.Context, scheme string, cfg Config, logger watermill.LoggerAdapter) (Component, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(scheme)]
	r.mu.RUnlock()

	if !ok {
		return nil, &errspkg.Error{
			Kind:      errspkg.ErrNotFound,
			Component: scheme,
			Err:       fmt.Errorf("no component registered (registered: %v)", r.Names()),
		}
	}
	return factory(ctx, cfg, logger)
}

// Names returns the registered schemes, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether scheme is registered.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(scheme)]
	return ok
}

// Register adds a factory to the default registry.
func Register(scheme string, factory Factory) {
	DefaultRegistry.Register(scheme, factory)
}

// RegisterWithCapabilities adds a factory and capabilities to the default registry.
func RegisterWithCapabilities(scheme string, factory Factory, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, factory, caps)
}

// GetCapabilities looks up capabilities in the default registry.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}
