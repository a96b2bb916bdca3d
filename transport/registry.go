package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maintains a mapping of transport names to their dialers and capabilities.
// Transport packages should register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	dialers      map[string]Dialer
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[string]Dialer),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a dialer to the registry.
// The name should match the PubSubSystem config value (e.g., "rabbitmq").
func (r *Registry) Register(name string, dialer Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = dialer
}

// RegisterWithCapabilities adds a dialer and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, dialer Dialer, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = dialer
	r.capabilities[name] = caps
}

// GetCapabilities returns the capabilities for a registered transport.
// Returns a zero Capabilities struct if the transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Lookup returns the dialer registered under name.
func (r *Registry) Lookup(name string) (Dialer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[name]
	return d, ok
}

// Dial opens a connection using the dialer registered for the config's PubSubSystem.
func (r *Registry) Dial(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := cfg.GetPubSubSystem()
	dialer, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}

	return dialer(ctx, cfg, logger)
}

// Names returns the sorted list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Register adds a dialer to the default registry.
func Register(name string, dialer Dialer) {
	DefaultRegistry.Register(name, dialer)
}

// RegisterWithCapabilities adds a dialer and its capabilities to the default registry.
func RegisterWithCapabilities(name string, dialer Dialer, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, dialer, caps)
}

// GetCapabilities returns capabilities from the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}

// Dial opens a connection using the default registry.
func Dial(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Conn, error) {
	return DefaultRegistry.Dial(ctx, cfg, logger)
}
