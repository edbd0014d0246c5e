package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrDuplicateTransport is returned when a name is registered twice.
	ErrDuplicateTransport = errors.New("transport already registered")
	// ErrInvalidTransport is returned for a registration the runtime could
	// not build or settle deliveries with.
	ErrInvalidTransport = errors.New("invalid transport registration")
)

// Registry maps BrokerSystem names to transport builders and their
// capabilities. Names are stored lower-cased.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	builder Builder
	caps    Capabilities
}

// DefaultRegistry is the registry the built-in transports add themselves to.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a builder whose capabilities are unknown. Pools built on it
// fan a single subscription out to their workers.
func (r *Registry) Register(name string, builder Builder) error {
	return r.RegisterWithCapabilities(name, builder, Capabilities{})
}

// RegisterWithCapabilities adds a builder and the features its broker offers.
// An empty caps.Name takes the registered name.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) error {
	key := normalize(name)
	if err := validate(key, builder, &caps); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[key]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateTransport, key)
	}
	r.entries[key] = entry{builder: builder, caps: caps}
	return nil
}

func validate(key string, builder Builder, caps *Capabilities) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty name", ErrInvalidTransport)
	case builder == nil:
		return fmt.Errorf("%w: %q has no builder", ErrInvalidTransport, key)
	case caps.SupportsNack && !caps.SupportsAck:
		return fmt.Errorf("%w: %q supports nack without ack", ErrInvalidTransport, key)
	case caps.MaxMessageSize < 0:
		return fmt.Errorf("%w: %q has negative max message size %d", ErrInvalidTransport, key, caps.MaxMessageSize)
	}
	if caps.Name == "" {
		caps.Name = key
	} else if normalize(caps.Name) != key {
		return fmt.Errorf("%w: %q registered with capabilities of %q", ErrInvalidTransport, key, caps.Name)
	}
	return nil
}

// GetCapabilities returns the capabilities registered for name, or a
// Capabilities carrying only the name when it is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[normalize(name)]; ok {
		return e.caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport named by cfg.GetBrokerSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := normalize(cfg.GetBrokerSystem())
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return e.builder(ctx, cfg, logger)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalize(name)]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) error {
	return DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) error {
	return DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// MustRegisterWithCapabilities is RegisterWithCapabilities for init functions.
func MustRegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if err := RegisterWithCapabilities(name, builder, caps); err != nil {
		panic(err)
	}
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
