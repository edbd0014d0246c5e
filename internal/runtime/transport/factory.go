// Package transport turns a runtime configuration into a broker transport
// through the transport registry.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/workerpool/internal/runtime/config"
	registry "github.com/drblury/workerpool/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/workerpool/transport/transports"
)

// Transport combines a publisher and subscriber pair produced by a factory
// with what the broker behind them can do.
type Transport struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities registry.Capabilities
}

// Factory abstracts how the service initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build implements Factory.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in transport factory that uses the
// transport registry.
func DefaultFactory() Factory {
	return registryFactory{registry: registry.DefaultRegistry}
}

// NewFactory builds transports from r.
func NewFactory(r *registry.Registry) Factory {
	return registryFactory{registry: r}
}

type registryFactory struct {
	registry *registry.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:    t.Publisher,
		Subscriber:   t.Subscriber,
		Capabilities: f.registry.GetCapabilities(strings.ToLower(conf.BrokerSystem)),
	}, nil
}
