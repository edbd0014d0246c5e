// Package nats provides the NATS JetStream transport. Subscriptions of one
// queue join the same queue group, so JetStream hands each message to a single
// worker and redelivers it after a nak.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/workerpool/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	// DefaultQueueGroupPrefix is used when no queue group prefix is configured.
	DefaultQueueGroupPrefix = "workerpool"

	// DefaultAckWait is how long a child may hold a message before JetStream
	// redelivers it.
	DefaultAckWait = 5 * time.Minute
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.MustRegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &wmnats.NATSMarshaler{}
	options := ConnectOptions(cfg.GetNATSClientName())

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream: wmnats.JetStreamConfig{
				AutoProvision: true,
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats: publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(SubscriberConfig(url, cfg.GetNATSQueueGroupPrefix(), options, marshaler), logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConnectOptions names the connection and keeps reconnecting while the
// server is unavailable.
func ConnectOptions(clientName string) []nc.Option {
	options := []nc.Option{
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(time.Second),
	}
	if clientName != "" {
		options = append(options, nc.Name(clientName))
	}
	return options
}

// SubscriberConfig consumes one message at a time per subscription through a
// JetStream queue group.
func SubscriberConfig(url, queueGroupPrefix string, options []nc.Option, unmarshaler wmnats.Unmarshaler) wmnats.SubscriberConfig {
	if queueGroupPrefix == "" {
		queueGroupPrefix = DefaultQueueGroupPrefix
	}
	return wmnats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: queueGroupPrefix,
		SubscribersCount: 1,
		AckWaitTimeout:   DefaultAckWait,
		NatsOptions:      options,
		Unmarshaler:      unmarshaler,
		JetStream: wmnats.JetStreamConfig{
			AutoProvision:    true,
			SubscribeOptions: []nc.SubOpt{nc.AckWait(DefaultAckWait)},
		},
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
