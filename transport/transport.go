// Package transport defines the broker transports a worker pool can consume
// from. Each implementation (rabbitmq, kafka, nats, aws, channel) lives in its
// own sub-package and registers a Builder under its broker system name.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a Builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetBrokerSystem returns the registered transport name.
	GetBrokerSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
	GetKafkaClientID() string
	GetKafkaInitialOffset() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQPrefetchCount() int

	// NATS
	GetNATSURL() string
	GetNATSQueueGroupPrefix() string
	GetNATSClientName() string

	// AWS
	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Transports copy broker-level delivery details into message metadata under
// these keys. They never reach the child process.
const (
	MetadataPrefix        = "_wp_"
	MetadataDeliveryTag   = MetadataPrefix + "delivery_tag"
	MetadataReplyTo       = MetadataPrefix + "reply_to"
	MetadataCorrelationID = MetadataPrefix + "correlation_id"
	MetadataTopic         = MetadataPrefix + "topic"
	MetadataPartition     = MetadataPrefix + "partition"
	MetadataOffset        = MetadataPrefix + "offset"
)
