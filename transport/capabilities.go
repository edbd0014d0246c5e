package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a nacked message is redelivered.
	SupportsNack bool

	// SupportsOrdering indicates messages within a queue or partition are
	// delivered in order.
	SupportsOrdering bool

	// SupportsPartitioning indicates deliveries are identified by
	// topic, partition and offset.
	SupportsPartitioning bool

	// SupportsPrefetch indicates the broker bounds unacknowledged deliveries
	// per consumer.
	SupportsPrefetch bool

	// SupportsReplyTo indicates deliveries can carry a native reply-to address.
	SupportsReplyTo bool

	// SupportsCompetingConsumers indicates several subscriptions to the same
	// queue share its messages instead of each receiving a copy.
	SupportsCompetingConsumers bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresSharedSource reports whether a pool must fan a single subscription
// out to its workers because the broker would otherwise duplicate messages.
func (c Capabilities) RequiresSharedSource() bool {
	return !c.SupportsCompetingConsumers
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:                       "channel",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsOrdering:           true,
		SupportsCompetingConsumers: false,
	}

	// KafkaCapabilities for Apache Kafka. Every subscription joins the same
	// consumer group, so partitions are shared between workers.
	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsOrdering:           true,
		SupportsPartitioning:       true,
		SupportsTracing:            true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsOrdering:           true,
		SupportsPrefetch:           true,
		SupportsReplyTo:            true,
		SupportsTracing:            true,
		SupportsCompetingConsumers: true,
	}

	// NATSCapabilities for NATS JetStream with queue groups.
	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SQS.
	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsTracing:            true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             262144, // 256KB
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Returns a Capabilities value carrying only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
