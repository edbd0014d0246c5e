// Package rabbitmq provides the RabbitMQ/AMQP transport. Every pool queue is
// a durable queue consumed with a QoS prefetch bound, and AMQP delivery
// properties (delivery tag, reply-to, correlation id) are carried into message
// metadata.
package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/workerpool/internal/runtime/metadata"
	"github.com/drblury/workerpool/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// messageUUIDHeader is where watermill publishers store the message UUID.
const messageUUIDHeader = "_watermill_message_uuid"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.MustRegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport sharing one connection between the
// publisher and the subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := NewConfig(url, cfg.GetRabbitMQPrefetchCount())

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// NewConfig is a durable queue config whose consumers hold at most prefetch
// unacknowledged deliveries. Messages are published straight to the queue
// named by the topic through the default exchange.
func NewConfig(url string, prefetch int) amqp.Config {
	amqpConfig := amqp.NewDurableQueueConfig(url)
	amqpConfig.Marshaler = Marshaler{}
	if prefetch > 0 {
		amqpConfig.Consume.Qos.PrefetchCount = prefetch
	}
	return amqpConfig
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Marshaler converts between watermill messages and AMQP.
//
// Publishing sets the AMQP correlation id from the CorrelationId header.
// Consuming accepts non-string header values from foreign publishers and
// records the delivery tag, reply-to and correlation id properties.
type Marshaler struct {
	amqp.DefaultMarshaler
}

// Marshal implements amqp.Marshaler.
func (m Marshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	publishing, err := m.DefaultMarshaler.Marshal(msg)
	if err != nil {
		return publishing, err
	}
	if id := msg.Metadata.Get(metadata.HeaderCorrelationID); id != "" {
		publishing.CorrelationId = id
	}
	return publishing, nil
}

// Unmarshal implements amqp.Marshaler.
func (m Marshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	uuid, _ := delivery.Headers[messageUUIDHeader].(string)
	if uuid == "" {
		uuid = delivery.MessageId
	}
	if uuid == "" {
		uuid = watermill.NewUUID()
	}

	msg := message.NewMessage(uuid, delivery.Body)
	for key, value := range delivery.Headers {
		if key == messageUUIDHeader {
			continue
		}
		msg.Metadata.Set(key, headerString(value))
	}

	msg.Metadata.Set(transport.MetadataDeliveryTag, strconv.FormatUint(delivery.DeliveryTag, 10))
	if delivery.ReplyTo != "" {
		msg.Metadata.Set(transport.MetadataReplyTo, delivery.ReplyTo)
	}
	if delivery.CorrelationId != "" {
		msg.Metadata.Set(transport.MetadataCorrelationID, delivery.CorrelationId)
	}
	return msg, nil
}

func headerString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
