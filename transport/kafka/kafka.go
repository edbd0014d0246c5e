// Package kafka provides the Kafka transport. All workers of a pool join one
// consumer group so partitions are spread across them; acknowledging a
// message marks its offset for commit after processing.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/workerpool/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.MustRegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()

	subscriberSarama, err := SubscriberSaramaConfig(cfg.GetKafkaClientID(), cfg.GetKafkaInitialOffset())
	if err != nil {
		return transport.Transport{}, err
	}

	publisherSarama := kafka.DefaultSaramaSyncPublisherConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		publisherSarama.ClientID = id
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka: publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           Unmarshaler{},
			ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
			OverwriteSaramaConfig: subscriberSarama,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka: subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// SubscriberSaramaConfig returns the consumer configuration: watermill's
// defaults with the client id and the initial offset ("oldest" or "newest")
// applied.
func SubscriberSaramaConfig(clientID, initialOffset string) (*sarama.Config, error) {
	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	if clientID != "" {
		saramaConfig.ClientID = clientID
	}
	switch strings.ToLower(initialOffset) {
	case "", "oldest":
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest":
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("kafka: unknown initial offset %q", initialOffset)
	}
	return saramaConfig, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Unmarshaler records where a message came from (topic, partition and offset)
// in its metadata on top of the default header decoding.
type Unmarshaler struct {
	kafka.DefaultMarshaler
}

// Unmarshal implements kafka.Unmarshaler.
func (u Unmarshaler) Unmarshal(kafkaMsg *sarama.ConsumerMessage) (*message.Message, error) {
	msg, err := u.DefaultMarshaler.Unmarshal(kafkaMsg)
	if err != nil {
		return nil, err
	}
	msg.Metadata.Set(transport.MetadataTopic, kafkaMsg.Topic)
	msg.Metadata.Set(transport.MetadataPartition, strconv.FormatInt(int64(kafkaMsg.Partition), 10))
	msg.Metadata.Set(transport.MetadataOffset, strconv.FormatInt(kafkaMsg.Offset, 10))
	return msg, nil
}
