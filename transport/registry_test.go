package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	brokerSystem string
}

func (m *mockConfig) GetBrokerSystem() string         { return m.brokerSystem }
func (m *mockConfig) GetKafkaBrokers() []string       { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string   { return "" }
func (m *mockConfig) GetKafkaClientID() string        { return "" }
func (m *mockConfig) GetKafkaInitialOffset() string   { return "" }
func (m *mockConfig) GetRabbitMQURL() string          { return "" }
func (m *mockConfig) GetRabbitMQPrefetchCount() int   { return 0 }
func (m *mockConfig) GetNATSURL() string              { return "" }
func (m *mockConfig) GetNATSQueueGroupPrefix() string { return "" }
func (m *mockConfig) GetNATSClientName() string       { return "" }
func (m *mockConfig) GetAWSRegion() string            { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string       { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string   { return "" }
func (m *mockConfig) GetAWSEndpoint() string          { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                            { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error { return nil }

func okBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.entries)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	caps := Capabilities{Name: "test-transport", SupportsPrefetch: true, SupportsCompetingConsumers: true}
	require.NoError(t, reg.RegisterWithCapabilities("test-transport", okBuilder, caps))

	assert.True(t, reg.Has("test-transport"))
	assert.True(t, reg.Has("Test-Transport"))
	assert.Equal(t, caps, reg.GetCapabilities("test-transport"))
}

func TestRegistry_RegisterFillsCapabilityName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(" Plain ", okBuilder))
	require.NoError(t, reg.RegisterWithCapabilities("acked", okBuilder, Capabilities{SupportsAck: true}))

	assert.Equal(t, Capabilities{Name: "plain"}, reg.GetCapabilities("plain"))
	assert.True(t, reg.GetCapabilities("plain").RequiresSharedSource())
	assert.Equal(t, "acked", reg.GetCapabilities("ACKED").Name)
	assert.Equal(t, []string{"acked", "plain"}, reg.Names())
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterWithCapabilities("kafka", okBuilder, KafkaCapabilities))

	err := reg.Register("KAFKA", okBuilder)
	require.ErrorIs(t, err, ErrDuplicateTransport)
	assert.Contains(t, err.Error(), `"kafka"`)
	assert.Equal(t, KafkaCapabilities, reg.GetCapabilities("kafka"))
}

func TestRegistry_RejectsInvalidRegistrations(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		builder Builder
		caps    Capabilities
		msg     string
	}{
		{name: "empty name", key: "  ", builder: okBuilder, msg: "empty name"},
		{name: "nil builder", key: "broken", msg: "has no builder"},
		{name: "nack without ack", key: "broken", builder: okBuilder, caps: Capabilities{SupportsNack: true}, msg: "nack without ack"},
		{name: "negative size", key: "broken", builder: okBuilder, caps: Capabilities{MaxMessageSize: -1}, msg: "negative max message size"},
		{name: "mismatched name", key: "broken", builder: okBuilder, caps: NATSCapabilities, msg: `capabilities of "nats"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.RegisterWithCapabilities(tc.key, tc.builder, tc.caps)
			require.ErrorIs(t, err, ErrInvalidTransport)
			assert.Contains(t, err.Error(), tc.msg)
			assert.Empty(t, reg.Names())
		})
	}
}

func TestRegistry_BuiltinCapabilitiesAreValid(t *testing.T) {
	reg := NewRegistry()
	for _, caps := range []Capabilities{ChannelCapabilities, KafkaCapabilities, RabbitMQCapabilities, NATSCapabilities, AWSCapabilities} {
		assert.NoError(t, reg.RegisterWithCapabilities(caps.Name, okBuilder, caps), caps.Name)
	}
	assert.Equal(t, []string{"aws", "channel", "kafka", "nats", "rabbitmq"}, reg.Names())
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, Capabilities{Name: "unknown"}, caps)
	assert.True(t, caps.RequiresSharedSource())
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	var gotLogger watermill.LoggerAdapter
	require.NoError(t, reg.Register("test-transport", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		gotLogger = logger
		return okBuilder(ctx, cfg, logger)
	}))

	tr, err := reg.Build(context.Background(), &mockConfig{brokerSystem: "Test-Transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.NotNil(t, gotLogger)
}

func TestRegistry_Build_Errors(t *testing.T) {
	reg := NewRegistry()
	builderErr := errors.New("builder error")
	require.NoError(t, reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, builderErr
	}))
	require.NoError(t, reg.Register("known", okBuilder))

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &mockConfig{brokerSystem: "missing"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport: "missing"`)
	assert.Contains(t, err.Error(), "[failing known]")

	_, err = reg.Build(context.Background(), &mockConfig{brokerSystem: "failing"}, nil)
	assert.ErrorIs(t, err, builderErr)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"rabbitmq", "aws", "kafka"} {
		require.NoError(t, reg.Register(name, okBuilder))
	}

	assert.Equal(t, []string{"aws", "kafka", "rabbitmq"}, reg.Names())
	assert.False(t, reg.Has("nats"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	var duplicates atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if errors.Is(reg.Register(fmt.Sprintf("transport-%d", j), okBuilder), ErrDuplicateTransport) {
					duplicates.Add(1)
				}
				reg.Has("transport-0")
				reg.Names()
				reg.GetCapabilities("transport-0")
			}
		}()
	}
	wg.Wait()
	assert.Len(t, reg.Names(), 100)
	assert.Equal(t, int32(900), duplicates.Load())
}

func TestPackageLevelRegistration(t *testing.T) {
	original := DefaultRegistry
	DefaultRegistry = NewRegistry()
	defer func() { DefaultRegistry = original }()

	require.NoError(t, Register("plain", okBuilder))
	require.NoError(t, RegisterWithCapabilities("rich", okBuilder, Capabilities{Name: "rich", SupportsReplyTo: true}))

	assert.True(t, DefaultRegistry.Has("plain"))
	assert.True(t, GetCapabilities("rich").SupportsReplyTo)

	tr, err := Build(context.Background(), &mockConfig{brokerSystem: "plain"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Subscriber)

	_, err = Build(context.Background(), &mockConfig{brokerSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}

func TestMustRegisterWithCapabilitiesPanicsOnDuplicate(t *testing.T) {
	original := DefaultRegistry
	DefaultRegistry = NewRegistry()
	defer func() { DefaultRegistry = original }()

	assert.NotPanics(t, func() { MustRegisterWithCapabilities("channel", okBuilder, ChannelCapabilities) })
	assert.Panics(t, func() { MustRegisterWithCapabilities("channel", okBuilder, ChannelCapabilities) })
}
