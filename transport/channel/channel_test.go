package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/workerpool/internal/runtime/config"
	"github.com/drblury/workerpool/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = original }()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.RequiresSharedSource())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	var gotCfg gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		gotCfg = cfg
		return original(cfg, logger)
	}

	tr, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Publisher.Close()
	assert.True(t, gotCfg.Persistent)
}

func TestMessagesPublishedBeforeSubscribeAreDelivered(t *testing.T) {
	tr, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Publisher.Close()

	require.NoError(t, tr.Publisher.Publish("orders", message.NewMessage("1", []byte("early"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, "early", string(msg.Payload))
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}
