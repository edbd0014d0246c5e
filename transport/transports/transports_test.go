package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/workerpool/transport"
)

func TestBuiltInTransportsRegistered(t *testing.T) {
	for _, name := range []string{"aws", "channel", "kafka", "nats", "rabbitmq"} {
		assert.True(t, transport.DefaultRegistry.Has(name), name)
		assert.Equal(t, name, transport.GetCapabilities(name).Name)
	}
}
