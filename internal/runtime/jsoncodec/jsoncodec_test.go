package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolPayload struct {
	PoolID  string  `json:"pool_id"`
	Healthy int     `json:"healthy_workers"`
	Percent float64 `json:"health_percentage"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := poolPayload{PoolID: "pool-1", Healthy: 3, Percent: 75}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"healthy_workers":3`)

	var out poolPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEncodeAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []poolPayload{{PoolID: "a"}}))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.True(t, strings.HasPrefix(buf.String(), `[{"pool_id":"a"`))
}
