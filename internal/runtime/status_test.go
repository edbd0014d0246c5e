package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/workerpool/internal/runtime/ipc"
	"github.com/drblury/workerpool/internal/runtime/jsoncodec"
)

func TestActionFor(t *testing.T) {
	cases := map[ipc.Status]Action{
		ipc.StatusMessageDone:          ActionAck,
		ipc.StatusMessageDoneWithReply: ActionAck,
		ipc.StatusIgnoreMessage:        ActionNackRequeue,
		ipc.StatusUnknownError:         ActionNackRequeue,
		ipc.Status(404):                ActionNackRequeue,
		ipc.Status(0):                  ActionNackRequeue,
	}
	for status, want := range cases {
		assert.Equal(t, want, ActionFor(status), "status %d", status)
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "ack", ActionAck.String())
	assert.Equal(t, "nack_requeue", ActionNackRequeue.String())
}

func TestWorkerStatusNames(t *testing.T) {
	assert.Equal(t, "wait_for_init", WorkerWaitForInit.String())
	assert.Equal(t, "running", WorkerRunning.String())
	assert.Equal(t, "stopping", WorkerStopping.String())
	assert.Equal(t, "stopped", WorkerStopped.String())
	assert.Equal(t, "unknown", WorkerStatus(42).String())

	raw, err := jsoncodec.Marshal(WorkerInfo{Status: WorkerRunning})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"running"`)
}
