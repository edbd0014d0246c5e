package runtime

import "github.com/drblury/workerpool/internal/runtime/ipc"

// Action is the broker operation that settles a delivery.
type Action int

const (
	ActionNackRequeue Action = iota
	ActionAck
)

func (a Action) String() string {
	if a == ActionAck {
		return "ack"
	}
	return "nack_requeue"
}

// statusActions lists the terminal statuses that acknowledge a delivery.
// Every status missing from the table is requeued.
var statusActions = map[ipc.Status]Action{
	ipc.StatusMessageDone:          ActionAck,
	ipc.StatusMessageDoneWithReply: ActionAck,
}

// ActionFor maps a terminal status to the broker action.
func ActionFor(status ipc.Status) Action {
	if action, ok := statusActions[status]; ok {
		return action
	}
	return ActionNackRequeue
}

// WorkerStatus is the lifecycle state of a Worker. It only moves forward.
type WorkerStatus int32

const (
	WorkerWaitForInit WorkerStatus = iota
	WorkerRunning
	WorkerStopping
	WorkerStopped
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerWaitForInit:
		return "wait_for_init"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in the health API.
func (s WorkerStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
