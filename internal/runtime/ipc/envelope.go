package ipc

// Status is the verdict a child attaches to an OutputTask.
type Status int16

const (
	// StatusIgnoreMessage tells the pool the child declined the message.
	StatusIgnoreMessage Status = -1
	// StatusMessageDone marks successful processing.
	StatusMessageDone Status = 200
	// StatusMessageDoneWithReply marks successful processing with a reply to publish.
	StatusMessageDoneWithReply Status = 201
	// StatusUnknownError is what child SDKs report for an uncaught exception.
	StatusUnknownError Status = 500
)

// IsProgress reports whether the status is an informational echo that
// precedes the final answer for the same InputTask.
func (s Status) IsProgress() bool {
	return s >= 100 && s < 200
}

// IsSuccess reports whether the status acknowledges the message.
func (s Status) IsSuccess() bool {
	return s == StatusMessageDone || s == StatusMessageDoneWithReply
}

func (s Status) String() string {
	switch s {
	case StatusIgnoreMessage:
		return "IGNORE_MESSAGE"
	case StatusMessageDone:
		return "MESSAGE_DONE"
	case StatusMessageDoneWithReply:
		return "MESSAGE_DONE_WITH_REPLY"
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	}
	if s.IsProgress() {
		return "PROGRESS"
	}
	return "UNEXPECTED"
}

// InputTask is the envelope written to the child for every delivery. Keys
// are positional strings so existing child SDKs can decode it.
type InputTask struct {
	Message           string            `msgpack:"0"`
	CorrelationID     string            `msgpack:"1"`
	OriginalQueueName string            `msgpack:"2"`
	Headers           map[string]string `msgpack:"3"`
}

// OutputTask is the envelope the child answers with.
type OutputTask struct {
	Message        string         `msgpack:"0"`
	Status         Status         `msgpack:"1"`
	Headers        map[string]any `msgpack:"2"`
	ReplyQueueName string         `msgpack:"3"`
}
