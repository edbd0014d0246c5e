package runtime

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/drblury/workerpool/internal/runtime/broker"
	"github.com/drblury/workerpool/internal/runtime/config"
	"github.com/drblury/workerpool/internal/runtime/ipc"
	"github.com/drblury/workerpool/internal/runtime/metadata"
	"github.com/drblury/workerpool/internal/runtime/telemetry"
	"github.com/drblury/workerpool/transport"
)

const childModeEnv = "WORKERPOOL_RUNTIME_CHILD"

func TestMain(m *testing.M) {
	if mode := os.Getenv(childModeEnv); mode != "" {
		os.Exit(runChild(mode))
	}
	os.Exit(m.Run())
}

// runChild is the child side of the tests: the test binary re-executed as a
// worker process.
//
//	serve   answers according to the message body (see serveTask)
//	exit    exits with code 4 before the handshake
//	silent  never connects and waits for stdin to close
func runChild(mode string) int {
	switch mode {
	case "serve":
		if err := ipc.NewClient(os.Stdin).Run(context.Background(), serveTask); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "exit":
		return 4
	case "silent":
		buf := make([]byte, 256)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				return 0
			}
		}
	default:
		return 99
	}
}

// serveTask picks its answer from the message body:
//
//	reply:<text>  201 with <text> as the reply
//	inspect       201 echoing correlation id, queue and the tenant header
//	fail          IGNORE_MESSAGE
//	progress      two progress frames, then 200
//	sleep:<ms>    200 after <ms>, or when the parent quits
//	crash         exits with code 3 without answering
//	anything else 200
func serveTask(ctx context.Context, task ipc.InputTask, progress ipc.ProgressFunc) ipc.OutputTask {
	body := task.Message
	switch {
	case strings.HasPrefix(body, "reply:"):
		return ipc.OutputTask{
			Status:  ipc.StatusMessageDoneWithReply,
			Message: strings.TrimPrefix(body, "reply:"),
			Headers: map[string]any{"x-child": "yes"},
		}
	case body == "inspect":
		return ipc.OutputTask{
			Status:  ipc.StatusMessageDoneWithReply,
			Message: task.CorrelationID + "|" + task.OriginalQueueName + "|" + task.Headers["tenant"],
		}
	case body == "fail":
		return ipc.OutputTask{Status: ipc.StatusIgnoreMessage}
	case body == "progress":
		_ = progress(ipc.OutputTask{Status: 100, Message: "started"})
		_ = progress(ipc.OutputTask{Status: 150, Message: "halfway"})
		return ipc.OutputTask{Status: ipc.StatusMessageDone}
	case strings.HasPrefix(body, "sleep:"):
		ms, _ := strconv.Atoi(strings.TrimPrefix(body, "sleep:"))
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}
		return ipc.OutputTask{Status: ipc.StatusMessageDone}
	case body == "crash":
		os.Exit(3)
	}
	return ipc.OutputTask{Status: ipc.StatusMessageDone}
}

func childSetting(mode, queue string) config.PoolSetting {
	return config.PoolSetting{
		WorkerUnitCount: 1,
		CommandLine:     os.Args[0],
		Env:             []string{childModeEnv + "=" + mode},
		QueueName:       queue,
	}
}

func testWorkerOptions() WorkerOptions {
	return WorkerOptions{
		HandshakeTimeout: 10 * time.Second,
		StopPollInterval: 100 * time.Millisecond,
	}
}

func startWorker(t *testing.T, src broker.Adapter, setting config.PoolSetting, opts WorkerOptions) *Worker {
	t.Helper()
	w, err := NewWorker(setting, src, opts)
	require.NoError(t, err)
	require.NoError(t, w.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	})
	return w
}

type eventKind string

const (
	eventAck     eventKind = "ack"
	eventNack    eventKind = "nack"
	eventPublish eventKind = "publish"
)

type sourceEvent struct {
	kind    eventKind
	queue   string
	body    string
	headers metadata.Metadata
}

// fakeSource is an in-memory broker.Adapter. Subscribers of the same queue
// compete for deliveries; settlements and publishes are reported on events.
type fakeSource struct {
	mu     sync.Mutex
	queues map[string]chan *broker.Delivery

	events chan sourceEvent
	closed atomic.Bool
	// publishErr, when set before the worker starts, fails every Publish.
	publishErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		queues: make(map[string]chan *broker.Delivery),
		events: make(chan sourceEvent, 128),
	}
}

func (f *fakeSource) queue(name string) chan *broker.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		q = make(chan *broker.Delivery, 64)
		f.queues[name] = q
	}
	return q
}

func (f *fakeSource) push(queue, body string, headers metadata.Metadata) *broker.Delivery {
	msg := message.NewMessage(watermill.NewUUID(), []byte(body))
	if headers != nil {
		msg.Metadata = metadata.ToWatermill(headers)
	}
	d := broker.NewDelivery(msg, queue)
	f.queue(queue) <- d
	return d
}

func (f *fakeSource) Subscribe(_ context.Context, queue string) (<-chan *broker.Delivery, error) {
	return f.queue(queue), nil
}

func (f *fakeSource) Ack(d *broker.Delivery) error {
	f.events <- sourceEvent{kind: eventAck, queue: d.Queue, body: string(d.Body)}
	return d.Ack()
}

func (f *fakeSource) NackRequeue(d *broker.Delivery) error {
	f.events <- sourceEvent{kind: eventNack, queue: d.Queue, body: string(d.Body)}
	return d.NackRequeue()
}

func (f *fakeSource) Publish(_ context.Context, queue string, body []byte, headers metadata.Metadata) error {
	f.events <- sourceEvent{kind: eventPublish, queue: queue, body: string(body), headers: headers}
	return f.publishErr
}

func (f *fakeSource) Capabilities() transport.Capabilities { return transport.RabbitMQCapabilities }

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSource) next(t *testing.T) sourceEvent {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a broker event")
		return sourceEvent{}
	}
}

func (f *fakeSource) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected broker event %s on %s (%q)", ev.kind, ev.queue, ev.body)
	case <-time.After(d):
	}
}

// recordingTelemetry keeps the noop tracer and records the metric calls the
// tests look at.
type recordingTelemetry struct {
	*telemetry.Telemetry

	mu       sync.Mutex
	failures []string
	counts   []telemetry.WorkerCounts
	rejected int
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{Telemetry: telemetry.Noop()}
}

func (r *recordingTelemetry) TaskFailed(_ string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
}

func (r *recordingTelemetry) TaskRejected(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

func (r *recordingTelemetry) SetWorkerCounts(_ string, counts telemetry.WorkerCounts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, counts)
}

func (r *recordingTelemetry) Failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

func (r *recordingTelemetry) Counts() []telemetry.WorkerCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.WorkerCounts(nil), r.counts...)
}

func (r *recordingTelemetry) rejectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}
