package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"

	"github.com/drblury/workerpool/internal/runtime/broker"
	"github.com/drblury/workerpool/internal/runtime/config"
	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	"github.com/drblury/workerpool/internal/runtime/ids"
	"github.com/drblury/workerpool/internal/runtime/ipc"
	"github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/metadata"
	"github.com/drblury/workerpool/internal/runtime/process"
	"github.com/drblury/workerpool/internal/runtime/telemetry"
)

// disconnectedBackoff delays the requeue of deliveries that reach a worker
// whose child is gone, so a dead child does not spin the broker.
const disconnectedBackoff = 250 * time.Millisecond

// WorkerOptions configures a Worker. Zero values fall back to the config
// package defaults.
type WorkerOptions struct {
	// Pool names the owning pool in logs, hooks and metrics.
	Pool string

	HandshakeTimeout time.Duration
	StopPollInterval time.Duration
	// SocketDir holds the rendezvous sockets; os.TempDir when empty.
	SocketDir    string
	MaxFrameSize uint32

	Logger    logging.ServiceLogger
	Telemetry telemetry.Provider
	Hooks     TaskHooks
	// Stats is shared by every worker of a pool.
	Stats *TaskStats
}

func (o *WorkerOptions) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = config.DefaultStopPollInterval
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = config.DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Noop()
	}
	if o.Stats == nil {
		o.Stats = NewTaskStats()
	}
}

// TaskError explains why a delivery was requeued.
type TaskError struct {
	// Reason is one of the telemetry.Reason* values.
	Reason string
	// Status is the child's terminal status when Reason is telemetry.ReasonStatus.
	Status ipc.Status
	Err    error
}

func (e *TaskError) Error() string {
	if e.Reason == telemetry.ReasonStatus {
		return fmt.Sprintf("child answered %s (%d)", e.Status, e.Status)
	}
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// WorkerInfo is a point-in-time view of a worker.
type WorkerInfo struct {
	ID             string       `json:"id"`
	PID            int          `json:"pid"`
	Status         WorkerStatus `json:"status"`
	Queue          string       `json:"queue"`
	TasksProcessed uint64       `json:"tasks_processed"`
	Busy           bool         `json:"busy"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at,omitempty"`
}

type frame struct {
	out ipc.OutputTask
	err error
}

// Worker couples one child process to one broker subscription. It hands the
// child one delivery at a time and settles the delivery according to the
// child's verdict.
type Worker struct {
	id        string
	setting   config.PoolSetting
	source    broker.Adapter
	opts      WorkerOptions
	logger    logging.ServiceLogger
	createdAt time.Time

	status      atomic.Int32
	initStarted atomic.Bool
	busy        atomic.Bool
	processed   atomic.Uint64
	lastAt      atomic.Int64
	pid         atomic.Int64

	supervisor *process.Supervisor
	channel    *ipc.Channel
	frames     chan frame
	// owed counts terminals still due from exchanges that were abandoned on
	// timeout. Only the loop goroutine touches it.
	owed int

	runCtx   context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	halt     chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewWorker prepares a worker for setting. Nothing is started until Init.
func NewWorker(setting config.PoolSetting, source broker.Adapter, opts WorkerOptions) (*Worker, error) {
	if source == nil {
		return nil, rterrors.ErrAdapterRequired
	}
	if setting.CommandLine == "" {
		return nil, rterrors.ErrCommandRequired
	}
	if setting.QueueName == "" {
		return nil, rterrors.ErrQueueRequired
	}
	opts.applyDefaults()
	if opts.Pool == "" {
		opts.Pool = setting.Name()
	}

	id := ids.WithPrefix("worker")
	return &Worker{
		id:        id,
		setting:   setting,
		source:    source,
		opts:      opts,
		logger:    opts.Logger.With(logging.LogFields{"worker_id": id, "queue": setting.QueueName}),
		createdAt: time.Now(),
		halt:      make(chan struct{}),
	}, nil
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.id }

// Status returns the current lifecycle state without locking.
func (w *Worker) Status() WorkerStatus { return WorkerStatus(w.status.Load()) }

// PID returns the child's process id, or 0 before Init.
func (w *Worker) PID() int { return int(w.pid.Load()) }

// Info snapshots the worker.
func (w *Worker) Info() WorkerInfo {
	info := WorkerInfo{
		ID:             w.id,
		PID:            w.PID(),
		Status:         w.Status(),
		Queue:          w.setting.QueueName,
		TasksProcessed: w.processed.Load(),
		Busy:           w.busy.Load(),
		CreatedAt:      w.createdAt,
	}
	if last := w.lastAt.Load(); last > 0 {
		info.LastActivityAt = time.Unix(0, last)
	}
	return info
}

// advance moves the status forward to next. It reports false when the worker
// already reached next or a later state.
func (w *Worker) advance(next WorkerStatus) bool {
	for {
		cur := w.status.Load()
		if WorkerStatus(cur) >= next {
			return false
		}
		if w.status.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Init spawns the child, performs the channel handshake and subscribes to
// the queue. Any failure leaves the worker Stopped with the child reaped.
func (w *Worker) Init(ctx context.Context) (err error) {
	if !w.initStarted.CompareAndSwap(false, true) {
		return rterrors.ErrWorkerInitialized
	}
	parent := ctx
	ctx, span := w.opts.Telemetry.StartActivity(ctx, telemetry.ActivityWorkerInit,
		attribute.String("worker.id", w.id),
		attribute.String("queue", w.setting.QueueName),
	)
	defer func() {
		if err != nil {
			w.advance(WorkerStopped)
			w.logger.Error("Worker init failed", err, nil)
		}
		telemetry.EndActivity(span, err)
	}()

	ln, err := ipc.Listen(w.opts.SocketDir)
	if err != nil {
		return err
	}
	defer ln.Close()

	sup, err := process.New(process.Options{
		Command:          w.setting.CommandLine,
		Args:             w.setting.Arguments,
		Env:              w.setting.Env,
		StopPollInterval: w.opts.StopPollInterval,
		Logger:           w.logger,
	})
	if err != nil {
		return err
	}
	if err := sup.Start(); err != nil {
		return err
	}
	w.supervisor = sup
	w.pid.Store(int64(sup.PID()))
	w.logger = w.logger.With(logging.LogFields{"pid": sup.PID()})
	span.SetAttributes(attribute.Int("process.id", sup.PID()))

	if err := sup.WriteLine(ln.Address()); err != nil {
		w.reap()
		return fmt.Errorf("send channel name: %w", err)
	}

	hctx, hcancel := context.WithTimeout(ctx, w.opts.HandshakeTimeout)
	defer hcancel()
	go func() {
		select {
		case <-sup.Exited():
			hcancel()
		case <-hctx.Done():
		}
	}()

	ch, err := ln.Accept(hctx, ipc.WithMaxFrameSize(w.opts.MaxFrameSize))
	if err != nil {
		select {
		case <-sup.Exited():
			return fmt.Errorf("child exited during handshake (exit code %d): %w", sup.ExitCode(), err)
		default:
		}
		w.reap()
		if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", rterrors.ErrHandshakeTimeout, w.opts.HandshakeTimeout)
		}
		return err
	}
	w.channel = ch
	w.logger.Debug("Child connected", logging.LogFields{"channel": ln.Name()})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	deliveries, err := w.source.Subscribe(runCtx, w.setting.QueueName)
	if err != nil {
		cancel()
		_ = ch.Close()
		w.reap()
		return fmt.Errorf("subscribe %s: %w", w.setting.QueueName, err)
	}

	w.runCtx = runCtx
	w.cancel = cancel
	w.frames = make(chan frame)
	w.loopDone = make(chan struct{})
	go w.readFrames()

	w.advance(WorkerRunning)
	go w.loop(runCtx, deliveries)

	w.logger.Info("Worker running", nil)
	return nil
}

// reap kills the child and waits for it to be collected.
func (w *Worker) reap() {
	if err := w.supervisor.Kill(); err != nil {
		w.logger.Warn("Failed to kill child process", logging.LogFields{"error": err.Error()})
	}
	<-w.supervisor.Exited()
}

// readFrames is the only reader of the channel. It ends when the child
// disconnects, the stream breaks or the worker halts.
func (w *Worker) readFrames() {
	defer close(w.frames)
	for {
		out, ok, err := ipc.Read[ipc.OutputTask](w.channel)
		if err == nil && !ok {
			return
		}
		var decodeErr *ipc.DecodeError
		if err != nil && !errors.As(err, &decodeErr) {
			if w.Status() == WorkerRunning {
				w.logger.Error("Channel read failed", err, nil)
			}
			_ = w.channel.Close()
			return
		}
		select {
		case w.frames <- frame{out: out, err: err}:
		case <-w.halt:
			return
		}
	}
}

func (w *Worker) loop(ctx context.Context, deliveries <-chan *broker.Delivery) {
	defer close(w.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					w.logger.Warn("Delivery stream closed", nil)
				}
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d *broker.Delivery) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	started := time.Now()
	w.lastAt.Store(started.UnixNano())
	logger := w.logger.With(logging.LogFields{"correlation_id": d.CorrelationID, "token": d.Token()})
	queue := w.setting.QueueName

	tctx := telemetry.ExtractContext(ctx, d.Headers)
	tctx, span := w.opts.Telemetry.StartActivity(tctx, telemetry.ActivityTaskProcess,
		attribute.String("queue", queue),
		attribute.String("worker.id", w.id),
		attribute.String("correlation_id", d.CorrelationID),
	)
	if timeout, ok := d.Headers.Timeout(); ok {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, timeout)
		defer cancel()
	}

	tc := TaskContext{
		Pool:          w.opts.Pool,
		Queue:         queue,
		WorkerID:      w.id,
		PID:           w.PID(),
		CorrelationID: d.CorrelationID,
		Headers:       d.Headers,
		Context:       tctx,
		StartedAt:     started,
	}
	w.opts.Hooks.start(tc)
	w.opts.Telemetry.ProcessingStarted(queue)
	defer w.opts.Telemetry.ProcessingFinished(queue)

	out, err := w.exchange(tctx, d)
	action := ActionNackRequeue
	if err == nil {
		tc.Status = out.Status
		action = ActionFor(out.Status)
		if action == ActionNackRequeue {
			err = &TaskError{Reason: telemetry.ReasonStatus, Status: out.Status}
		}
	}

	if action == ActionAck {
		if replyErr := w.reply(tctx, d, out, logger); replyErr != nil {
			action = ActionNackRequeue
			err = &TaskError{Reason: telemetry.ReasonReply, Status: out.Status, Err: replyErr}
		}
	}

	var taskErr *TaskError
	if errors.As(err, &taskErr) && taskErr.Reason == telemetry.ReasonDisconnected {
		w.pause(disconnectedBackoff)
	}

	var settleErr error
	if action == ActionAck {
		settleErr = w.source.Ack(d)
	} else {
		settleErr = w.source.NackRequeue(d)
	}
	if settleErr != nil {
		logger.Error("Failed to settle delivery", settleErr, logging.LogFields{"action": action.String()})
	}

	tc.Duration = time.Since(started)
	if action == ActionAck {
		w.processed.Inc()
		w.opts.Stats.RecordSuccess(tc.Duration)
		w.opts.Telemetry.TaskProcessed(queue, tc.Duration)
		w.opts.Hooks.done(tc)
		logger.Debug("Task acknowledged", logging.LogFields{"status": out.Status.String()})
	} else {
		reason := telemetry.ReasonProtocol
		if taskErr != nil {
			reason = taskErr.Reason
		}
		w.opts.Stats.RecordFailure()
		w.opts.Telemetry.TaskFailed(queue, reason)
		w.opts.Hooks.failed(tc, err)
		logger.Warn("Task requeued", logging.LogFields{"reason": reason, "error": err.Error()})
	}
	telemetry.EndActivity(span, err)
}

// exchange writes one InputTask and waits for its terminal OutputTask.
func (w *Worker) exchange(ctx context.Context, d *broker.Delivery) (ipc.OutputTask, error) {
	if ctx.Err() != nil {
		return ipc.OutputTask{}, w.abandoned(ctx)
	}
	if err := w.drainAbandoned(ctx); err != nil {
		return ipc.OutputTask{}, err
	}
	if !w.channel.Connected() {
		return ipc.OutputTask{}, &TaskError{Reason: telemetry.ReasonDisconnected, Err: ipc.ErrDisconnected}
	}

	task := ipc.InputTask{
		Message:           string(d.Body),
		CorrelationID:     d.CorrelationID,
		Headers:           d.Headers.Clone(),
		OriginalQueueName: d.Queue,
	}
	if err := w.channel.Write(task); err != nil {
		reason := telemetry.ReasonProtocol
		if errors.Is(err, ipc.ErrDisconnected) {
			reason = telemetry.ReasonDisconnected
		}
		return ipc.OutputTask{}, &TaskError{Reason: reason, Err: err}
	}

	for {
		select {
		case f, ok := <-w.frames:
			if !ok {
				return ipc.OutputTask{}, &TaskError{
					Reason: telemetry.ReasonDisconnected,
					Err:    errors.New("child closed the channel before a terminal status"),
				}
			}
			if f.err != nil {
				return ipc.OutputTask{}, &TaskError{Reason: telemetry.ReasonDecode, Err: f.err}
			}
			if f.out.Status.IsProgress() {
				w.logger.Debug("Progress from child", logging.LogFields{
					"correlation_id": d.CorrelationID,
					"status":         int(f.out.Status),
				})
				continue
			}
			return f.out, nil
		case <-ctx.Done():
			w.owed++
			return ipc.OutputTask{}, w.abandoned(ctx)
		}
	}
}

// drainAbandoned consumes the late terminals of abandoned exchanges so the
// next InputTask is only written once the child is idle.
func (w *Worker) drainAbandoned(ctx context.Context) error {
	for w.owed > 0 {
		select {
		case f, ok := <-w.frames:
			if !ok {
				w.owed = 0
				return nil
			}
			if f.err == nil && f.out.Status.IsProgress() {
				continue
			}
			w.owed--
			w.logger.Debug("Discarded late answer of an abandoned task", logging.LogFields{"status": int(f.out.Status)})
		case <-ctx.Done():
			return w.abandoned(ctx)
		}
	}
	return nil
}

func (w *Worker) abandoned(ctx context.Context) error {
	if w.runCtx.Err() != nil {
		return &TaskError{Reason: telemetry.ReasonShutdown, Err: w.runCtx.Err()}
	}
	return &TaskError{Reason: telemetry.ReasonTimeout, Err: ctx.Err()}
}

func (w *Worker) pause(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.runCtx.Done():
	}
}

// reply publishes the child's answer when it asked for one. The reply target
// is the child's override, else the delivery's reply-to. Only a failed
// publish is returned; a missing or unexpected target is logged.
func (w *Worker) reply(ctx context.Context, d *broker.Delivery, out ipc.OutputTask, logger logging.ServiceLogger) error {
	target := out.ReplyQueueName
	if target == "" {
		target = d.ReplyTo
	}
	withReply := out.Status == ipc.StatusMessageDoneWithReply

	switch {
	case withReply && target == "":
		logger.Warn("Child asked for a reply but no reply target is set", logging.LogFields{"status": out.Status.String()})
		return nil
	case !withReply && target != "":
		logger.Warn("Reply target is set but the child did not ask for a reply", logging.LogFields{
			"reply_to": target,
			"status":   out.Status.String(),
		})
		return nil
	case !withReply:
		return nil
	}

	headers := d.Headers.Clone()
	for k, v := range metadata.FromAny(out.Headers) {
		headers[k] = v
	}
	delete(headers, metadata.HeaderReplyTo)
	delete(headers, metadata.HeaderTimeout)
	if d.CorrelationID != "" {
		headers[metadata.HeaderCorrelationID] = d.CorrelationID
	}
	telemetry.InjectHeaders(ctx, headers)

	if err := w.source.Publish(context.WithoutCancel(ctx), target, []byte(out.Message), headers); err != nil {
		logger.Error("Failed to publish reply, requeueing the delivery", err, logging.LogFields{"reply_to": target})
		return fmt.Errorf("publish reply to %s: %w", target, err)
	}
	logger.Debug("Reply published", logging.LogFields{"reply_to": target})
	return nil
}

// Shutdown stops consuming, requeues an in-flight delivery, asks the child to
// quit and waits for it. When ctx ends first the child is killed. Shutdown is
// idempotent.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopErr = w.shutdown(ctx)
	})
	return w.stopErr
}

func (w *Worker) shutdown(ctx context.Context) error {
	if !w.advance(WorkerStopping) {
		return nil
	}
	if w.cancel == nil {
		w.advance(WorkerStopped)
		return nil
	}
	w.logger.Info("Stopping worker", nil)

	w.cancel()
	select {
	case <-w.loopDone:
	case <-ctx.Done():
	}

	err := w.supervisor.RequestStop(ctx, w.channel)
	<-w.loopDone
	close(w.halt)

	w.advance(WorkerStopped)
	w.logger.Info("Worker stopped", logging.LogFields{"exit_code": w.supervisor.ExitCode()})
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.id, err)
	}
	return nil
}
