package runtime

import (
	"context"
	"time"

	"github.com/drblury/workerpool/internal/runtime/ipc"
	"github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/metadata"
)

// TaskContext describes one delivery handed to a child process.
type TaskContext struct {
	// Pool is the name of the pool that owns the worker.
	Pool string
	// Queue is the queue or topic the delivery came from.
	Queue string
	// WorkerID identifies the worker; PID is its child process.
	WorkerID string
	PID      int
	// CorrelationID is the delivery's correlation id, if any.
	CorrelationID string
	// Headers are the delivery headers.
	Headers metadata.Metadata
	// Context carries the task span.
	Context context.Context
	// StartedAt is when the worker picked up the delivery.
	StartedAt time.Time
	// Duration is set in OnTaskDone and OnTaskError.
	Duration time.Duration
	// Status is the child's terminal status, when one was received.
	Status ipc.Status
}

// TaskHooks defines callbacks for task lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type TaskHooks struct {
	// OnTaskStart is called before the task is written to the child.
	OnTaskStart func(ctx TaskContext)

	// OnTaskDone is called after the delivery was acknowledged.
	OnTaskDone func(ctx TaskContext)

	// OnTaskError is called after the delivery was requeued. err is a
	// *TaskError.
	OnTaskError func(ctx TaskContext, err error)
}

// Merge combines two TaskHooks, creating a new TaskHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart: chainTaskHooks(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chainTaskHooks(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chainErrorHooks(h.OnTaskError, other.OnTaskError),
	}
}

func (h TaskHooks) start(ctx TaskContext) {
	if h.OnTaskStart != nil {
		h.OnTaskStart(ctx)
	}
}

func (h TaskHooks) done(ctx TaskContext) {
	if h.OnTaskDone != nil {
		h.OnTaskDone(ctx)
	}
}

func (h TaskHooks) failed(ctx TaskContext, err error) {
	if h.OnTaskError != nil {
		h.OnTaskError(ctx, err)
	}
}

func chainTaskHooks(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log task lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			logger.Debug("Task started", logging.LogFields{
				"pool":           ctx.Pool,
				"queue":          ctx.Queue,
				"worker_id":      ctx.WorkerID,
				"correlation_id": ctx.CorrelationID,
			})
		},
		OnTaskDone: func(ctx TaskContext) {
			logger.Info("Task completed", logging.LogFields{
				"pool":           ctx.Pool,
				"queue":          ctx.Queue,
				"worker_id":      ctx.WorkerID,
				"correlation_id": ctx.CorrelationID,
				"status":         ctx.Status.String(),
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnTaskError: func(ctx TaskContext, err error) {
			logger.Error("Task requeued", err, logging.LogFields{
				"pool":           ctx.Pool,
				"queue":          ctx.Queue,
				"worker_id":      ctx.WorkerID,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on requeued tasks.
func AlertingHooks(alertFunc func(ctx TaskContext, err error)) TaskHooks {
	return TaskHooks{
		OnTaskError: alertFunc,
	}
}
