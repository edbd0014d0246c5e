// Package telemetry is the injected observability surface of the runtime.
// Workers and pools receive a Provider through their constructors; nothing in
// the runtime reaches for a process-wide telemetry singleton.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Activity names.
const (
	ActivityWorkerInit   = "worker.init"
	ActivityTaskProcess  = "task.process"
	ActivityPoolInit     = "pool.init"
	ActivityPoolShutdown = "pool.shutdown"
)

// Failure reasons reported through Metrics.TaskFailed.
const (
	ReasonStatus       = "status"
	ReasonTimeout      = "timeout"
	ReasonShutdown     = "shutdown"
	ReasonDisconnected = "disconnected"
	ReasonDecode       = "decode"
	ReasonProtocol     = "protocol"
	ReasonReply        = "reply"
)

const instrumentationName = "github.com/drblury/workerpool"

// WorkerCounts is the number of workers of one pool in each state.
type WorkerCounts struct {
	WaitForInit int `json:"wait_for_init"`
	Running     int `json:"running"`
	Stopping    int `json:"stopping"`
	Stopped     int `json:"stopped"`
}

// Total sums every state.
func (c WorkerCounts) Total() int {
	return c.WaitForInit + c.Running + c.Stopping + c.Stopped
}

// Metrics records counters for worker and pool activity.
type Metrics interface {
	TaskProcessed(queue string, duration time.Duration)
	TaskFailed(queue, reason string)
	TaskRejected(queue string)
	ProcessingStarted(queue string)
	ProcessingFinished(queue string)
	SetWorkerCounts(pool string, counts WorkerCounts)
}

// Provider starts activities (spans) and records metrics.
type Provider interface {
	Metrics
	StartActivity(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

// Options configures New.
type Options struct {
	// TracerProvider defaults to the otel global provider.
	TracerProvider trace.TracerProvider
	// Metrics defaults to a no-op recorder.
	Metrics Metrics
}

// Telemetry is the default Provider: an otel tracer plus a Metrics recorder.
type Telemetry struct {
	tracer  trace.Tracer
	metrics Metrics
}

// New builds a Provider from opts.
func New(opts Options) *Telemetry {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Telemetry{tracer: tp.Tracer(instrumentationName), metrics: m}
}

// Noop returns a Provider that records nothing.
func Noop() *Telemetry {
	return New(Options{TracerProvider: noop.NewTracerProvider()})
}

// StartActivity implements Provider.
func (t *Telemetry) StartActivity(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Telemetry) TaskProcessed(queue string, duration time.Duration) {
	t.metrics.TaskProcessed(queue, duration)
}

func (t *Telemetry) TaskFailed(queue, reason string) { t.metrics.TaskFailed(queue, reason) }

func (t *Telemetry) TaskRejected(queue string) { t.metrics.TaskRejected(queue) }

func (t *Telemetry) ProcessingStarted(queue string) { t.metrics.ProcessingStarted(queue) }

func (t *Telemetry) ProcessingFinished(queue string) { t.metrics.ProcessingFinished(queue) }

func (t *Telemetry) SetWorkerCounts(pool string, counts WorkerCounts) {
	t.metrics.SetWorkerCounts(pool, counts)
}

// EndActivity records err on span, if any, and ends it.
func EndActivity(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type nopMetrics struct{}

func (nopMetrics) TaskProcessed(string, time.Duration) {}
func (nopMetrics) TaskFailed(string, string) {}
func (nopMetrics) TaskRejected(string) {}
func (nopMetrics) ProcessingStarted(string) {}
func (nopMetrics) ProcessingFinished(string) {}
func (nopMetrics) SetWorkerCounts(string, WorkerCounts) {}
