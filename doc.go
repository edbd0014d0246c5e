// Package workerpool runs pools of external worker processes that consume
// broker messages. It reads the target transport (RabbitMQ, Kafka, NATS
// JetStream, AWS SQS or Go channels) from Config, starts WorkerUnitCount child
// processes per pool and hands each of them one message at a time over a unix
// socket speaking length-prefixed msgpack.
//
// The child decides the fate of every message through the status it answers
// with: 200 acks, 201 publishes a reply to the ReplyTo queue and then acks,
// and anything else nacks with requeue. A child that times out, crashes or
// sends an undecodable frame gets the same requeue treatment.
//
// # Host side
//
// A minimal setup fills Config, creates a Service and calls Start, which
// blocks until the context is cancelled and then drains every pool:
//
//	svc, err := workerpool.NewService(ctx, cfg, logger, workerpool.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	return svc.Start(ctx)
//
// Setting Config.GroupQueue switches to group routing: all pools share one
// queue and messages are dispatched by their "group" header.
//
// # Child side
//
// Workers written in Go use NewClient on their stdin. Run performs the
// handshake, serves tasks and returns once the parent sends the quit line:
//
//	err := workerpool.NewClient(os.Stdin).Run(ctx, func(ctx context.Context, task workerpool.InputTask, progress workerpool.ProgressFunc) workerpool.OutputTask {
//		return workerpool.OutputTask{Status: workerpool.StatusMessageDone}
//	})
//
// # Observability
//
// Prometheus metrics are served on /metrics when MetricsEnabled is set, and
// a JSON view of every pool is served on /api/pools when WebUIEnabled is set.
// TaskHooks (see LoggingHooks and AlertingHooks) run around every task.
package workerpool
