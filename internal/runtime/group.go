package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/drblury/workerpool/internal/runtime/broker"
	"github.com/drblury/workerpool/internal/runtime/config"
	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	"github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/metadata"
	"github.com/drblury/workerpool/internal/runtime/telemetry"
	"github.com/drblury/workerpool/transport"
)

// GroupRouter consumes one queue and dispatches every delivery to the pool
// named by its "group" header.
type GroupRouter struct {
	queue     string
	source    broker.Adapter
	policy    string
	logger    logging.ServiceLogger
	telemetry telemetry.Provider

	pools []*Pool
	feeds map[string]chan *broker.Delivery

	stats   *TaskStats
	started atomic.Bool
	closed  atomic.Bool

	cancel  context.CancelFunc
	routers sync.WaitGroup
}

// NewGroupRouter builds one pool per setting. Every setting needs a distinct
// Group; its QueueName is replaced by queue.
func NewGroupRouter(queue string, settings []config.PoolSetting, source broker.Adapter, policy string, opts PoolOptions) (*GroupRouter, error) {
	if source == nil {
		return nil, rterrors.ErrAdapterRequired
	}
	if queue == "" {
		return nil, rterrors.ErrQueueRequired
	}
	switch policy {
	case "":
		policy = config.DefaultUnmappedGroupPolicy
	case config.UnmappedGroupDrop, config.UnmappedGroupRequeue:
	default:
		return nil, fmt.Errorf("unknown unmapped group policy %q", policy)
	}
	opts.Worker.applyDefaults()

	r := &GroupRouter{
		queue:     queue,
		source:    source,
		policy:    policy,
		logger:    opts.Worker.Logger.With(logging.LogFields{"queue": queue, "router": "group"}),
		telemetry: opts.Worker.Telemetry,
		stats:     NewTaskStats(),
		feeds:     make(map[string]chan *broker.Delivery, len(settings)),
	}

	for _, setting := range settings {
		if setting.Group == "" {
			return nil, rterrors.ErrGroupRequired
		}
		if _, dup := r.feeds[setting.Group]; dup {
			return nil, fmt.Errorf("%w: %q", rterrors.ErrDuplicateGroup, setting.Group)
		}
		setting.QueueName = queue

		feed := make(chan *broker.Delivery)
		popts := opts
		popts.Worker.Stats = NewTaskStats()
		pool, err := NewPool(setting, &groupFeed{router: r, feed: feed}, popts)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", setting.Group, err)
		}
		r.feeds[setting.Group] = feed
		r.pools = append(r.pools, pool)
	}
	return r, nil
}

// Pools returns the group pools in configuration order.
func (r *GroupRouter) Pools() []*Pool { return r.pools }

// Rejected is the number of deliveries whose group had no pool.
func (r *GroupRouter) Rejected() uint64 { return r.stats.Snapshot().Rejected }

// Stats holds the deliveries the router settled itself, without a pool.
func (r *GroupRouter) Stats() *TaskStats { return r.stats }

// Start initialises every pool, then opens one subscription per worker on
// the group queue. It returns at the first pool failure; pools that already
// started are drained by Shutdown.
func (r *GroupRouter) Start(ctx context.Context) error {
	if r.closed.Load() {
		return rterrors.ErrPoolClosed
	}
	if !r.started.CompareAndSwap(false, true) {
		return rterrors.ErrPoolInitialized
	}

	subscriptions := 0
	for _, pool := range r.pools {
		if err := pool.InitPool(ctx); err != nil {
			return err
		}
		subscriptions += pool.setting.WorkerUnitCount
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	for i := 0; i < subscriptions; i++ {
		deliveries, err := r.source.Subscribe(rctx, r.queue)
		if err != nil {
			return fmt.Errorf("group router: subscribe %s: %w", r.queue, err)
		}
		r.routers.Add(1)
		go r.route(rctx, deliveries)
	}

	r.logger.Info("Group router running", logging.LogFields{
		"groups":        len(r.pools),
		"subscriptions": subscriptions,
		"policy":        r.policy,
	})
	return nil
}

func (r *GroupRouter) route(ctx context.Context, deliveries <-chan *broker.Delivery) {
	defer r.routers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.dispatch(ctx, d)
		}
	}
}

func (r *GroupRouter) dispatch(ctx context.Context, d *broker.Delivery) {
	group := d.Headers.Get(metadata.HeaderGroup)
	feed, ok := r.feeds[group]
	if !ok {
		r.reject(d, group)
		return
	}
	select {
	case feed <- d:
	case <-ctx.Done():
		if err := r.source.NackRequeue(d); err != nil {
			r.logger.Error("Failed to requeue delivery", err, logging.LogFields{"group": group})
		}
	}
}

func (r *GroupRouter) reject(d *broker.Delivery, group string) {
	r.stats.RecordRejected()
	r.telemetry.TaskRejected(r.queue)

	fields := logging.LogFields{
		"group":          group,
		"correlation_id": d.CorrelationID,
		"policy":         r.policy,
	}
	var err error
	if r.policy == config.UnmappedGroupRequeue {
		r.logger.Warn("No pool for message group, requeueing", fields)
		err = r.source.NackRequeue(d)
	} else {
		r.logger.Warn("No pool for message group, dropping", fields)
		err = r.source.Ack(d)
	}
	if err != nil {
		r.logger.Error("Failed to settle unroutable delivery", err, fields)
	}
}

// Shutdown stops routing, requeues deliveries waiting for a worker and drains
// every pool in parallel.
func (r *GroupRouter) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return rterrors.ErrPoolClosed
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.routers.Wait()

	errs := make([]error, len(r.pools))
	var wg sync.WaitGroup
	for i, pool := range r.pools {
		wg.Add(1)
		go func(i int, pool *Pool) {
			defer wg.Done()
			errs[i] = pool.WaitFinished(ctx)
		}(i, pool)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// groupFeed is the broker.Adapter seen by the workers of one group pool.
// Deliveries come from the router; everything else goes to the router's source.
type groupFeed struct {
	router *GroupRouter
	feed   chan *broker.Delivery
}

func (g *groupFeed) Subscribe(context.Context, string) (<-chan *broker.Delivery, error) {
	return g.feed, nil
}

func (g *groupFeed) Ack(d *broker.Delivery) error { return g.router.source.Ack(d) }

func (g *groupFeed) NackRequeue(d *broker.Delivery) error { return g.router.source.NackRequeue(d) }

func (g *groupFeed) Publish(ctx context.Context, queue string, body []byte, headers metadata.Metadata) error {
	return g.router.source.Publish(ctx, queue, body, headers)
}

func (g *groupFeed) Capabilities() transport.Capabilities { return g.router.source.Capabilities() }

func (g *groupFeed) Close() error { return nil }
