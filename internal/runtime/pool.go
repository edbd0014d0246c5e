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
	"github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/telemetry"
)

// PoolOptions configures a Pool. Worker carries the per-worker settings; its
// Pool, Stats and Logger fields are filled in by the pool.
type PoolOptions struct {
	Worker WorkerOptions
	// HealthInterval is the period of the health snapshot; config default
	// when zero.
	HealthInterval time.Duration
}

// PoolInfo is a point-in-time view of a pool.
type PoolInfo struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Queue            string            `json:"queue"`
	Group            string            `json:"group,omitempty"`
	CommandLine      string            `json:"command_line"`
	TotalWorkers     int               `json:"total_workers"`
	HealthyWorkers   int               `json:"healthy_workers"`
	WaitingWorkers   int               `json:"waiting_workers"`
	StoppingWorkers  int               `json:"stopping_workers"`
	StoppedWorkers   int               `json:"stopped_workers"`
	HealthPercentage float64           `json:"health_percentage"`
	CreatedAt        time.Time         `json:"created_at"`
	CheckedAt        time.Time         `json:"checked_at"`
	IsClosed         bool              `json:"is_closed"`
	Workers          []WorkerInfo      `json:"workers"`
	Tasks            TaskStatsSnapshot `json:"tasks"`
}

type healthSnapshot struct {
	counts    telemetry.WorkerCounts
	checkedAt time.Time
}

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	id        string
	setting   config.PoolSetting
	source    broker.Adapter
	opts      PoolOptions
	logger    logging.ServiceLogger
	telemetry telemetry.Provider
	stats     *TaskStats
	createdAt time.Time

	mu      sync.Mutex
	workers []*Worker
	// view is the lock-free copy of workers read by health walks.
	view atomic.Value

	health      atomic.Pointer[healthSnapshot]
	initialized atomic.Bool
	closed      atomic.Bool

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewPool validates setting and prepares a pool that consumes from source.
func NewPool(setting config.PoolSetting, source broker.Adapter, opts PoolOptions) (*Pool, error) {
	if source == nil {
		return nil, rterrors.ErrAdapterRequired
	}
	if setting.WorkerUnitCount <= 0 {
		return nil, rterrors.ErrWorkerCountRequired
	}
	if setting.CommandLine == "" {
		return nil, rterrors.ErrCommandRequired
	}
	if setting.QueueName == "" {
		return nil, rterrors.ErrQueueRequired
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = config.DefaultHealthInterval
	}
	opts.Worker.applyDefaults()
	opts.Worker.Pool = setting.Name()

	id := ids.WithPrefix("pool")
	p := &Pool{
		id:        id,
		setting:   setting,
		source:    source,
		opts:      opts,
		logger:    opts.Worker.Logger.With(logging.LogFields{"pool": setting.Name(), "pool_id": id}),
		telemetry: opts.Worker.Telemetry,
		stats:     opts.Worker.Stats,
		createdAt: time.Now(),
	}
	p.opts.Worker.Logger = p.logger
	p.view.Store([]*Worker(nil))
	p.health.Store(&healthSnapshot{checkedAt: p.createdAt})
	return p, nil
}

// ID returns the pool identity.
func (p *Pool) ID() string { return p.id }

// Name returns the group, or the queue for ungrouped pools.
func (p *Pool) Name() string { return p.setting.Name() }

// Stats exposes the task statistics shared by the pool's workers.
func (p *Pool) Stats() *TaskStats { return p.stats }

// IsClosed reports whether WaitFinished has run.
func (p *Pool) IsClosed() bool { return p.closed.Load() }

// InitPool creates and initialises WorkerUnitCount workers one after the
// other. It stops at the first failure; workers that already started keep
// running until WaitFinished.
func (p *Pool) InitPool(ctx context.Context) (err error) {
	if p.closed.Load() {
		return rterrors.ErrPoolClosed
	}
	if !p.initialized.CompareAndSwap(false, true) {
		return rterrors.ErrPoolInitialized
	}

	ctx, span := p.telemetry.StartActivity(ctx, telemetry.ActivityPoolInit,
		attribute.String("pool.id", p.id),
		attribute.String("queue", p.setting.QueueName),
		attribute.Int("worker.count", p.setting.WorkerUnitCount),
	)
	defer func() {
		p.recordHealth()
		telemetry.EndActivity(span, err)
	}()

	p.logger.Info("Initialising pool", logging.LogFields{
		"workers": p.setting.WorkerUnitCount,
		"command": p.setting.CommandLine,
	})

	for i := 0; i < p.setting.WorkerUnitCount; i++ {
		w, err := NewWorker(p.setting, p.source, p.opts.Worker)
		if err != nil {
			return err
		}
		p.addWorker(w)
		if err := w.Init(ctx); err != nil {
			return fmt.Errorf("pool %s: init worker %d of %d: %w", p.Name(), i+1, p.setting.WorkerUnitCount, err)
		}
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.healthCancel = cancel
	p.healthDone = make(chan struct{})
	go p.healthLoop(hctx)

	p.logger.Info("Pool initialised", nil)
	return nil
}

func (p *Pool) addWorker(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = append(p.workers, w)
	view := make([]*Worker, len(p.workers))
	copy(view, p.workers)
	p.view.Store(view)
}

// Workers returns the workers created so far.
func (p *Pool) Workers() []*Worker {
	return p.view.Load().([]*Worker)
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := p.recordHealth()
			p.logger.Debug("Pool health", logging.LogFields{
				"running":       counts.Running,
				"wait_for_init": counts.WaitForInit,
				"stopping":      counts.Stopping,
				"stopped":       counts.Stopped,
			})
		}
	}
}

// recordHealth walks the workers' status and publishes the counts.
func (p *Pool) recordHealth() telemetry.WorkerCounts {
	counts := countStatuses(p.Workers())
	p.health.Store(&healthSnapshot{counts: counts, checkedAt: time.Now()})
	p.telemetry.SetWorkerCounts(p.Name(), counts)
	return counts
}

func countStatuses(workers []*Worker) telemetry.WorkerCounts {
	var counts telemetry.WorkerCounts
	for _, w := range workers {
		switch w.Status() {
		case WorkerWaitForInit:
			counts.WaitForInit++
		case WorkerRunning:
			counts.Running++
		case WorkerStopping:
			counts.Stopping++
		case WorkerStopped:
			counts.Stopped++
		}
	}
	return counts
}

// Health returns the last recorded counts. It may lag the workers by up to
// one health interval.
func (p *Pool) Health() telemetry.WorkerCounts {
	return p.health.Load().counts
}

// Info snapshots the pool.
func (p *Pool) Info() PoolInfo {
	snap := p.health.Load()
	workers := p.Workers()
	info := PoolInfo{
		ID:              p.id,
		Name:            p.Name(),
		Queue:           p.setting.QueueName,
		Group:           p.setting.Group,
		CommandLine:     p.setting.CommandLine,
		TotalWorkers:    len(workers),
		HealthyWorkers:  snap.counts.Running,
		WaitingWorkers:  snap.counts.WaitForInit,
		StoppingWorkers: snap.counts.Stopping,
		StoppedWorkers:  snap.counts.Stopped,
		CreatedAt:       p.createdAt,
		CheckedAt:       snap.checkedAt,
		IsClosed:        p.closed.Load(),
		Workers:         make([]WorkerInfo, 0, len(workers)),
		Tasks:           p.stats.Snapshot(),
	}
	if total := snap.counts.Total(); total > 0 {
		info.HealthPercentage = float64(snap.counts.Running) / float64(total) * 100
	}
	for _, w := range workers {
		info.Workers = append(info.Workers, w.Info())
	}
	return info
}

// WaitFinished shuts every worker down in parallel and closes the pool.
// Calling it again returns ErrPoolClosed.
func (p *Pool) WaitFinished(ctx context.Context) (err error) {
	if !p.closed.CompareAndSwap(false, true) {
		return rterrors.ErrPoolClosed
	}

	ctx, span := p.telemetry.StartActivity(ctx, telemetry.ActivityPoolShutdown,
		attribute.String("pool.id", p.id),
		attribute.String("queue", p.setting.QueueName),
	)
	defer func() { telemetry.EndActivity(span, err) }()

	p.logger.Info("Draining pool", nil)
	if p.healthCancel != nil {
		p.healthCancel()
		<-p.healthDone
	}

	workers := p.Workers()
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.Shutdown(ctx)
		}(i, w)
	}
	wg.Wait()

	p.recordHealth()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pool %s: %w", p.Name(), err)
	}
	p.logger.Info("Pool drained", nil)
	return nil
}
