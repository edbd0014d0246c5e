package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/workerpool/internal/runtime/broker"
	configpkg "github.com/drblury/workerpool/internal/runtime/config"
	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	loggingpkg "github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/telemetry"
	transportpkg "github.com/drblury/workerpool/internal/runtime/transport"
	registry "github.com/drblury/workerpool/transport"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	// TransportFactory builds the broker transport; the registry when nil.
	TransportFactory transportpkg.Factory
	// Adapter replaces the transport entirely when set.
	Adapter broker.Adapter
	// Telemetry receives activities and metrics. When nil, an otel tracer
	// plus prometheus collectors (if MetricsEnabled) are used.
	Telemetry telemetry.Provider
	// Registerer and Gatherer back the prometheus collectors and /metrics;
	// the prometheus defaults when nil.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Hooks      TaskHooks
}

// Service hosts every configured pool against one broker.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	adapter   broker.Adapter
	telemetry telemetry.Provider
	gatherer  prometheus.Gatherer
	host      *hostSampler

	pools  []*Pool
	router *GroupRouter

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService validates conf, builds the broker adapter and prepares the
// pools. Nothing is spawned until Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, rterrors.ErrConfigRequired
	}
	if log == nil {
		return nil, rterrors.ErrLoggerRequired
	}
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("Creating worker pool service", loggingpkg.LogFields{
		"broker_system": conf.BrokerSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:     conf,
		Logger:   log,
		gatherer: deps.Gatherer,
		host:     newHostSampler(),
	}

	s.telemetry = deps.Telemetry
	if s.telemetry == nil {
		opts := telemetry.Options{}
		if conf.MetricsEnabled {
			metrics := telemetry.NewPrometheusMetrics(deps.Registerer)
			if err := metrics.Register(); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
			opts.Metrics = metrics
		}
		s.telemetry = telemetry.New(opts)
	}

	adapter, err := s.buildAdapter(ctx, deps)
	if err != nil {
		return nil, err
	}
	s.adapter = adapter

	poolOpts := PoolOptions{
		HealthInterval: conf.HealthInterval,
		Worker: WorkerOptions{
			HandshakeTimeout: conf.HandshakeTimeout,
			StopPollInterval: conf.StopPollInterval,
			SocketDir:        conf.SocketDir,
			MaxFrameSize:     conf.MaxFrameSize,
			Logger:           log,
			Telemetry:        s.telemetry,
			Hooks:            deps.Hooks,
		},
	}

	if conf.GroupRouting() {
		s.router, err = NewGroupRouter(conf.GroupQueue, conf.Pools, adapter, conf.UnmappedGroupPolicy, poolOpts)
		if err != nil {
			_ = adapter.Close()
			return nil, err
		}
		s.pools = s.router.Pools()
	} else {
		for _, setting := range conf.Pools {
			opts := poolOpts
			opts.Worker.Stats = NewTaskStats()
			pool, err := NewPool(setting, adapter, opts)
			if err != nil {
				_ = adapter.Close()
				return nil, fmt.Errorf("pool %s: %w", setting.Name(), err)
			}
			s.pools = append(s.pools, pool)
		}
	}

	if conf.MetricsEnabled {
		s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", s.metricsHandler())
	}
	if conf.WebUIEnabled {
		s.RegisterHTTPHandler(conf.WebUIPort, "/api/pools", http.HandlerFunc(s.handleGetPools))
	}
	return s, nil
}

func (s *Service) buildAdapter(ctx context.Context, deps ServiceDependencies) (broker.Adapter, error) {
	if deps.Adapter != nil {
		return deps.Adapter, nil
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return nil, fmt.Errorf("build transport %s: %w", s.Conf.BrokerSystem, err)
	}

	var adapter broker.Adapter = broker.NewWatermillAdapter(
		registry.Transport{Publisher: tr.Publisher, Subscriber: tr.Subscriber}, tr.Capabilities, s.Logger,
	)
	if tr.Capabilities.RequiresSharedSource() {
		s.Logger.Debug("Transport has no competing consumers, sharing one subscription per queue",
			loggingpkg.LogFields{"transport": tr.Capabilities.Name})
		adapter = broker.NewSharedSource(adapter, s.Logger)
	}
	return adapter, nil
}

func (s *Service) metricsHandler() http.Handler {
	if s.gatherer != nil {
		return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Adapter returns the broker adapter shared by all pools.
func (s *Service) Adapter() broker.Adapter { return s.adapter }

// Pools returns every pool, group pools included.
func (s *Service) Pools() []*Pool { return s.pools }

// PoolInfos snapshots every pool.
func (s *Service) PoolInfos() []PoolInfo {
	infos := make([]PoolInfo, 0, len(s.pools))
	for _, p := range s.pools {
		infos = append(infos, p.Info())
	}
	return infos
}

// Start initialises every pool and serves the HTTP endpoints, then blocks
// until ctx is cancelled and drains everything within ShutdownTimeout. An
// init failure drains what already started and is returned.
func (s *Service) Start(ctx context.Context) error {
	if err := s.startHTTPServers(); err != nil {
		_ = s.Shutdown()
		return err
	}

	if err := s.initPools(ctx); err != nil {
		s.Logger.Error("Failed to start pools", err, nil)
		return errors.Join(err, s.Shutdown())
	}
	s.Logger.Info("Worker pool service running", loggingpkg.LogFields{"pools": len(s.pools)})

	<-ctx.Done()
	s.Logger.Info("Shutting down worker pool service", nil)
	return s.Shutdown()
}

func (s *Service) initPools(ctx context.Context) error {
	if s.router != nil {
		return s.router.Start(ctx)
	}
	for _, p := range s.pools {
		if err := p.InitPool(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown drains every pool in parallel, closes the adapter and stops the
// HTTP servers. It is idempotent.
func (s *Service) Shutdown() error {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.Conf.ShutdownTimeout)
		defer cancel()
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	var errs []error
	if s.router != nil {
		if err := s.router.Shutdown(ctx); err != nil && !errors.Is(err, rterrors.ErrPoolClosed) {
			errs = append(errs, err)
		}
	} else {
		poolErrs := make([]error, len(s.pools))
		var wg sync.WaitGroup
		for i, p := range s.pools {
			wg.Add(1)
			go func(i int, p *Pool) {
				defer wg.Done()
				if err := p.WaitFinished(ctx); err != nil && !errors.Is(err, rterrors.ErrPoolClosed) {
					poolErrs[i] = err
				}
			}(i, p)
		}
		wg.Wait()
		errs = append(errs, poolErrs...)
	}

	if err := s.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker adapter: %w", err))
	}
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop http server %s: %w", srv.Addr, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.Logger.Error("Worker pool service stopped with errors", err, nil)
	} else {
		s.Logger.Info("Worker pool service stopped", nil)
	}
	return err
}

// RegisterHTTPHandler mounts handler on the server for port. Servers are
// started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.servers = append(s.servers, srv)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	return nil
}
