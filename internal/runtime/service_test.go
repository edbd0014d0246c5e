package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/workerpool/internal/runtime/broker"
	"github.com/drblury/workerpool/internal/runtime/config"
	rterrors "github.com/drblury/workerpool/internal/runtime/errors"
	"github.com/drblury/workerpool/internal/runtime/logging"
	"github.com/drblury/workerpool/internal/runtime/metadata"
	transportpkg "github.com/drblury/workerpool/internal/runtime/transport"
)

func testConfig(pools ...config.PoolSetting) *config.Config {
	return &config.Config{
		Pools:            pools,
		HandshakeTimeout: 10 * time.Second,
		StopPollInterval: 100 * time.Millisecond,
		HealthInterval:   time.Hour,
		ShutdownTimeout:  10 * time.Second,
	}
}

type serviceRun struct {
	cancel context.CancelFunc
	done   chan error
}

func runService(t *testing.T, svc *Service) *serviceRun {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	run := &serviceRun{cancel: cancel, done: make(chan error, 1)}
	go func() { run.done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-run.done
	})

	require.Eventually(t, func() bool {
		for _, p := range svc.Pools() {
			if p.Health().Running != p.setting.WorkerUnitCount {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return run
}

func (r *serviceRun) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	_, err := NewService(context.Background(), nil, logging.Nop(), ServiceDependencies{})
	assert.ErrorIs(t, err, rterrors.ErrConfigRequired)

	_, err = NewService(context.Background(), testConfig(), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, rterrors.ErrLoggerRequired)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	_, err := NewService(context.Background(), testConfig(), logging.Nop(), ServiceDependencies{Adapter: newFakeSource()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one pool is required")
}

func TestNewServiceTransportFailure(t *testing.T) {
	factory := transportpkg.FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{}, assert.AnError
	})
	_, err := NewService(context.Background(), testConfig(childSetting("serve", "tasks")), logging.Nop(),
		ServiceDependencies{TransportFactory: factory})
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "build transport channel")
}

func TestServiceRunsPoolsUntilCancelled(t *testing.T) {
	src := newFakeSource()
	a, b := childSetting("serve", "images"), childSetting("serve", "video")
	a.WorkerUnitCount = 2

	svc, err := NewService(context.Background(), testConfig(a, b), logging.Nop(), ServiceDependencies{Adapter: src})
	require.NoError(t, err)
	require.Len(t, svc.Pools(), 2)
	assert.Same(t, broker.Adapter(src), svc.Adapter())

	run := runService(t, svc)

	src.push("images", "resize", nil)
	src.push("video", "transcode", nil)
	for i := 0; i < 2; i++ {
		assert.Equal(t, eventAck, src.next(t).kind)
	}

	require.NoError(t, run.stop(t))
	assert.True(t, src.closed.Load())
	for _, p := range svc.Pools() {
		assert.True(t, p.IsClosed())
		assert.Equal(t, p.setting.WorkerUnitCount, p.Health().Stopped)
	}
	require.NoError(t, svc.Shutdown())
}

func TestServiceStartFailureDrainsStartedPools(t *testing.T) {
	src := newFakeSource()
	svc, err := NewService(context.Background(),
		testConfig(childSetting("serve", "images"), childSetting("exit", "video")),
		logging.Nop(), ServiceDependencies{Adapter: src})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool video")

	assert.True(t, svc.Pools()[0].IsClosed())
	assert.Equal(t, 1, svc.Pools()[0].Health().Stopped)
	assert.True(t, src.closed.Load())
}

func TestServiceGroupRouting(t *testing.T) {
	src := newFakeSource()
	conf := testConfig(groupSettings("images", "video")...)
	conf.GroupQueue = "jobs"
	conf.UnmappedGroupPolicy = config.UnmappedGroupRequeue

	svc, err := NewService(context.Background(), conf, logging.Nop(), ServiceDependencies{Adapter: src})
	require.NoError(t, err)
	require.NotNil(t, svc.router)
	runService(t, svc)

	src.push("jobs", "transcode", metadata.Metadata{metadata.HeaderGroup: "video"})
	assert.Equal(t, eventAck, src.next(t).kind)

	src.push("jobs", "lost", metadata.Metadata{metadata.HeaderGroup: "audio"})
	assert.Equal(t, eventNack, src.next(t).kind)

	require.Eventually(t, func() bool {
		return svc.Pools()[1].Stats().Snapshot().Processed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), svc.router.Rejected())
}

func TestServiceOverChannelTransport(t *testing.T) {
	conf := testConfig(childSetting("serve", "tasks"))
	conf.BrokerSystem = "channel"
	conf.Pools[0].WorkerUnitCount = 2

	svc, err := NewService(context.Background(), conf, logging.Nop(), ServiceDependencies{})
	require.NoError(t, err)
	_, shared := svc.Adapter().(*broker.SharedSource)
	require.True(t, shared)

	runService(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	replies, err := svc.Adapter().Subscribe(ctx, "out")
	require.NoError(t, err)

	require.NoError(t, svc.Adapter().Publish(ctx, "tasks", []byte("reply:pong"), metadata.Metadata{
		metadata.HeaderReplyTo:       "out",
		metadata.HeaderCorrelationID: "c-9",
	}))

	select {
	case d := <-replies:
		assert.Equal(t, "pong", string(d.Body))
		assert.Equal(t, "c-9", d.CorrelationID)
		require.NoError(t, svc.Adapter().Ack(d))
	case <-ctx.Done():
		t.Fatal("no reply published")
	}
	require.Eventually(t, func() bool {
		return svc.Pools()[0].Stats().Snapshot().Processed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	conf := testConfig(childSetting("serve", "tasks"))
	conf.MetricsEnabled = true
	conf.MetricsPort = 19090

	svc, err := NewService(context.Background(), conf, logging.Nop(), ServiceDependencies{
		Adapter:    newFakeSource(),
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	svc.telemetry.TaskRejected("tasks")

	mux := svc.httpServers[conf.MetricsPort]
	require.NotNil(t, mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `workerpool_task_rejected_total{queue="tasks"} 1`)
}

func TestRegisterHTTPHandlerSharesPort(t *testing.T) {
	svc := &Service{}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	svc.RegisterHTTPHandler(18080, "/a", ok)
	svc.RegisterHTTPHandler(18080, "/b", ok)
	svc.RegisterHTTPHandler(18081, "/c", ok)

	require.Len(t, svc.httpServers, 2)
	rec := httptest.NewRecorder()
	svc.httpServers[18080].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
