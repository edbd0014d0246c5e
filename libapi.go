package workerpool

import (
	runtimepkg "github.com/drblury/workerpool/internal/runtime"
	"github.com/drblury/workerpool/internal/runtime/broker"
	configpkg "github.com/drblury/workerpool/internal/runtime/config"
	errspkg "github.com/drblury/workerpool/internal/runtime/errors"
	idspkg "github.com/drblury/workerpool/internal/runtime/ids"
	"github.com/drblury/workerpool/internal/runtime/ipc"
	jsoncodec "github.com/drblury/workerpool/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/workerpool/internal/runtime/logging"
	metadatapkg "github.com/drblury/workerpool/internal/runtime/metadata"
	"github.com/drblury/workerpool/internal/runtime/telemetry"
	transportpkg "github.com/drblury/workerpool/internal/runtime/transport"
	newtransport "github.com/drblury/workerpool/transport"
)

type (
	Config               = configpkg.Config
	PoolSetting          = configpkg.PoolSetting
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	Pool          = runtimepkg.Pool
	PoolOptions   = runtimepkg.PoolOptions
	PoolInfo      = runtimepkg.PoolInfo
	PoolsResponse = runtimepkg.PoolsResponse
	GroupRouter   = runtimepkg.GroupRouter
	Worker        = runtimepkg.Worker
	WorkerOptions = runtimepkg.WorkerOptions
	WorkerInfo    = runtimepkg.WorkerInfo
	WorkerStatus  = runtimepkg.WorkerStatus
	TaskError     = runtimepkg.TaskError
	Action        = runtimepkg.Action

	TaskStats         = runtimepkg.TaskStats
	TaskStatsSnapshot = runtimepkg.TaskStatsSnapshot
	HostUsage         = runtimepkg.HostUsage

	// Task lifecycle hooks
	TaskContext = runtimepkg.TaskContext
	TaskHooks   = runtimepkg.TaskHooks

	// Broker seam
	Adapter  = broker.Adapter
	Delivery = broker.Delivery

	// Child side of the IPC protocol
	Status       = ipc.Status
	InputTask    = ipc.InputTask
	OutputTask   = ipc.OutputTask
	Client       = ipc.Client
	TaskHandler  = ipc.Handler
	ProgressFunc = ipc.ProgressFunc

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TelemetryProvider = telemetry.Provider
	WorkerCounts      = telemetry.WorkerCounts

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

const (
	WorkerWaitForInit = runtimepkg.WorkerWaitForInit
	WorkerRunning     = runtimepkg.WorkerRunning
	WorkerStopping    = runtimepkg.WorkerStopping
	WorkerStopped     = runtimepkg.WorkerStopped

	StatusUnknownError         = ipc.StatusUnknownError
	StatusIgnoreMessage        = ipc.StatusIgnoreMessage
	StatusMessageDone          = ipc.StatusMessageDone
	StatusMessageDoneWithReply = ipc.StatusMessageDoneWithReply

	HeaderGroup         = metadatapkg.HeaderGroup
	HeaderReplyTo       = metadatapkg.HeaderReplyTo
	HeaderCorrelationID = metadatapkg.HeaderCorrelationID
)

var (
	NewService     = runtimepkg.NewService
	NewPool        = runtimepkg.NewPool
	NewWorker      = runtimepkg.NewWorker
	NewGroupRouter = runtimepkg.NewGroupRouter
	NewTaskStats   = runtimepkg.NewTaskStats
	ActionFor      = runtimepkg.ActionFor

	LoadConfig = configpkg.Load

	// Task lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// NewClient builds the child side of a worker from its stdin.
	NewClient = ipc.NewClient

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewZapLogger              = loggingpkg.NewZapLogger

	NewPrometheusTelemetry = telemetry.NewPrometheusMetrics

	DefaultTransportFactory  = transportpkg.DefaultFactory
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	CreateULID = idspkg.CreateULID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrAdapterRequired     = errspkg.ErrAdapterRequired
	ErrCommandRequired     = errspkg.ErrCommandRequired
	ErrQueueRequired       = errspkg.ErrQueueRequired
	ErrWorkerCountRequired = errspkg.ErrWorkerCountRequired
	ErrHandshakeTimeout    = errspkg.ErrHandshakeTimeout
	ErrWorkerNotRunning    = errspkg.ErrWorkerNotRunning
	ErrPoolClosed          = errspkg.ErrPoolClosed
	ErrUnknownGroup        = errspkg.ErrUnknownGroup
)
