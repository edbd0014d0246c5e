// Package errors holds the sentinel errors shared across the runtime.
package errors

import sterrors "errors"

var (
	ErrConfigRequired      = sterrors.New("workerpool: configuration is required")
	ErrLoggerRequired      = sterrors.New("workerpool: logger is required")
	ErrAdapterRequired     = sterrors.New("workerpool: broker adapter is required")
	ErrCommandRequired     = sterrors.New("workerpool: worker command line is required")
	ErrQueueRequired       = sterrors.New("workerpool: queue name is required")
	ErrWorkerCountRequired = sterrors.New("workerpool: worker unit count must be positive")
	ErrGroupRequired       = sterrors.New("workerpool: group name is required for group routing")
	ErrDuplicateGroup      = sterrors.New("workerpool: group is configured more than once")
	ErrHandshakeTimeout    = sterrors.New("workerpool: child did not connect before the handshake timeout")
	ErrWorkerNotRunning    = sterrors.New("workerpool: worker is not running")
	ErrWorkerInitialized   = sterrors.New("workerpool: worker was already initialised")
	ErrPoolClosed          = sterrors.New("workerpool: pool is closed")
	ErrPoolInitialized     = sterrors.New("workerpool: pool was already initialised")
	ErrUnknownGroup        = sterrors.New("workerpool: no pool is mapped to the message group")
	ErrDeliverySettled     = sterrors.New("workerpool: delivery was already acked or nacked")
	ErrAdapterClosed       = sterrors.New("workerpool: broker adapter is closed")
)
