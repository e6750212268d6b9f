package influxdb

import "errors"

// Sentinel errors for the history client.
var (
	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: client closed")

	// ErrConnectionFailed means the startup ping failed or reported an
	// unhealthy server.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps asynchronous batch write errors handed to the
	// SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled is returned by Connect when history is turned off.
	ErrDisabled = errors.New("influxdb: history disabled")
)
