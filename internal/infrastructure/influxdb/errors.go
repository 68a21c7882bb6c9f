package influxdb

import "errors"

// Sentinel errors for the history client; match them with errors.Is.
var (
	// ErrNotConnected is returned by HealthCheck on a closed or nil client.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed is returned when Connect cannot ping a healthy server.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps every batch write failure handed to the
	// SetOnError callback. Writes themselves never return an error.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
