// Package runner starts and stops the long-running parts of a process in
// a fixed order.
package runner

import "context"

// Service is a component with a start/stop lifecycle, such as a server or
// a message subscriber.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service is ready. Work that outlives Start
	// runs in the background until Stop.
	Start(ctx context.Context) error

	// Stop releases the service within the deadline of ctx. Stopping a
	// service that is not running is a no-op.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}
