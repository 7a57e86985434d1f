package runner

import "context"

// Service is a long-running part of the worker: an embedded NATS server,
// the event bus connection, the projection manager.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start blocks until the service is ready. ctx carries the startup timeout.
	Start(ctx context.Context) error

	// Stop shuts the service down within ctx's deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service

	HealthCheck(ctx context.Context) error
}
