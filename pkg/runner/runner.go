package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultStartupTimeout  = time.Minute
)

// ErrShutdownTimeout is returned when services did not stop within the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Runner manages the lifecycle of the worker's services.
// Services start in registration order and stop in reverse order.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	signals         bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service's Start.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithoutSignals disables SIGINT/SIGTERM handling; Run then only returns when ctx is done.
func WithoutSignals() Option {
	return func(r *Runner) {
		r.signals = false
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
		startupTimeout:  DefaultStartupTimeout,
		signals:         true,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until ctx is cancelled or a shutdown
// signal arrives, then stops the started services.
func (r *Runner) Run(ctx context.Context) error {
	if r.signals {
		var stop context.CancelFunc
		ctx, stop = NotifyShutdown(ctx)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))

	for _, service := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("failed to start service",
				"service", service.Name(),
				"error", err)

			stopErr := r.stopServices(started)
			return errors.Join(fmt.Errorf("start service %s: %w", service.Name(), err), stopErr)
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse order within the shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]

		if shutdownCtx.Err() != nil {
			r.logger.Error("shutdown timeout exceeded",
				"timeout", r.shutdownTimeout,
				"service", svc.Name())
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), ErrShutdownTimeout))
			continue
		}

		if err := svc.Stop(shutdownCtx); err != nil {
			r.logger.Error("error stopping service",
				"service", svc.Name(),
				"error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}

		r.logger.Info("service stopped", "service", svc.Name())
	}

	return errors.Join(errs...)
}

// HealthCheck checks the health of all services that implement HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("service %s unhealthy: %w", service.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
