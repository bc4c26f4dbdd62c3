package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner manages the lifecycle of multiple services.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
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
// Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout sets the timeout for each service startup.
// Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// New creates a new Runner with the given services and options.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  1 * time.Minute,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts all services and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM.
//
// Services are started sequentially in the order they were registered, so
// a later service may depend on an earlier one. On shutdown, services are
// stopped in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := SignalContext(ctx)
	defer stop()

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))

	for _, service := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("failed to start service", "service", service.Name(), "error", err)
			if stopErr := r.stopServices(started); stopErr != nil {
				err = errors.Join(err, stopErr)
			}
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}

		started = append(started, service)
		r.logger.Debug("service started", "service", service.Name())
	}

	r.logger.Info("all services started")
	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse order within the shutdown timeout.
// Every service gets a Stop call even if an earlier one failed.
func (r *Runner) stopServices(services []Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(ctx); err != nil {
			r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Debug("service stopped", "service", svc.Name())
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", err))
	}
	return errors.Join(errs...)
}

// HealthCheck checks, concurrently, every service that implements
// HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, service := range r.services {
		hc, ok := service.(HealthChecker)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", hc.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
