// Package projections runs read-model projections as a runner.Service.
package projections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/observability"
	"github.com/plaenen/subscriptions/pkg/runner"
	"github.com/plaenen/subscriptions/pkg/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var ErrNotStarted = errors.New("projections not started")

// BusSource returns the bus to subscribe to. It is called once, at Start,
// so it may return a bus owned by a service started earlier.
type BusSource func() eventsourcing.EventBus

// Service starts every registered projection on Start: each catches up from
// its checkpoint in the event store and then follows the bus.
type Service struct {
	events      eventsourcing.EventStore
	checkpoints store.CheckpointStore
	bus         BusSource
	projections []eventsourcing.Projection

	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
	batchSize int

	manager *eventsourcing.ProjectionManager
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithMetrics counts events applied and failed per projection.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

func WithBatchSize(size int) Option {
	return func(s *Service) {
		s.batchSize = size
	}
}

// New creates the service. Projections are registered in the given order.
func New(events eventsourcing.EventStore, checkpoints store.CheckpointStore, bus BusSource, projections []eventsourcing.Projection, opts ...Option) *Service {
	s := &Service{
		events:      events,
		checkpoints: checkpoints,
		bus:         bus,
		projections: projections,
		logger:      slog.Default(),
		tracer:      noop.NewTracerProvider().Tracer("projections"),
		batchSize:   eventsourcing.DefaultProjectionBatchSize,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) Name() string {
	return "projections"
}

// Start registers and starts every projection. The projections outlive ctx
// and keep running until Stop.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "projections.Start")
	defer func() { observability.EndSpan(span, err) }()

	bus := s.bus()
	if bus == nil {
		return fmt.Errorf("no event bus available")
	}

	manager := eventsourcing.NewProjectionManager(s.checkpoints, s.events, bus,
		eventsourcing.WithProjectionLogger(s.logger),
		eventsourcing.WithProjectionBatchSize(s.batchSize),
	)
	for _, p := range s.projections {
		manager.Register(Instrument(p, s.tracer, s.metrics))
	}
	s.manager = manager

	runCtx := context.WithoutCancel(ctx)
	for _, p := range s.projections {
		if err := manager.Start(runCtx, p.Name()); err != nil {
			manager.StopAll()
			return fmt.Errorf("start projection %s: %w", p.Name(), err)
		}

		checkpoint, err := manager.Checkpoint(ctx, p.Name())
		position := int64(0)
		if err == nil {
			position = checkpoint.Position
		} else if !errors.Is(err, store.ErrCheckpointNotFound) {
			manager.StopAll()
			return fmt.Errorf("read checkpoint %s: %w", p.Name(), err)
		}

		span.SetAttributes(attribute.Int64("projection."+p.Name()+".position", position))
		s.logger.InfoContext(ctx, "projection started",
			"projection", p.Name(),
			"position", position)
	}

	return nil
}

// Stop stops every projection and waits for their subscriptions to end.
func (s *Service) Stop(ctx context.Context) error {
	if s.manager == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.manager.StopAll()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "projections stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop projections: %w", ctx.Err())
	}
}

// HealthCheck reads every checkpoint, which fails when the checkpoint store is unreachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.manager == nil {
		return ErrNotStarted
	}
	for _, p := range s.projections {
		if _, err := s.manager.Checkpoint(ctx, p.Name()); err != nil && !errors.Is(err, store.ErrCheckpointNotFound) {
			return fmt.Errorf("projection %s: %w", p.Name(), err)
		}
	}
	return nil
}

// Manager returns the projection manager, or nil before Start.
func (s *Service) Manager() *eventsourcing.ProjectionManager {
	return s.manager
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
