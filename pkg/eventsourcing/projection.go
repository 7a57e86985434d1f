package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/subscriptions/pkg/store"
)

// Projection defines the interface for building read models from events.
// Projections consume events from the EventBus in real-time and can be rebuilt from EventStore.
// Handle must be idempotent: the manager delivers at least once.
type Projection interface {
	// Name returns the unique name of this projection.
	Name() string

	// Handle processes an event and updates the read model.
	Handle(ctx context.Context, event *Event) error

	// Reset resets the projection state (useful for rebuilding).
	Reset(ctx context.Context) error
}

// DefaultProjectionBatchSize is the number of events read per catch-up batch.
const DefaultProjectionBatchSize = 1000

// ProjectionManager coordinates running projections.
// Uses hybrid approach: EventBus for real-time, EventStore for catch-up and rebuilds.
type ProjectionManager struct {
	projections     map[string]*managedProjection
	checkpointStore store.CheckpointStore
	eventStore      EventStore
	eventBus        EventBus
	logger          *slog.Logger
	batchSize       int
	mu              sync.RWMutex
	wg              sync.WaitGroup
}

type managedProjection struct {
	projection Projection
	// mu serializes live delivery, catch-up and checkpoint writes.
	mu           sync.Mutex
	checkpoint   *store.ProjectionCheckpoint
	cancel       context.CancelFunc
	subscription Subscription
}

// ProjectionManagerOption configures a ProjectionManager.
type ProjectionManagerOption func(*ProjectionManager)

// WithProjectionLogger sets the logger used for projection failures.
func WithProjectionLogger(logger *slog.Logger) ProjectionManagerOption {
	return func(m *ProjectionManager) {
		m.logger = logger
	}
}

// WithProjectionBatchSize sets the catch-up batch size.
func WithProjectionBatchSize(size int) ProjectionManagerOption {
	return func(m *ProjectionManager) {
		if size > 0 {
			m.batchSize = size
		}
	}
}

// NewProjectionManager creates a new projection manager.
func NewProjectionManager(checkpointStore store.CheckpointStore, eventStore EventStore, eventBus EventBus, opts ...ProjectionManagerOption) *ProjectionManager {
	m := &ProjectionManager{
		projections:     make(map[string]*managedProjection),
		checkpointStore: checkpointStore,
		eventStore:      eventStore,
		eventBus:        eventBus,
		logger:          slog.Default(),
		batchSize:       DefaultProjectionBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register registers a projection with the manager.
func (m *ProjectionManager) Register(projection Projection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.projections[projection.Name()] = &managedProjection{projection: projection}
}

func (m *ProjectionManager) lookup(name string) (*managedProjection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, exists := m.projections[name]
	if !exists {
		return nil, fmt.Errorf("projection %s not found", name)
	}
	return mp, nil
}

// Start subscribes a projection to the EventBus and then catches it up from the
// EventStore, so events appended while the projection was down are not lost.
func (m *ProjectionManager) Start(ctx context.Context, projectionName string) error {
	mp, err := m.lookup(projectionName)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	if mp.cancel != nil {
		mp.mu.Unlock()
		return fmt.Errorf("projection %s already running", projectionName)
	}
	if err := m.loadCheckpoint(ctx, mp); err != nil {
		mp.mu.Unlock()
		return err
	}

	projCtx, cancel := context.WithCancel(ctx)
	mp.cancel = cancel
	mp.mu.Unlock()

	subscription, err := m.eventBus.Subscribe(EventFilter{}, func(_ context.Context, event *Event) error {
		mp.mu.Lock()
		defer mp.mu.Unlock()

		var err error
		if event.Position > mp.checkpoint.Position+1 {
			// Events before this one have not reached us yet; the store has them all.
			_, err = m.catchUp(projCtx, mp)
		} else {
			err = m.apply(projCtx, mp, event)
		}
		if err != nil {
			m.logger.ErrorContext(projCtx, "projection failed to handle event",
				"projection", projectionName,
				"event_id", event.ID,
				"event_type", event.EventType,
				"error", err,
			)
			return err
		}
		return nil
	})
	if err != nil {
		cancel()
		mp.mu.Lock()
		mp.cancel = nil
		mp.mu.Unlock()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	mp.mu.Lock()
	mp.subscription = subscription
	mp.mu.Unlock()

	if _, err := m.CatchUp(projCtx, projectionName); err != nil {
		_ = m.Stop(projectionName)
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-projCtx.Done()
		mp.mu.Lock()
		sub := mp.subscription
		mp.subscription = nil
		mp.mu.Unlock()
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}()

	return nil
}

// CatchUp applies every stored event past the projection's checkpoint and
// returns the number of events applied.
func (m *ProjectionManager) CatchUp(ctx context.Context, projectionName string) (int, error) {
	mp, err := m.lookup(projectionName)
	if err != nil {
		return 0, err
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if err := m.loadCheckpoint(ctx, mp); err != nil {
		return 0, err
	}
	return m.catchUp(ctx, mp)
}

// catchUp reads the store in batches from the checkpoint onwards. Caller holds mp.mu.
func (m *ProjectionManager) catchUp(ctx context.Context, mp *managedProjection) (int, error) {
	applied := 0
	for {
		events, err := m.eventStore.LoadAllEvents(ctx, mp.checkpoint.Position, m.batchSize)
		if err != nil {
			return applied, fmt.Errorf("failed to load events: %w", err)
		}

		for _, event := range events {
			if err := m.apply(ctx, mp, event); err != nil {
				return applied, fmt.Errorf("failed to handle event during catch-up: %w", err)
			}
			applied++
		}

		if len(events) < m.batchSize {
			return applied, nil
		}
	}
}

// apply hands one event to the projection and advances its checkpoint.
// Events at or below the checkpoint were already applied and are skipped.
// Caller holds mp.mu.
func (m *ProjectionManager) apply(ctx context.Context, mp *managedProjection, event *Event) error {
	if event.Position != 0 && event.Position <= mp.checkpoint.Position {
		return nil
	}

	if err := mp.projection.Handle(ctx, event); err != nil {
		return err
	}

	if event.Position == 0 {
		return nil
	}

	next := *mp.checkpoint
	next.Position = event.Position
	next.LastEventID = event.ID
	next.UpdatedAt = Now()
	if err := m.checkpointStore.Save(ctx, &next); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	mp.checkpoint = &next
	return nil
}

// loadCheckpoint reads the stored checkpoint once. Caller holds mp.mu.
func (m *ProjectionManager) loadCheckpoint(ctx context.Context, mp *managedProjection) error {
	if mp.checkpoint != nil {
		return nil
	}

	name := mp.projection.Name()
	checkpoint, err := m.checkpointStore.Load(ctx, name)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		// No checkpoint, start from beginning
		checkpoint = &store.ProjectionCheckpoint{ProjectionName: name}
	} else if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	mp.checkpoint = checkpoint
	return nil
}

// Stop stops a running projection.
func (m *ProjectionManager) Stop(projectionName string) error {
	mp, err := m.lookup(projectionName)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.cancel == nil {
		return fmt.Errorf("projection %s not running", projectionName)
	}
	mp.cancel()
	mp.cancel = nil
	return nil
}

// Rebuild resets a projection and replays the whole EventStore into it.
// A running projection is stopped first and has to be started again by the caller.
func (m *ProjectionManager) Rebuild(ctx context.Context, projectionName string) error {
	mp, err := m.lookup(projectionName)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	if mp.cancel != nil {
		mp.cancel()
		mp.cancel = nil
	}

	if err := mp.projection.Reset(ctx); err != nil {
		mp.mu.Unlock()
		return fmt.Errorf("failed to reset projection: %w", err)
	}
	if err := m.checkpointStore.Delete(ctx, projectionName); err != nil {
		mp.mu.Unlock()
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	mp.checkpoint = &store.ProjectionCheckpoint{ProjectionName: projectionName}
	mp.mu.Unlock()

	_, err = m.CatchUp(ctx, projectionName)
	return err
}

// StopAll stops all running projections.
func (m *ProjectionManager) StopAll() {
	m.mu.RLock()
	for _, mp := range m.projections {
		mp.mu.Lock()
		if mp.cancel != nil {
			mp.cancel()
			mp.cancel = nil
		}
		mp.mu.Unlock()
	}
	m.mu.RUnlock()

	m.wg.Wait()
}

// Checkpoint returns the current checkpoint for a projection.
func (m *ProjectionManager) Checkpoint(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	return m.checkpointStore.Load(ctx, projectionName)
}
