package eventsourcing

import (
	"context"
	"fmt"
)

// Fold rebuilds aggregate state from an ordered stream history.
type Fold[S any] func(id string, history []*Event) (S, error)

// Repository loads aggregates of one type by replaying their stream and
// saves new events at the version that was loaded.
type Repository[S any] struct {
	store         EventStore
	aggregateType string
	fold          Fold[S]
}

// NewRepository creates a repository for aggregateType backed by store.
func NewRepository[S any](store EventStore, aggregateType string, fold Fold[S]) *Repository[S] {
	return &Repository[S]{store: store, aggregateType: aggregateType, fold: fold}
}

// Load replays the aggregate. An empty stream yields ErrAggregateNotFound.
func (r *Repository[S]) Load(ctx context.Context, id string) (S, error) {
	var zero S

	history, err := r.store.LoadEvents(ctx, id, 0)
	if err != nil {
		return zero, fmt.Errorf("load %s %s: %w", r.aggregateType, id, err)
	}
	if len(history) == 0 {
		return zero, fmt.Errorf("%w: %s %s", ErrAggregateNotFound, r.aggregateType, id)
	}

	state, err := r.fold(id, history)
	if err != nil {
		return zero, fmt.Errorf("replay %s %s: %w", r.aggregateType, id, err)
	}
	return state, nil
}

// Save appends events that continue the stream at expectedVersion.
// A stream that moved since it was loaded yields ErrConcurrencyConflict.
func (r *Repository[S]) Save(ctx context.Context, id string, expectedVersion int64, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.store.AppendEvents(ctx, id, expectedVersion, events); err != nil {
		return fmt.Errorf("append %s %s: %w", r.aggregateType, id, err)
	}
	return nil
}
