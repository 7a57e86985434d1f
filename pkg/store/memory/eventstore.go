// Package memory provides an in-process event store for tests and single-node tools.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventStore keeps every stream in memory. Stored events are copies, so callers
// may reuse the slices they append.
type EventStore struct {
	tracer  trace.Tracer
	mu      sync.RWMutex
	streams map[string][]*eventsourcing.Event
	log     []*eventsourcing.Event
	closed  bool
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithTracer sets the tracer used for store spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *EventStore) {
		s.tracer = tracer
	}
}

// NewEventStore creates an empty store.
func NewEventStore(opts ...Option) *EventStore {
	s := &EventStore{
		tracer:  otel.Tracer("github.com/plaenen/subscriptions/pkg/store/memory"),
		streams: make(map[string][]*eventsourcing.Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendEvents appends events to an aggregate's stream atomically.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	_, span := s.tracer.Start(ctx, "MemoryStore.AppendEvents",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.Int64("aggregate.expected_version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	err := s.append(aggregateID, expectedVersion, events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *EventStore) append(aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := eventsourcing.CheckBatch(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return eventsourcing.NewStoreError("append", fmt.Errorf("store is closed"))
	}

	currentVersion := int64(len(s.streams[aggregateID]))
	if currentVersion != expectedVersion {
		return fmt.Errorf("%w: aggregate %s is at version %d, expected %d",
			eventsourcing.ErrConcurrencyConflict, aggregateID, currentVersion, expectedVersion)
	}

	for _, event := range events {
		event.Position = int64(len(s.log)) + 1
		stored := *event
		s.log = append(s.log, &stored)
		s.streams[aggregateID] = append(s.streams[aggregateID], &stored)
	}
	return nil
}

// LoadEvents loads the events of an aggregate with a version greater than afterVersion.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	if afterVersion < 0 {
		afterVersion = 0
	}
	if afterVersion >= int64(len(stream)) {
		return []*eventsourcing.Event{}, nil
	}
	return copyEvents(stream[afterVersion:]), nil
}

// LoadAllEvents loads up to limit events with a position greater than fromPosition.
// A limit <= 0 loads all of them.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromPosition < 0 {
		fromPosition = 0
	}
	if fromPosition >= int64(len(s.log)) {
		return []*eventsourcing.Event{}, nil
	}
	end := int64(len(s.log))
	if limit > 0 && fromPosition+int64(limit) < end {
		end = fromPosition + int64(limit)
	}
	return copyEvents(s.log[fromPosition:end]), nil
}

// GetAggregateVersion returns the current version of an aggregate, 0 if unknown.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.streams[aggregateID])), nil
}

// Close marks the store closed; later appends fail.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func copyEvents(events []*eventsourcing.Event) []*eventsourcing.Event {
	out := make([]*eventsourcing.Event, len(events))
	for i, event := range events {
		c := *event
		out[i] = &c
	}
	return out
}
