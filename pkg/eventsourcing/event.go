package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes.
type Event struct {
	// ID is the unique identifier for this event
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string

	// AggregateType is the type name of the aggregate (e.g., "Subscription")
	AggregateType string

	// EventType is the fully qualified type name of the event (e.g., "subscription.Created")
	EventType string

	// Version is the version number of the aggregate after applying this event
	Version int64

	// Position is the global sequence number assigned by the event store.
	// Zero until the event has been appended.
	Position int64

	// Timestamp is when the event was created
	Timestamp time.Time

	// Data is the serialized JSON payload of the event
	Data []byte

	// Metadata contains additional contextual information
	Metadata EventMetadata
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID is used to trace related events across aggregates
	CorrelationID string `json:"correlation_id,omitempty"`

	// PrincipalID is the identifier of the principal (user, service, system) who triggered this event
	PrincipalID string `json:"principal_id,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// Payload is a typed domain event that can be carried by an Event.
type Payload interface {
	EventType() string
}

// NewEvent serializes payload into an Event envelope at the given version.
func NewEvent(id, aggregateType, aggregateID string, version int64, payload Payload, metadata EventMetadata) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", payload.EventType(), err)
	}

	return &Event{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     payload.EventType(),
		Version:       version,
		Timestamp:     Now(),
		Data:          data,
		Metadata:      metadata,
	}, nil
}

// UnmarshalData decodes the event payload into target.
func (e *Event) UnmarshalData(target any) error {
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("unmarshal %s (aggregate %s, version %d): %w", e.EventType, e.AggregateID, e.Version, err)
	}
	return nil
}

// EventStore defines the interface for persisting and retrieving events.
type EventStore interface {
	// AppendEvents appends events to an aggregate's stream atomically.
	// Either every event is stored, in order, or none is.
	// Returns ErrConcurrencyConflict if expectedVersion doesn't match current version.
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*Event) error

	// LoadEvents loads the events of an aggregate with a version greater than afterVersion,
	// ordered by version. Unknown aggregates yield an empty slice.
	LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*Event, error)

	// LoadAllEvents loads events from all aggregates with a position greater than fromPosition.
	// Returns events in the order they were appended. A limit <= 0 loads all of them.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*Event, error)

	// GetAggregateVersion returns the current version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// Close closes the event store and releases resources.
	Close() error
}

// EventBus defines the interface for dispatching and subscribing to events.
type EventBus interface {
	// Dispatch delivers a single stored event to every interested subscriber.
	Dispatch(ctx context.Context, event *Event) error

	// Subscribe subscribes to events matching the filter.
	// The handler is called for each event.
	Subscribe(filter EventFilter, handler EventHandler) (Subscription, error)

	// Close closes the event bus and releases resources.
	Close() error
}

// EventFilter defines criteria for filtering events.
type EventFilter struct {
	// AggregateTypes filters by aggregate type (empty = all types)
	AggregateTypes []string

	// EventTypes filters by event type (empty = all types)
	EventTypes []string
}

// Matches reports whether the event passes the filter.
func (f EventFilter) Matches(event *Event) bool {
	if len(f.AggregateTypes) > 0 && !slices.Contains(f.AggregateTypes, event.AggregateType) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, event.EventType) {
		return false
	}
	return true
}

// EventHandler processes an event.
// Return an error to nack the event (it will be retried based on bus configuration).
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active event subscription.
type Subscription interface {
	// Unsubscribe stops receiving events and cleans up resources.
	Unsubscribe() error
}

// CheckBatch rejects batches that are not a contiguous continuation of expectedVersion
// for aggregateID. Event stores call it before appending.
func CheckBatch(aggregateID string, expectedVersion int64, events []*Event) error {
	for i, event := range events {
		if event.AggregateID != aggregateID {
			return fmt.Errorf("%w: event %s belongs to aggregate %s, not %s",
				ErrInvalidVersion, event.ID, event.AggregateID, aggregateID)
		}
		if want := expectedVersion + int64(i) + 1; event.Version != want {
			return fmt.Errorf("%w: event %s has version %d, want %d",
				ErrInvalidVersion, event.ID, event.Version, want)
		}
	}
	return nil
}
