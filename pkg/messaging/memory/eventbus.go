// Package memory provides an in-process, synchronous event bus.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
)

// ErrBusClosed is returned by Dispatch and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// EventBus delivers each dispatched event to every matching subscriber, in
// subscription order, before Dispatch returns. Dispatches are serialized so
// subscribers observe events in dispatch order. Handlers must not dispatch
// on the same bus.
type EventBus struct {
	mu       sync.Mutex
	dispatch sync.Mutex
	subs     []*subscription
	nextID   int
	closed   bool
	logger   *slog.Logger
}

// Option configures the bus.
type Option func(*EventBus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus creates an empty bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dispatch calls every matching handler. Handler errors are joined and
// returned after all handlers have run.
func (b *EventBus) Dispatch(ctx context.Context, event *eventsourcing.Event) error {
	if event == nil {
		return fmt.Errorf("dispatch: nil event")
	}

	b.dispatch.Lock()
	defer b.dispatch.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.WarnContext(ctx, "event handler failed",
				"event_id", event.ID,
				"event_type", event.EventType,
				"subscription", sub.id,
				"error", err)
			errs = append(errs, fmt.Errorf("subscription %d: %w", sub.id, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers handler for events matching filter.
func (b *EventBus) Subscribe(filter eventsourcing.EventFilter, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &subscription{bus: b, id: b.nextID, filter: filter, handler: handler}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close drops all subscriptions. Safe to call more than once.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = nil
	return nil
}

func (b *EventBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

type subscription struct {
	bus     *EventBus
	id      int
	filter  eventsourcing.EventFilter
	handler eventsourcing.EventHandler
}

func (s *subscription) Unsubscribe() error {
	s.bus.remove(s.id)
	return nil
}

var _ eventsourcing.EventBus = (*EventBus)(nil)
