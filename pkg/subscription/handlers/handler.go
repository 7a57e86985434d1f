// Package handlers executes subscription commands against an event store and
// publishes the resulting events.
//
// Every command goes through the same steps:
//
//  1. Validate the command against the handler clock. Invalid commands never
//     touch the store or the bus.
//  2. Load the subscription history. Only AddSubscription may target an empty
//     stream; every other command needs an existing subscription.
//  3. Replay the history and let the command decide new events.
//  4. Append the events, expecting the version that was loaded.
//  5. Dispatch each stored event in order. Dispatch failures are logged and
//     counted but not returned: the events are already durable and listeners
//     catch up from the store.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/observability"
	"github.com/plaenen/subscriptions/pkg/subscription"
)

type creator interface {
	CreatesAggregate() bool
}

// Handler executes one command type. It holds no per-subscription state and
// is safe for concurrent use.
type Handler[C subscription.Command] struct {
	repo *eventsourcing.Repository[subscription.Subscription]
	bus  eventsourcing.EventBus
	cfg  config
}

func newHandler[C subscription.Command](store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...Option) *Handler[C] {
	if store == nil || bus == nil {
		panic("handlers: event store and event bus are required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	repo := eventsourcing.NewRepository(store, subscription.AggregateType, subscription.Replay)
	return &Handler[C]{repo: repo, bus: bus, cfg: cfg}
}

// Handle executes cmd and returns the stored events.
func (h *Handler[C]) Handle(ctx context.Context, cmd C) ([]*eventsourcing.Event, error) {
	return h.handle(ctx, cmd, eventsourcing.NewCommandEnvelope(cmd))
}

// CommandHandler adapts h to the command bus.
func (h *Handler[C]) CommandHandler() eventsourcing.CommandHandler {
	return eventsourcing.CommandHandlerFunc(func(ctx context.Context, env *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
		cmd, ok := env.Command.(C)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected command %T", eventsourcing.ErrInvalidCommand, env.Command)
		}
		return h.handle(ctx, cmd, env)
	})
}

func (h *Handler[C]) handle(ctx context.Context, cmd C, env *eventsourcing.CommandEnvelope) (events []*eventsourcing.Event, err error) {
	ctx, span := observability.StartSpan(ctx, h.cfg.tracer, "handle."+cmd.CommandType(),
		observability.WithAttributes(observability.CommandAttrs(cmd.CommandType(), env.Metadata.CommandID)...),
		observability.WithAttributes(observability.AttrAggregateID.String(cmd.AggregateID())),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := cmd.Validate(h.cfg.now()); err != nil {
		return nil, err
	}

	events, err = eventsourcing.RetryOnConflict(ctx, h.cfg.retry, func() ([]*eventsourcing.Event, error) {
		return h.decideAndAppend(ctx, cmd, env)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(observability.AttrEventCount.Int(len(events)))
	h.dispatch(ctx, events)
	return events, nil
}

func (h *Handler[C]) decideAndAppend(ctx context.Context, cmd C, env *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
	id := cmd.AggregateID()

	creates := false
	if c, ok := any(cmd).(creator); ok {
		creates = c.CreatesAggregate()
	}

	current, err := h.repo.Load(ctx, id)
	switch {
	case errors.Is(err, eventsourcing.ErrAggregateNotFound) && creates:
		current = subscription.Subscription{ID: id}
	case err != nil:
		return nil, err
	case creates:
		return nil, fmt.Errorf("%w: subscription %s", eventsourcing.ErrAggregateExists, id)
	}

	_, decided, err := cmd.Decide(current)
	if err != nil {
		return nil, err
	}

	metadata := env.EventMetadata()
	events := make([]*eventsourcing.Event, len(decided))
	for i, payload := range decided {
		event, err := eventsourcing.NewEvent(h.cfg.ids.NewID(), subscription.AggregateType, id, current.Version+int64(i)+1, payload, metadata)
		if err != nil {
			return nil, err
		}
		events[i] = event
	}

	start := time.Now()
	err = h.repo.Save(ctx, id, current.Version, events)
	h.cfg.metrics.RecordAppend(ctx, subscription.AggregateType, time.Since(start), len(events), err)
	if err != nil {
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			h.cfg.logger.DebugContext(ctx, "append conflict",
				"aggregate_id", id,
				"expected_version", current.Version,
				"command_type", cmd.CommandType())
		}
		return nil, err
	}
	return events, nil
}

func (h *Handler[C]) dispatch(ctx context.Context, events []*eventsourcing.Event) {
	for _, event := range events {
		err := h.bus.Dispatch(ctx, event)
		h.cfg.metrics.RecordDispatch(ctx, event.EventType, err)
		if err != nil {
			h.cfg.logger.ErrorContext(ctx, "event dispatch failed",
				"aggregate_id", event.AggregateID,
				"event_type", event.EventType,
				"event_id", event.ID,
				"version", event.Version,
				"trace_id", observability.TraceID(ctx),
				"error", err)
		}
	}
}
