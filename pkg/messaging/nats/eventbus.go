// Package nats is a JetStream-backed eventsourcing.EventBus.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/idgen"
	"github.com/plaenen/subscriptions/pkg/security/credentials"
)

// DefaultPublishTimeout bounds Dispatch when the caller's context has no deadline.
const DefaultPublishTimeout = 5 * time.Second

// EventBus publishes events to a JetStream stream with at-least-once delivery.
// Subjects have the form events.<AggregateType>.<EventType>.
type EventBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
	logger     *slog.Logger

	// ctx is handed to subscription handlers and cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscription
}

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// Name is reported to the server as the client connection name
	Name string

	// StreamName is the JetStream stream name for events
	StreamName string

	// StreamSubjects are the subjects captured by the stream
	StreamSubjects []string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// Credentials authenticates the connection. Nil connects anonymously.
	Credentials credentials.Provider
}

// DefaultConfig returns sensible defaults for NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "subscriptions",
		StreamName:     "EVENTS",
		StreamSubjects: []string{"events.>"},
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024,
	}
}

// Option configures the bus.
type Option func(*EventBus)

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus connects to NATS and creates or updates the stream.
func NewEventBus(ctx context.Context, config Config, opts ...Option) (*EventBus, error) {
	connOpts, err := connectOptions(ctx, config)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(config.URL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	busCtx, cancel := context.WithCancel(context.Background())
	bus := &EventBus{
		nc:         nc,
		js:         js,
		streamName: config.StreamName,
		logger:     slog.Default(),
		ctx:        busCtx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(bus)
	}

	if err := bus.ensureStream(config); err != nil {
		cancel()
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return bus, nil
}

func connectOptions(ctx context.Context, config Config) ([]nats.Option, error) {
	var opts []nats.Option
	if config.Name != "" {
		opts = append(opts, nats.Name(config.Name))
	}
	if config.Credentials == nil {
		return opts, nil
	}

	creds, err := config.Credentials.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get NATS credentials: %w", err)
	}
	switch creds.Type {
	case credentials.CredentialTypeToken:
		opts = append(opts, nats.Token(creds.Token))
	case credentials.CredentialTypeUserPassword:
		opts = append(opts, nats.UserInfo(creds.User, creds.Password))
	default:
		return nil, fmt.Errorf("%w: %s is not supported for NATS", credentials.ErrInvalidCredentials, creds.Type)
	}
	return opts, nil
}

func (b *EventBus) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.StreamSubjects,
		Retention: nats.InterestPolicy, // Messages deleted when all consumers have processed them
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := b.js.StreamInfo(config.StreamName)
	if err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// wireEvent is the JSON message body. Data is embedded as raw JSON so the
// payload stays readable in the stream.
type wireEvent struct {
	ID            string                      `json:"id"`
	AggregateID   string                      `json:"aggregate_id"`
	AggregateType string                      `json:"aggregate_type"`
	EventType     string                      `json:"event_type"`
	Version       int64                       `json:"version"`
	Position      int64                       `json:"position"`
	Timestamp     time.Time                   `json:"timestamp"`
	Data          json.RawMessage             `json:"data"`
	Metadata      eventsourcing.EventMetadata `json:"metadata"`
}

func encodeEvent(event *eventsourcing.Event) ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:            event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		Version:       event.Version,
		Position:      event.Position,
		Timestamp:     event.Timestamp,
		Data:          event.Data,
		Metadata:      event.Metadata,
	})
}

func decodeEvent(data []byte) (*eventsourcing.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &eventsourcing.Event{
		ID:            w.ID,
		AggregateID:   w.AggregateID,
		AggregateType: w.AggregateType,
		EventType:     w.EventType,
		Version:       w.Version,
		Position:      w.Position,
		Timestamp:     w.Timestamp,
		Data:          []byte(w.Data),
		Metadata:      w.Metadata,
	}, nil
}

// Dispatch publishes the event and waits for the stream to acknowledge it.
// The event ID is the JetStream message ID, so re-dispatching the same event
// inside the duplicate window is a no-op.
func (b *EventBus) Dispatch(ctx context.Context, event *eventsourcing.Event) error {
	if event == nil {
		return fmt.Errorf("dispatch: nil event")
	}

	body, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPublishTimeout)
		defer cancel()
	}

	if _, err := b.js.Publish(subjectFor(event), body, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

// Subscribe delivers events published from now on. The consumer is removed
// when the subscription ends.
func (b *EventBus) Subscribe(filter eventsourcing.EventFilter, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	name := fmt.Sprintf("live_%s", idgen.ULID{}.NewID())
	return b.subscribe(name, false, filter, handler, func() ([]nats.SubOpt, error) {
		return []nats.SubOpt{nats.BindStream(b.streamName), nats.AckExplicit(), nats.DeliverNew()}, nil
	})
}

// SubscribeDurable attaches to the named durable consumer, creating it on first
// use. The consumer is owned by the server: it outlives the subscription, so
// events published while nobody is attached are delivered on the next attach.
func (b *EventBus) SubscribeDurable(name string, filter eventsourcing.EventFilter, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("durable subscription requires a name")
	}
	return b.subscribe(name, true, filter, handler, func() ([]nats.SubOpt, error) {
		if err := b.ensureConsumer(name, buildSubject(filter)); err != nil {
			return nil, err
		}
		return []nats.SubOpt{nats.Bind(b.streamName, name)}, nil
	})
}

// ensureConsumer creates the durable push consumer unless it exists. Subscribing
// with nats.Bind afterwards leaves its lifecycle to the server.
func (b *EventBus) ensureConsumer(name, subject string) error {
	info, err := b.js.ConsumerInfo(b.streamName, name)
	switch {
	case err == nil:
		if info.Config.FilterSubject != subject {
			return fmt.Errorf("durable consumer %s filters %q, not %q", name, info.Config.FilterSubject, subject)
		}
		return nil
	case !errors.Is(err, nats.ErrConsumerNotFound):
		return fmt.Errorf("failed to look up consumer %s: %w", name, err)
	}

	_, err = b.js.AddConsumer(b.streamName, &nats.ConsumerConfig{
		Durable:        name,
		DeliverSubject: nats.NewInbox(),
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		FilterSubject:  subject,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", name, err)
	}
	return nil
}

func (b *EventBus) subscribe(name string, durable bool, filter eventsourcing.EventFilter, handler eventsourcing.EventHandler, subOpts func() ([]nats.SubOpt, error)) (eventsourcing.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[name]; exists {
		return nil, fmt.Errorf("subscription %s already active", name)
	}

	extra, err := subOpts()
	if err != nil {
		return nil, err
	}

	opts := append([]nats.SubOpt{nats.ManualAck()}, extra...)
	sub, err := b.js.Subscribe(buildSubject(filter), func(msg *nats.Msg) {
		b.deliver(name, filter, handler, msg)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s := &subscription{bus: b, sub: sub, name: name, durable: durable}
	b.subs[name] = s
	return s, nil
}

func (b *EventBus) deliver(name string, filter eventsourcing.EventFilter, handler eventsourcing.EventHandler, msg *nats.Msg) {
	event, err := decodeEvent(msg.Data)
	if err != nil {
		// Redelivery cannot fix a malformed message.
		b.logger.Error("dropping undecodable event", "subscription", name, "subject", msg.Subject, "error", err)
		_ = msg.Term()
		return
	}

	if !filter.Matches(event) {
		_ = msg.Ack()
		return
	}

	if err := handler(b.ctx, event); err != nil {
		b.logger.Warn("event handler failed, requesting redelivery",
			"subscription", name,
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", err)
		_ = msg.Nak()
		return
	}

	if err := msg.Ack(); err != nil {
		b.logger.Warn("failed to ack event", "subscription", name, "event_id", event.ID, "error", err)
	}
}

func subjectFor(event *eventsourcing.Event) string {
	return fmt.Sprintf("events.%s.%s", event.AggregateType, event.EventType)
}

// buildSubject narrows the consumer subject where the filter allows it.
// Anything more complex subscribes to all events and filters in the handler.
func buildSubject(filter eventsourcing.EventFilter) string {
	switch {
	case len(filter.AggregateTypes) == 1 && len(filter.EventTypes) == 1:
		return fmt.Sprintf("events.%s.%s", filter.AggregateTypes[0], filter.EventTypes[0])
	case len(filter.AggregateTypes) == 1 && len(filter.EventTypes) == 0:
		return fmt.Sprintf("events.%s.>", filter.AggregateTypes[0])
	default:
		return "events.>"
	}
}

// Close ends every subscription and drains the connection. Durable consumers
// are kept on the server.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, sub := range b.subs {
		if err := sub.stop(); err != nil {
			b.logger.Warn("failed to unsubscribe", "subscription", name, "error", err)
		}
	}
	b.subs = make(map[string]*subscription)
	b.cancel()

	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

// Conn exposes the underlying connection for health checks.
func (b *EventBus) Conn() *nats.Conn {
	return b.nc
}

type subscription struct {
	bus     *EventBus
	sub     *nats.Subscription
	name    string
	durable bool
}

// Unsubscribe stops delivery. A durable consumer stays on the server with its
// position; a live consumer is deleted.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.bus.subs[s.name] != s {
		return nil
	}
	delete(s.bus.subs, s.name)
	return s.stop()
}

func (s *subscription) stop() error {
	if s.durable {
		return s.sub.Drain()
	}
	return s.sub.Unsubscribe()
}

var _ eventsourcing.EventBus = (*EventBus)(nil)
