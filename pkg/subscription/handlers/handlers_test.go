package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/idgen"
	"github.com/plaenen/subscriptions/pkg/store/memory"
	"github.com/plaenen/subscriptions/pkg/subscription"
	"github.com/plaenen/subscriptions/pkg/subscription/handlers"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var today = time.Date(2024, time.January, 15, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return today }

// countingStore counts calls to an in-memory store.
type countingStore struct {
	*memory.EventStore
	loads   atomic.Int32
	appends atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{EventStore: memory.NewEventStore()}
}

func (s *countingStore) LoadEvents(ctx context.Context, id string, after int64) ([]*eventsourcing.Event, error) {
	s.loads.Add(1)
	return s.EventStore.LoadEvents(ctx, id, after)
}

func (s *countingStore) AppendEvents(ctx context.Context, id string, expected int64, events []*eventsourcing.Event) error {
	s.appends.Add(1)
	return s.EventStore.AppendEvents(ctx, id, expected, events)
}

// recordingBus records dispatched events and fails with err when set.
type recordingBus struct {
	mu         sync.Mutex
	dispatched []*eventsourcing.Event
	err        error
}

func (b *recordingBus) Dispatch(_ context.Context, event *eventsourcing.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatched = append(b.dispatched, event)
	return b.err
}

func (b *recordingBus) Subscribe(eventsourcing.EventFilter, eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) eventTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, len(b.dispatched))
	for i, e := range b.dispatched {
		types[i] = e.EventType
	}
	return types
}

type fixture struct {
	store  *countingStore
	bus    *recordingBus
	add    *handlers.AddSubscriptionHandler
	update *handlers.UpdateSubscriptionHandler
	cancel *handlers.CancelSubscriptionHandler
	remind *handlers.ConfigureRemindersHandler
	pay    *handlers.RecordPaymentHandler
}

func newFixture(t *testing.T, opts ...handlers.Option) *fixture {
	t.Helper()
	store := newCountingStore()
	bus := &recordingBus{}
	opts = append([]handlers.Option{
		handlers.WithClock(fixedClock),
		handlers.WithIDGenerator(&idgen.Sequence{Prefix: "evt"}),
	}, opts...)

	return &fixture{
		store:  store,
		bus:    bus,
		add:    handlers.NewAddSubscriptionHandler(store, bus, opts...),
		update: handlers.NewUpdateSubscriptionHandler(store, bus, opts...),
		cancel: handlers.NewCancelSubscriptionHandler(store, bus, opts...),
		remind: handlers.NewConfigureRemindersHandler(store, bus, opts...),
		pay:    handlers.NewRecordPaymentHandler(store, bus, opts...),
	}
}

func netflix() subscription.DetailsInput {
	return subscription.DetailsInput{
		Name:         "Netflix",
		Description:  "Streaming",
		Amount:       decimal.RequireFromString("15.99"),
		Currency:     "USD",
		BillingCycle: "monthly",
	}
}

func (f *fixture) addNetflix(t *testing.T) string {
	t.Helper()
	cmd := subscription.NewAddSubscription(netflix(), "2024-01-01")
	_, err := f.add.Handle(context.Background(), cmd)
	require.NoError(t, err)
	return cmd.SubscriptionID
}

func (f *fixture) replay(t *testing.T, id string) (subscription.Subscription, []*eventsourcing.Event) {
	t.Helper()
	stored, err := f.store.EventStore.LoadEvents(context.Background(), id, 0)
	require.NoError(t, err)
	decoded, err := subscription.DecodeAll(stored)
	require.NoError(t, err)
	s, err := subscription.FromEvents(id, decoded)
	require.NoError(t, err)
	return s, stored
}

func TestScenarioA_AddSubscription(t *testing.T) {
	f := newFixture(t)
	cmd := subscription.NewAddSubscription(netflix(), "2024-01-01")

	events, err := f.add.Handle(context.Background(), cmd)
	require.NoError(t, err)
	require.Len(t, events, 1)

	s, stored := f.replay(t, cmd.SubscriptionID)
	require.Len(t, stored, 1)
	assert.Equal(t, subscription.EventTypeCreated, stored[0].EventType)
	assert.Equal(t, int64(1), stored[0].Version)
	assert.Equal(t, "evt-1", stored[0].ID)
	assert.Equal(t, "Netflix", s.Name)
	assert.True(t, s.Amount.Equal(decimal.RequireFromString("15.99")))
	assert.Equal(t, subscription.StatusActive, s.Status)

	assert.Equal(t, []string{subscription.EventTypeCreated}, f.bus.eventTypes())
}

func TestScenarioB_PaymentThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addNetflix(t)

	_, err := f.pay.Handle(ctx, subscription.NewRecordPayment(id, decimal.RequireFromString("15.99"), "2024-02-01", ""))
	require.NoError(t, err)
	_, err = f.cancel.Handle(ctx, subscription.CancelSubscription{SubscriptionID: id, EndDate: "2024-03-01"})
	require.NoError(t, err)

	s, stored := f.replay(t, id)
	require.Len(t, stored, 3)
	assert.Equal(t, subscription.EventTypeCreated, stored[0].EventType)
	assert.Equal(t, subscription.EventTypePaymentRecorded, stored[1].EventType)
	assert.Equal(t, subscription.EventTypeCancelled, stored[2].EventType)

	assert.Equal(t, subscription.StatusCancelled, s.Status)
	require.Len(t, s.Payments, 1)
	assert.True(t, s.Payments[0].Amount.Equal(decimal.RequireFromString("15.99")))

	assert.Equal(t, []string{
		subscription.EventTypeCreated,
		subscription.EventTypePaymentRecorded,
		subscription.EventTypeCancelled,
	}, f.bus.eventTypes())
}

func TestScenarioC_RemindersRejected(t *testing.T) {
	f := newFixture(t)
	id := f.addNetflix(t)
	loads, appends, dispatched := f.store.loads.Load(), f.store.appends.Load(), len(f.bus.eventTypes())

	_, err := f.remind.Handle(context.Background(), subscription.ConfigureReminders{
		SubscriptionID: id,
		DaysBefore:     0,
		Enabled:        true,
		Method:         "email",
	})

	require.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)
	var vErr *eventsourcing.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "days_before", vErr.Field)

	assert.Equal(t, loads, f.store.loads.Load())
	assert.Equal(t, appends, f.store.appends.Load())
	assert.Len(t, f.bus.eventTypes(), dispatched)
	_, stored := f.replay(t, id)
	assert.Len(t, stored, 1)
}

func TestInvalidCommandTouchesNothing(t *testing.T) {
	f := newFixture(t)
	input := netflix()
	input.BillingCycle = "fortnightly"

	_, err := f.add.Handle(context.Background(), subscription.NewAddSubscription(input, "2024-01-01"))

	require.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)
	assert.Zero(t, f.store.loads.Load())
	assert.Zero(t, f.store.appends.Load())
	assert.Empty(t, f.bus.eventTypes())
}

func TestCommandsRequireHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const id = "missing"

	tests := []struct {
		name   string
		handle func() error
	}{
		{"cancel", func() error {
			_, err := f.cancel.Handle(ctx, subscription.CancelSubscription{SubscriptionID: id, EndDate: "2024-03-01"})
			return err
		}},
		{"update", func() error {
			_, err := f.update.Handle(ctx, subscription.UpdateSubscription{SubscriptionID: id, DetailsInput: netflix()})
			return err
		}},
		{"reminders", func() error {
			_, err := f.remind.Handle(ctx, subscription.ConfigureReminders{SubscriptionID: id, DaysBefore: 3, Enabled: true, Method: "email"})
			return err
		}},
		{"payment", func() error {
			_, err := f.pay.Handle(ctx, subscription.NewRecordPayment(id, decimal.NewFromInt(10), "2024-02-01", ""))
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.handle(), eventsourcing.ErrAggregateNotFound)
		})
	}
	assert.Zero(t, f.store.appends.Load())
	assert.Empty(t, f.bus.eventTypes())
}

func TestCancelledSubscriptionRejectsChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addNetflix(t)

	_, err := f.cancel.Handle(ctx, subscription.CancelSubscription{SubscriptionID: id, EndDate: "2024-03-01"})
	require.NoError(t, err)

	_, err = f.cancel.Handle(ctx, subscription.CancelSubscription{SubscriptionID: id, EndDate: "2024-04-01"})
	assert.ErrorIs(t, err, subscription.ErrAlreadyCancelled)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionCancelled)

	_, err = f.pay.Handle(ctx, subscription.NewRecordPayment(id, decimal.NewFromInt(10), "2024-02-01", ""))
	assert.ErrorIs(t, err, subscription.ErrSubscriptionCancelled)

	_, err = f.update.Handle(ctx, subscription.UpdateSubscription{SubscriptionID: id, DetailsInput: netflix()})
	assert.ErrorIs(t, err, subscription.ErrSubscriptionCancelled)

	_, stored := f.replay(t, id)
	assert.Len(t, stored, 2)
	assert.Len(t, f.bus.eventTypes(), 2)
}

func TestAddSubscriptionOnExistingIDIsRejectedWithoutRetry(t *testing.T) {
	f := newFixture(t, handlers.WithRetryPolicy(eventsourcing.ExponentialRetry(5, time.Millisecond)))
	id := f.addNetflix(t)
	loads, appends := f.store.loads.Load(), f.store.appends.Load()

	cmd := subscription.NewAddSubscription(netflix(), "2024-01-01")
	cmd.SubscriptionID = id
	_, err := f.add.Handle(context.Background(), cmd)

	require.ErrorIs(t, err, eventsourcing.ErrAggregateExists)
	assert.NotErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)
	assert.Equal(t, loads+1, f.store.loads.Load(), "loaded once, never retried")
	assert.Equal(t, appends, f.store.appends.Load())
	assert.Equal(t, eventsourcing.CodeExists, eventsourcing.ToAppError(err, "").Code)
	assert.Len(t, f.bus.eventTypes(), 1)
}

// failingStore rejects every append the way a broken database would.
type failingStore struct {
	*memory.EventStore
}

func (s *failingStore) AppendEvents(context.Context, string, int64, []*eventsourcing.Event) error {
	return eventsourcing.NewStoreError("append", errors.New("disk full"))
}

func TestStoreFailureIsReturnedAndNothingDispatched(t *testing.T) {
	store := &failingStore{EventStore: memory.NewEventStore()}
	bus := &recordingBus{}
	add := handlers.NewAddSubscriptionHandler(store, bus,
		handlers.WithClock(fixedClock),
		handlers.WithRetryPolicy(eventsourcing.ExponentialRetry(3, time.Millisecond)),
	)

	_, err := add.Handle(context.Background(), subscription.NewAddSubscription(netflix(), "2024-01-01"))

	var storeErr *eventsourcing.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.True(t, storeErr.Retryable())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, eventsourcing.CodeUnavailable, eventsourcing.ToAppError(err, "").Code)
	assert.Empty(t, bus.eventTypes())
}

func TestDispatchFailureIsLoggedNotReturned(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	f := newFixture(t, handlers.WithLogger(logger), handlers.WithTracer(tp.Tracer("handlers-test")))
	f.bus.err = errors.New("bus unavailable")

	cmd := subscription.NewAddSubscription(netflix(), "2024-01-01")
	events, err := f.add.Handle(context.Background(), cmd)

	require.NoError(t, err)
	require.Len(t, events, 1)
	_, stored := f.replay(t, cmd.SubscriptionID)
	assert.Len(t, stored, 1, "store is not rolled back")
	assert.Contains(t, logs.String(), "event dispatch failed")
	assert.Contains(t, logs.String(), cmd.SubscriptionID)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Len(t, entry["trace_id"], 32, "log line carries the command span's trace id")
}

func TestEventMetadataCarriesCommandContext(t *testing.T) {
	f := newFixture(t)

	cmd := subscription.NewAddSubscription(netflix(), "2024-01-01")
	env := eventsourcing.NewCommandEnvelope(cmd)
	env.Metadata.CorrelationID = "corr-42"
	env.Metadata.PrincipalID = "user-7"

	events, err := f.add.CommandHandler().Handle(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, env.Metadata.CommandID, events[0].Metadata.CausationID)
	assert.Equal(t, "corr-42", events[0].Metadata.CorrelationID)
	assert.Equal(t, "user-7", events[0].Metadata.PrincipalID)
	assert.Equal(t, subscription.AggregateType, events[0].AggregateType)
	assert.Equal(t, int64(1), events[0].Position)
}

func TestCommandHandlerRejectsForeignCommand(t *testing.T) {
	f := newFixture(t)

	env := eventsourcing.NewCommandEnvelope(subscription.CancelSubscription{SubscriptionID: "x", EndDate: "2024-03-01"})
	_, err := f.add.CommandHandler().Handle(context.Background(), env)

	assert.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)
}

// racingStore lets another writer append to the stream right before the
// first append of the handler under test.
type racingStore struct {
	*memory.EventStore
	raced atomic.Bool
	race  func(ctx context.Context) error
}

func (s *racingStore) AppendEvents(ctx context.Context, id string, expected int64, events []*eventsourcing.Event) error {
	if s.raced.CompareAndSwap(false, true) {
		if err := s.race(ctx); err != nil {
			return err
		}
	}
	return s.EventStore.AppendEvents(ctx, id, expected, events)
}

func newRace(t *testing.T) (*racingStore, *recordingBus, string) {
	t.Helper()
	ctx := context.Background()
	inner := memory.NewEventStore()
	bus := &recordingBus{}

	add := handlers.NewAddSubscriptionHandler(inner, bus, handlers.WithClock(fixedClock))
	cmd := subscription.NewAddSubscription(netflix(), "2024-01-01")
	_, err := add.Handle(ctx, cmd)
	require.NoError(t, err)

	competitor := handlers.NewRecordPaymentHandler(inner, bus, handlers.WithClock(fixedClock))
	store := &racingStore{EventStore: inner, race: func(ctx context.Context) error {
		_, err := competitor.Handle(ctx, subscription.NewRecordPayment(cmd.SubscriptionID, decimal.NewFromInt(5), "2024-01-10", "competitor"))
		return err
	}}
	return store, bus, cmd.SubscriptionID
}

func TestConcurrencyConflictWithoutRetry(t *testing.T) {
	store, bus, id := newRace(t)
	h := handlers.NewRecordPaymentHandler(store, bus, handlers.WithClock(fixedClock))

	_, err := h.Handle(context.Background(), subscription.NewRecordPayment(id, decimal.NewFromInt(10), "2024-01-12", ""))

	require.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)
	version, err := store.GetAggregateVersion(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version, "only the competitor's payment is stored")
}

func TestConcurrencyConflictRetried(t *testing.T) {
	store, bus, id := newRace(t)
	h := handlers.NewRecordPaymentHandler(store, bus,
		handlers.WithClock(fixedClock),
		handlers.WithRetryPolicy(eventsourcing.ExponentialRetry(3, time.Millisecond)),
	)

	events, err := h.Handle(context.Background(), subscription.NewRecordPayment(id, decimal.NewFromInt(10), "2024-01-12", ""))

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Version)

	stored, err := store.LoadEvents(context.Background(), id, 0)
	require.NoError(t, err)
	decoded, err := subscription.DecodeAll(stored)
	require.NoError(t, err)
	s, err := subscription.FromEvents(id, decoded)
	require.NoError(t, err)
	assert.Len(t, s.Payments, 2)
	assert.True(t, s.TotalPaid().Equal(decimal.NewFromInt(15)))
}

func TestConcurrentPaymentsWithRetryAllLand(t *testing.T) {
	f := newFixture(t, handlers.WithRetryPolicy(eventsourcing.ExponentialRetry(50, time.Millisecond)))
	id := f.addNetflix(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pay.Handle(context.Background(), subscription.NewRecordPayment(id, decimal.NewFromInt(1), "2024-01-10", ""))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	s, stored := f.replay(t, id)
	assert.Len(t, stored, writers+1)
	assert.Equal(t, int64(writers+1), s.Version)
	assert.True(t, s.TotalPaid().Equal(decimal.NewFromInt(writers)))
}

func TestRegisterOnCommandBus(t *testing.T) {
	store := memory.NewEventStore()
	bus := &recordingBus{}
	commands := eventsourcing.NewCommandBus()
	handlers.Register(commands, store, bus, handlers.WithClock(fixedClock))

	assert.Equal(t, []string{
		subscription.CommandTypeAddSubscription,
		subscription.CommandTypeCancelSubscription,
		subscription.CommandTypeConfigureReminders,
		subscription.CommandTypeRecordPayment,
		subscription.CommandTypeUpdateSubscription,
	}, commands.RegisteredCommands())

	add := subscription.NewAddSubscription(netflix(), "2024-01-01")
	result, err := commands.Send(context.Background(), eventsourcing.NewCommandEnvelope(add))
	require.NoError(t, err)
	require.Len(t, result.Events, 1)

	result, err = commands.Send(context.Background(), eventsourcing.NewCommandEnvelope(subscription.ConfigureReminders{
		SubscriptionID: add.SubscriptionID,
		DaysBefore:     3,
		Enabled:        true,
		Method:         "email",
	}))
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, subscription.EventTypeRemindersConfigured, result.Events[0].EventType)
	assert.Equal(t, int64(2), result.Events[0].Version)
}
