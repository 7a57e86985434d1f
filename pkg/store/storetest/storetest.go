// Package storetest holds the behaviour every eventsourcing.EventStore must show.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) eventsourcing.EventStore

// NewEvents builds count events for aggregateID starting after fromVersion.
func NewEvents(aggregateID string, fromVersion int64, count int) []*eventsourcing.Event {
	events := make([]*eventsourcing.Event, count)
	for i := range events {
		version := fromVersion + int64(i) + 1
		events[i] = &eventsourcing.Event{
			ID:            fmt.Sprintf("%s-v%d", aggregateID, version),
			AggregateID:   aggregateID,
			AggregateType: "Test",
			EventType:     "test.Happened",
			Version:       version,
			Timestamp:     time.Date(2024, 1, 15, 10, 0, 0, int(version), time.UTC),
			Data:          []byte(fmt.Sprintf(`{"n":%d}`, version)),
			Metadata: eventsourcing.EventMetadata{
				CausationID: "cmd-" + aggregateID,
				Custom:      map[string]string{"source": "test"},
			},
		}
	}
	return events
}

// Run executes the suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	open := func(t *testing.T) eventsourcing.EventStore {
		s := newStore(t)
		t.Cleanup(func() { s.Close() })
		return s
	}

	t.Run("AppendAndLoad", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, NewEvents("agg-1", 0, 3)))

		loaded, err := s.LoadEvents(ctx, "agg-1", 0)
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		for i, event := range loaded {
			assert.Equal(t, int64(i+1), event.Version)
			assert.Equal(t, "test.Happened", event.EventType)
			assert.Equal(t, "Test", event.AggregateType)
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i+1), string(event.Data))
			assert.Equal(t, "cmd-agg-1", event.Metadata.CausationID)
			assert.Equal(t, "test", event.Metadata.Custom["source"])
			assert.True(t, event.Timestamp.Equal(time.Date(2024, 1, 15, 10, 0, 0, i+1, time.UTC)))
		}

		version, err := s.GetAggregateVersion(ctx, "agg-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
	})

	t.Run("LoadAfterVersion", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, NewEvents("agg-1", 0, 4)))

		loaded, err := s.LoadEvents(ctx, "agg-1", 2)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, int64(3), loaded[0].Version)
	})

	t.Run("UnknownAggregateIsEmpty", func(t *testing.T) {
		s := open(t)

		loaded, err := s.LoadEvents(ctx, "missing", 0)
		require.NoError(t, err)
		assert.Empty(t, loaded)

		version, err := s.GetAggregateVersion(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("ExpectedVersionMismatch", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, NewEvents("agg-1", 0, 2)))

		err := s.AppendEvents(ctx, "agg-1", 0, NewEvents("agg-1", 0, 1))
		assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

		err = s.AppendEvents(ctx, "agg-1", 1, NewEvents("agg-1", 1, 1))
		assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

		loaded, err := s.LoadEvents(ctx, "agg-1", 0)
		require.NoError(t, err)
		assert.Len(t, loaded, 2)
	})

	t.Run("BatchIsAllOrNothing", func(t *testing.T) {
		s := open(t)
		batch := NewEvents("agg-1", 0, 3)
		batch[2].Version = 7

		err := s.AppendEvents(ctx, "agg-1", 0, batch)
		assert.ErrorIs(t, err, eventsourcing.ErrInvalidVersion)

		loaded, err := s.LoadEvents(ctx, "agg-1", 0)
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("ForeignEventRejected", func(t *testing.T) {
		s := open(t)
		err := s.AppendEvents(ctx, "agg-1", 0, NewEvents("agg-2", 0, 1))
		assert.ErrorIs(t, err, eventsourcing.ErrInvalidVersion)
	})

	t.Run("EmptyAppendIsNoop", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, nil))
	})

	t.Run("GlobalOrder", func(t *testing.T) {
		s := open(t)
		first := NewEvents("agg-1", 0, 2)
		second := NewEvents("agg-2", 0, 2)
		third := NewEvents("agg-1", 2, 1)
		require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, first))
		require.NoError(t, s.AppendEvents(ctx, "agg-2", 0, second))
		require.NoError(t, s.AppendEvents(ctx, "agg-1", 2, third))

		assert.Equal(t, int64(1), first[0].Position)
		assert.Equal(t, int64(5), third[0].Position)

		all, err := s.LoadAllEvents(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, all, 5)
		ids := make([]string, len(all))
		for i, event := range all {
			ids[i] = event.ID
			assert.Equal(t, int64(i+1), event.Position)
		}
		assert.Equal(t, []string{"agg-1-v1", "agg-1-v2", "agg-2-v1", "agg-2-v2", "agg-1-v3"}, ids)

		page, err := s.LoadAllEvents(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "agg-2-v1", page[0].ID)
		assert.Equal(t, "agg-2-v2", page[1].ID)

		for _, limit := range []int{0, -1} {
			unbounded, err := s.LoadAllEvents(ctx, 1, limit)
			require.NoError(t, err)
			assert.Len(t, unbounded, 4, "limit %d loads everything after the position", limit)
		}
	})

	t.Run("ConcurrentWritersOnlyOneWins", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.AppendEvents(ctx, "agg-1", 0, NewEvents("agg-1", 0, 1)))

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batch := NewEvents("agg-1", 1, 1)
				batch[0].ID = fmt.Sprintf("writer-%d", w)
				err := s.AppendEvents(ctx, "agg-1", 1, batch)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, writers-1, conflicts)

		version, err := s.GetAggregateVersion(ctx, "agg-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})
}
