package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// EventStore is a SQLite-based implementation of eventsourcing.EventStore.
// It provides ACID guarantees for event persistence with no CGo dependencies.
type EventStore struct {
	db *sql.DB
	// mu serializes appends within the process; the UNIQUE(aggregate_id, version)
	// index catches writers in other processes.
	mu sync.Mutex
}

// eventStoreConfig holds internal configuration for the SQLite event store.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "subscriptions.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// EventStoreOption is a function that configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database. WAL mode is turned off.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
// This is recommended for production use but not available for :memory: databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewEventStore creates a new SQLite event store with the given options.
//
// Example usage:
//
//	// Use defaults (subscriptions.db, WAL mode, auto-migrate)
//	store, err := sqlite.NewEventStore(ctx)
//
//	// In-memory database for testing
//	store, err := sqlite.NewEventStore(ctx, sqlite.WithMemoryDatabase())
func NewEventStore(ctx context.Context, opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For :memory: databases, we need to ensure we use a single connection
	// Otherwise each connection gets its own isolated in-memory database
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &EventStore{db: db}

	if config.walMode {
		if err := store.setWALMode(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return store, nil
}

func (s *EventStore) setWALMode(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`)
	return err
}

// DB returns the underlying database so read models can share it.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// RunMigrations runs pending schema migrations. Only needed with WithAutoMigrate(false).
func (s *EventStore) RunMigrations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runMigrations(ctx, s.db)
}

// AppendEvents appends events to an aggregate's stream atomically.
// On success each event's Position is set to its global position.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := eventsourcing.CheckBatch(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventsourcing.NewStoreError("begin", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	if err := tx.QueryRowContext(ctx, queryAggregateVersion, aggregateID).Scan(&currentVersion); err != nil {
		return eventsourcing.NewStoreError("read version", err)
	}
	if currentVersion != expectedVersion {
		return fmt.Errorf("%w: aggregate %s is at version %d, expected %d",
			eventsourcing.ErrConcurrencyConflict, aggregateID, currentVersion, expectedVersion)
	}

	var position int64
	if err := tx.QueryRowContext(ctx, queryMaxPosition).Scan(&position); err != nil {
		return eventsourcing.NewStoreError("read position", err)
	}

	positions := make([]int64, len(events))
	for i, event := range events {
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		position++
		_, err = tx.ExecContext(ctx, queryInsertEvent,
			position,
			event.ID,
			event.AggregateID,
			event.AggregateType,
			event.EventType,
			event.Version,
			event.Timestamp.UnixNano(),
			event.Data,
			string(metadataJSON),
		)
		if isVersionConflict(err) {
			return fmt.Errorf("%w: aggregate %s version %d already exists",
				eventsourcing.ErrConcurrencyConflict, aggregateID, event.Version)
		}
		if err != nil {
			return eventsourcing.NewStoreError("insert event", err)
		}
		positions[i] = position
	}

	if err := tx.Commit(); err != nil {
		if isVersionConflict(err) {
			return eventsourcing.ErrConcurrencyConflict
		}
		return eventsourcing.NewStoreError("commit", err)
	}

	for i, event := range events {
		event.Position = positions[i]
	}
	return nil
}

// LoadEvents loads the events of an aggregate with a version greater than afterVersion.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventsourcing.Event, error) {
	return s.query(ctx, "load events", queryLoadEvents, aggregateID, afterVersion)
}

// LoadAllEvents loads up to limit events with a position greater than fromPosition.
// A limit <= 0 loads all of them.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	if limit <= 0 {
		// SQLite treats a negative LIMIT as no limit.
		limit = -1
	}
	return s.query(ctx, "load all events", queryLoadAllEvents, fromPosition, limit)
}

// GetAggregateVersion returns the current version of an aggregate, 0 if unknown.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, queryAggregateVersion, aggregateID).Scan(&version); err != nil {
		return 0, eventsourcing.NewStoreError("read version", err)
	}
	return version, nil
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

func (s *EventStore) query(ctx context.Context, op, query string, args ...any) ([]*eventsourcing.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eventsourcing.NewStoreError(op, err)
	}
	defer rows.Close()

	events := make([]*eventsourcing.Event, 0)
	for rows.Next() {
		var (
			event     eventsourcing.Event
			timestamp int64
			metadata  string
		)
		if err := rows.Scan(
			&event.Position,
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&event.Version,
			&timestamp,
			&event.Data,
			&metadata,
		); err != nil {
			return nil, eventsourcing.NewStoreError(op, err)
		}
		event.Timestamp = time.Unix(0, timestamp).UTC()
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of event %s: %w", event.ID, err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, eventsourcing.NewStoreError(op, err)
	}
	return events, nil
}

func isVersionConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: events.aggregate_id")
}
