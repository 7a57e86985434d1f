package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/subscriptions/pkg/store"
)

// CheckpointStore is a SQLite-based implementation of store.CheckpointStore.
// It supports both standalone operations and transactional operations when used
// with SaveInTx to ensure atomic updates with projections.
//
// The CheckpointStore can use either the EventStore's database (pass eventStore.DB())
// or a separate database for the read side.
type CheckpointStore struct {
	db *sql.DB
}

type checkpointStoreConfig struct {
	autoMigrate bool
}

// CheckpointStoreOption is a function that configures a CheckpointStore.
type CheckpointStoreOption func(*checkpointStoreConfig)

// WithCheckpointAutoMigrate enables automatic migration on startup.
func WithCheckpointAutoMigrate(enabled bool) CheckpointStoreOption {
	return func(c *checkpointStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewCheckpointStore creates a new SQLite checkpoint store on db.
// By default, it will auto-migrate the database schema.
func NewCheckpointStore(ctx context.Context, db *sql.DB, opts ...CheckpointStoreOption) (*CheckpointStore, error) {
	config := checkpointStoreConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&config)
	}

	if config.autoMigrate {
		if err := runCheckpointMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to run checkpoint migrations: %w", err)
		}
	}

	return &CheckpointStore{db: db}, nil
}

// DB returns the underlying database connection for creating transactions.
func (s *CheckpointStore) DB() *sql.DB {
	return s.db
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Save saves a checkpoint in its own transaction.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	return saveCheckpoint(ctx, s.db, checkpoint)
}

// SaveInTx saves a checkpoint within the provided transaction, so a read model
// update and its checkpoint commit together.
//
//	tx, err := checkpointStore.DB().BeginTx(ctx, nil)
//	...
//	_, err = tx.ExecContext(ctx, "UPDATE my_projection SET ...")
//	...
//	err = checkpointStore.SaveInTx(ctx, tx, checkpoint)
//	...
//	return tx.Commit()
func (s *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, checkpoint *store.ProjectionCheckpoint) error {
	return saveCheckpoint(ctx, tx, checkpoint)
}

func saveCheckpoint(ctx context.Context, db execer, checkpoint *store.ProjectionCheckpoint) error {
	_, err := db.ExecContext(ctx, querySaveCheckpoint,
		checkpoint.ProjectionName,
		checkpoint.Position,
		checkpoint.LastEventID,
		checkpoint.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load loads a checkpoint for a projection.
// Returns store.ErrCheckpointNotFound if the projection never saved one.
func (s *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	var (
		checkpoint store.ProjectionCheckpoint
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, queryLoadCheckpoint, projectionName).Scan(
		&checkpoint.ProjectionName,
		&checkpoint.Position,
		&checkpoint.LastEventID,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrCheckpointNotFound, projectionName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	checkpoint.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &checkpoint, nil
}

// Delete deletes a checkpoint (for rebuilding).
func (s *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	return deleteCheckpoint(ctx, s.db, projectionName)
}

// DeleteInTx deletes a checkpoint within the provided transaction.
func (s *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName string) error {
	return deleteCheckpoint(ctx, tx, projectionName)
}

func deleteCheckpoint(ctx context.Context, db execer, projectionName string) error {
	if _, err := db.ExecContext(ctx, queryDeleteCheckpoint, projectionName); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
