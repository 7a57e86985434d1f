package store

import (
	"context"
	"errors"
	"time"
)

// ErrCheckpointNotFound is returned when a projection has never saved a checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ProjectionCheckpoint tracks the progress of a projection.
type ProjectionCheckpoint struct {
	ProjectionName string
	// Position is the global event position the projection has processed up to.
	Position    int64
	LastEventID string
	UpdatedAt   time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Save saves a checkpoint.
	Save(ctx context.Context, checkpoint *ProjectionCheckpoint) error

	// Load loads a checkpoint for a projection.
	// Returns ErrCheckpointNotFound if none was saved.
	Load(ctx context.Context, projectionName string) (*ProjectionCheckpoint, error)

	// Delete deletes a checkpoint (for rebuilding).
	Delete(ctx context.Context, projectionName string) error
}
