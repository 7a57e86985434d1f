package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/subscriptions/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed checkpoint_migrations/*.sql
var checkpointMigrationsFS embed.FS

func runMigrations(ctx context.Context, db *sql.DB) error {
	return migrateUp(ctx, db, "schema_migrations", migrationsFS, "migrations")
}

func runCheckpointMigrations(ctx context.Context, db *sql.DB) error {
	return migrateUp(ctx, db, "checkpoint_schema_migrations", checkpointMigrationsFS, "checkpoint_migrations")
}

func migrateUp(ctx context.Context, db *sql.DB, table string, fsys embed.FS, dir string) error {
	m := migrate.New(db, table)
	if err := m.LoadFromFS(fsys, dir); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
