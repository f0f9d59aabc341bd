package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending schema migration.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	for _, r := range results {
		logger.InfoContext(ctx, "Applied schema migration",
			slog.Int64("version", r.Source.Version),
			slog.String("file", r.Source.Path),
			slog.Duration("duration", r.Duration))
	}
	return nil
}

// SchemaVersion returns the newest applied migration version
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

// Seed inserts default rows. Running it again changes nothing.
func Seed(ctx context.Context, db *sql.DB, now time.Time, logger *slog.Logger) error {
	logger.InfoContext(ctx, "Creating default data")

	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO app_metadata (key, value) VALUES ('installed_at', ?)`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to seed default data: %w", err)
	}

	logger.InfoContext(ctx, "Finished creating default data")
	return nil
}
