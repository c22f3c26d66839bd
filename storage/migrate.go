package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"ascend.software/storefront/internal/logger"
)

//go:embed migrations
var migrationFS embed.FS

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// Migrate applies the schema for a SQL datastore URL without serving.
func Migrate(ctx context.Context, rawURL string) error {
	switch {
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return migratePostgres(ctx, rawURL)
	case strings.HasPrefix(rawURL, "sqlite://"):
		store, err := NewSQLiteStorage(strings.TrimPrefix(rawURL, "sqlite://"))
		if err != nil {
			return err
		}
		return store.Close()
	default:
		return fmt.Errorf("migrations need a postgres:// or sqlite:// url, got %q", redactURL(rawURL))
	}
}

// migratePostgres runs migrations on a dedicated handle. The postgres
// driver pins a connection for its lock, so it is released with the handle.
func migratePostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return runMigrations(db, dialectPostgres, true)
}

// runMigrations applies the embedded migrations for dialect. With release
// set, db is closed before returning.
func runMigrations(db *sql.DB, dialect string, release bool) (err error) {
	if release {
		defer func() {
			if closeErr := db.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("failed to close migration connection: %w", closeErr)
			}
		}()
	}

	source, err := iofs.New(migrationFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case dialectSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case dialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return fmt.Errorf("unknown migration dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if release {
		defer func() {
			if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
				logger.Debug("Migrator close reported errors", map[string]interface{}{
					"source_error":   fmt.Sprint(srcErr),
					"database_error": fmt.Sprint(dbErr),
				})
			}
		}()
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("No new migrations", map[string]interface{}{"dialect": dialect})
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("No migration files found", map[string]interface{}{"dialect": dialect})
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("Migrations applied", map[string]interface{}{
		"dialect": dialect,
		"version": version,
	})
	return nil
}

func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid url"
	}
	return u.Redacted()
}
