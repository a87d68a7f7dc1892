// Package postgres implements the durable store (storage.Store) on top of
// PostgreSQL, using database/sql with the pgx stdlib driver and a small
// embedded migration runner (see migrate.go) instead of a migration
// framework.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store against a PostgreSQL database.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// New opens a connection pool, applies pending migrations, and returns a
// ready-to-use Store.
func New(ctx context.Context, cfg *config.DBConfig, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info().Msg("postgres store ready, migrations applied")

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
