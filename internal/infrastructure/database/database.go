// Package database builds the *sqlx.DB connection and runs the kv_entries
// schema migration at startup. The teacher's own database.NewConnection/
// database.RunMigrations call sites (referenced from application.go) were
// not present in the retrieved source, so this package is rebuilt to match
// those call shapes using the same jmoiron/sqlx + lib/pq + golang-migrate/
// migrate/v4 stack the teacher's go.mod already carries.
package database

import (
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/rail-service/erasure_service/internal/infrastructure/config"
	"github.com/rail-service/erasure_service/internal/infrastructure/kvstore"
)

// NewConnection opens a connection pool against cfg.URL, tuned by
// cfg.MaxOpenConns/MaxIdleConns.
func NewConnection(cfg config.Database) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("database: connecting: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// RunMigrations applies every pending kvstore migration, idempotently.
func RunMigrations(databaseURL string) error {
	src, err := iofs.New(kvstore.Migrations, "migrations")
	if err != nil {
		return fmt.Errorf("database: loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("database: building migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database: applying migrations: %w", err)
	}
	return nil
}
