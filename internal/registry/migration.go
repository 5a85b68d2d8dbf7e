package registry

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ersha-io/ersha/pkg/elog"
)

//go:embed migrations/sqlite3
var migrationFiles embed.FS

func migrateSQLite(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("registry: sqlite3 migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("registry: load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("registry: init migrate: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("registry: apply migrations: %w", err)
	}
	v, dirty, verr := m.Version()
	if verr == nil {
		elog.Infof("registry: schema version %d (dirty=%v)", v, dirty)
	}
	return nil
}
