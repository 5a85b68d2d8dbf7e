package outbox

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

// migrateSQLite applies every pending migration to db, creating the
// schema idempotently. golang-migrate's own version table satisfies
// the monotonic, transactionally-bumped schema-version requirement.
func migrateSQLite(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("outbox: sqlite3 migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("outbox: load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("outbox: init migrate: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("outbox: apply migrations: %w", err)
	}
	v, dirty, verr := m.Version()
	if verr == nil {
		elog.Infof("outbox: schema version %d (dirty=%v)", v, dirty)
	}
	return nil
}
