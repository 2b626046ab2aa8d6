package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "pagenotify/pkg/logx"
)

// LatestMigrationVersion must be bumped with every new migration.
const LatestMigrationVersion uint = 1

var ErrMigrationDowngrade = errors.New("database downgrade detected")

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migrationLogger struct{ log logx.Logger }

func (m migrationLogger) Printf(format string, v ...any) {
	m.log.Info(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}

func (m migrationLogger) Verbose() bool { return false }

// Migrate brings db up to LatestMigrationVersion. A dirty database or one
// newer than this binary is refused.
func Migrate(db *sql.DB, log logx.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}
	// Closing m would close db, so it is left to the garbage collector.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual intervention required", version)
	}
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%d latest=%d", ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	m.Log = migrationLogger{log: log}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	after, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if after != version {
		log.Info("schema migrated", logx.Uint64("from", uint64(version)), logx.Uint64("to", uint64(after)))
	}
	return nil
}
