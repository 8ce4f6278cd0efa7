package db

import (
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported DB_DRIVER values.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite3"
)

// Connect opens the database for driver and applies migrations.
func Connect(driver, dsn string) (*sqlx.DB, error) {
	migrations, err := migrationsFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if driver == DriverSQLite {
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := runMigrations(db, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func migrationsFor(driver string) ([]string, error) {
	switch driver {
	case DriverPostgres, DriverPgx:
		return postgresMigrations, nil
	case DriverSQLite:
		return sqliteMigrations, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

func runMigrations(db *sqlx.DB, migrations []string) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Printf("database migrations applied driver=%s count=%d", db.DriverName(), len(migrations))
	return nil
}
