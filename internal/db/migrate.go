package db

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	migratePsql "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (db *DB) MigrateUp(logger log.FieldLogger) error {
	m, err := db.prepareMigrations(logger)
	if err != nil {
		return err
	}
	defer closeMigrations(m, logger)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	logger.Info("migrations applied successfully")
	return nil
}

func (db *DB) MigrateDown(logger log.FieldLogger) error {
	m, err := db.prepareMigrations(logger)
	if err != nil {
		return err
	}
	defer closeMigrations(m, logger)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate down")
	}
	logger.Info("migrations reverted successfully")
	return nil
}

func (db *DB) prepareMigrations(logger log.FieldLogger) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "open embedded migrations")
	}

	conn := stdlib.OpenDBFromPool(db.Pool)
	driver, err := migratePsql.WithInstance(conn, &migratePsql.Config{})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "migration driver")
	}

	logger.Info("migrations started")

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return nil, errors.Wrap(err, "failed to create migrations instance")
	}
	return m, nil
}

// closeMigrations releases the migration source and the *sql.DB opened over
// the pool, which hands its connection back to the pool.
func closeMigrations(m *migrate.Migrate, logger log.FieldLogger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logger.WithError(srcErr).Warn("close migration source")
	}
	if dbErr != nil {
		logger.WithError(dbErr).Warn("close migration database")
	}
}
