package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tablehouse-io/tablehouse/migrations"
)

type (
	// MigrationRunner applies and inspects schema migrations.
	MigrationRunner interface {
		// Up applies all pending migrations.
		Up() error

		// Down rolls back the last migration.
		Down() error

		// Status reports the applied version and how many migrations are pending.
		Status() (Status, error)

		// Drop drops everything in the database.
		Drop() error

		Close() error
	}

	// Status is the migration state of a database.
	Status struct {
		Version uint
		Dirty   bool
		Latest  int
	}

	migrationRunner struct {
		migrate *migrate.Migrate
		db      *sql.DB
		source  fs.FS
		logger  *slog.Logger
	}

	// migrateLogger adapts slog to migrate.Logger.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner connects to the database and prepares the migration source:
// MIGRATIONS_PATH when set, the embedded migrations otherwise.
func NewMigrationRunner(cfg *Config, logger *slog.Logger) (MigrationRunner, error) {
	logger.Info("Initializing migration runner", slog.String("config", cfg.String()))

	source := migrations.FS()
	if cfg.MigrationsPath != "" {
		source = os.DirFS(cfg.MigrationsPath)
	}

	if err := migrations.Validate(source); err != nil {
		return nil, fmt.Errorf("invalid migrations: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(source, ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &migrationRunner{migrate: m, db: db, source: source, logger: logger}, nil
}

func (r *migrationRunner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied successfully")

	return nil
}

func (r *migrationRunner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, migrate.ErrNilVersion) || errors.Is(err, fs.ErrNotExist) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back successfully")

	return nil
}

func (r *migrationRunner) Status() (Status, error) {
	status := Status{Latest: migrations.MaxVersion(r.source)}

	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return status, nil
	}

	if err != nil {
		return status, fmt.Errorf("failed to get migration version: %w", err)
	}

	status.Version = version
	status.Dirty = dirty

	return status, nil
}

func (r *migrationRunner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

func (r *migrationRunner) Close() error {
	var errs []error

	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
	}

	if dbErr != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
	}

	if err := r.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database connection close error: %w", err))
	}

	return errors.Join(errs...)
}

// Pending is the number of migrations not yet applied.
func (s Status) Pending() int {
	pending := s.Latest - int(s.Version) //nolint:gosec // versions are small sequence numbers
	if pending < 0 {
		return 0
	}

	return pending
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
