package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tablehouse-io/tablehouse/internal/config"
	"github.com/tablehouse-io/tablehouse/internal/storage"
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrDatabaseURLRequired is returned when DATABASE_URL is not set.
	ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")

	// ErrMigrationTableRequired is returned when MIGRATION_TABLE is set to an empty name.
	ErrMigrationTableRequired = errors.New("MIGRATION_TABLE cannot be empty")

	// ErrMigrationsPathMissing is returned when MIGRATIONS_PATH names a directory that does not exist.
	ErrMigrationsPathMissing = errors.New("migrations directory does not exist")
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationsPath optionally overrides the migrations compiled into the binary.
	MigrationsPath string

	// MigrationTable is the name of the table tracking applied migrations.
	MigrationTable string
}

// LoadConfig reads DATABASE_URL, MIGRATIONS_PATH and MIGRATION_TABLE.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationsPath: config.GetEnvStr("MIGRATIONS_PATH", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableRequired
	}

	if c.MigrationsPath != "" {
		info, err := os.Stat(c.MigrationsPath)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrMigrationsPathMissing, c.MigrationsPath)
		}
	}

	return nil
}

// String returns the configuration with the database password masked.
func (c *Config) String() string {
	source := "embedded"
	if c.MigrationsPath != "" {
		source = c.MigrationsPath
	}

	return fmt.Sprintf("Config{DatabaseURL: %s, Migrations: %s, MigrationTable: %s}",
		storage.MaskDatabaseURL(c.DatabaseURL), source, c.MigrationTable)
}
