// Package main provides the database migration CLI for Tablehouse.
//
// Migrations are compiled into the binary; MIGRATIONS_PATH points it at a directory
// instead. Commands: up, down, status, version, drop.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tablehouse-io/tablehouse/internal/config"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Do not ask for confirmation before drop")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	logger := config.NewLoggerWithOutput(os.Stderr, config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = executeCommand(flag.Arg(0), runner, os.Stdin, os.Stdout, *assumeYes)

	if closeErr := runner.Close(); closeErr != nil {
		logger.Warn("Failed to close migration runner", slog.String("error", closeErr.Error()))
	}

	if err != nil {
		logger.Error("Migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand runs command. Output meant for the operator goes to out.
func executeCommand(command string, runner MigrationRunner, in io.Reader, out io.Writer, assumeYes bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		state := "clean"
		if status.Dirty {
			state = "dirty (needs manual intervention)"
		}

		_, _ = fmt.Fprintf(out, "Migration Status: version %d of %d (%s), %d pending\n",
			status.Version, status.Latest, state, status.Pending())

		return nil
	case "version":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		dirty := ""
		if status.Dirty {
			dirty = " (dirty)"
		}

		_, _ = fmt.Fprintf(out, "Current Version: %d%s\n", status.Version, dirty)

		return nil
	case "drop":
		if !assumeYes && !confirm(in, out, "WARNING: This will drop all tables. Are you sure? (y/N): ") {
			_, _ = fmt.Fprintln(out, "Operation cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprint(out, prompt)

	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.TrimSpace(line)

	return answer == "y" || answer == "Y"
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s v%s - Database Migration Tool for Tablehouse

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Roll back the last migration
    status  Show applied and pending migrations
    version Show current migration version
    drop    Drop all tables (asks for confirmation unless -yes)

OPTIONS:
    -help     Show this help message
    -version  Show version information
    -yes      Skip the drop confirmation

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (REQUIRED)
    MIGRATIONS_PATH  Directory to read migrations from instead of the embedded set
    MIGRATION_TABLE  Name of migration tracking table (default: schema_migrations)
`, name, version, name)
}
