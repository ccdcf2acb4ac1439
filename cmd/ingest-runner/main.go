// Package main provides the isolated ingestion runner.
//
// The worker starts one runner per file. The runner loads every sheet of -file into
// the -namespace schema and writes exactly one result frame to stdout. Logs go to
// stderr. Ingestion failures are reported inside the frame with exit code 0; exit
// code 2 means the runner was started with bad flags or configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tablehouse-io/tablehouse/internal/config"
	"github.com/tablehouse-io/tablehouse/internal/ingestion"
	"github.com/tablehouse-io/tablehouse/internal/isolation"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
	"github.com/tablehouse-io/tablehouse/internal/storage"
)

const (
	exitOK          = 0
	exitWriteFailed = 1
	exitUsage       = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("ingest-runner", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	var (
		namespace = flags.String("namespace", "", "target schema")
		file      = flags.String("file", "", "spreadsheet to ingest")
		identity  = flags.String("identity", "", "identity recorded as the uploader")
	)

	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	logger := config.NewLoggerWithOutput(os.Stderr, config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo))

	if *namespace == "" || *file == "" || *identity == "" {
		logger.Error("Missing required flag", slog.String("usage", "-namespace <schema> -file <path> -identity <email>"))

		return exitUsage
	}

	ingestionConfig := ingestion.LoadConfig()
	if err := ingestionConfig.Validate(); err != nil {
		logger.Error("Invalid ingestion configuration", slog.String("error", err.Error()))

		return exitUsage
	}

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		logger.Error("Invalid storage configuration", slog.String("error", err.Error()))

		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := ingest(ctx, storageConfig, ingestionConfig, *namespace, *identity, *file, logger)

	if err := isolation.WriteResult(os.Stdout, result); err != nil {
		logger.Error("Failed to write result", slog.String("error", err.Error()))

		return exitWriteFailed
	}

	return exitOK
}

// ingest never fails: connection problems are reported as a failed result.
func ingest(
	ctx context.Context,
	storageConfig *storage.Config,
	ingestionConfig *ingestion.Config,
	namespace, identity, file string,
	logger *slog.Logger,
) jobs.FileResult {
	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return jobs.FailedResult(file, fmt.Sprintf("database unavailable: %v", err))
	}

	defer func() {
		_ = conn.Close()
	}()

	loader, err := storage.NewTableLoader(conn, logger, ingestionConfig.InferSampleRows)
	if err != nil {
		return jobs.FailedResult(file, err.Error())
	}

	return ingestion.NewEngine(loader, logger, ingestionConfig.PreviewRows).IngestFile(ctx, namespace, identity, file)
}
