// Package main provides a standalone Tablehouse ingestion worker.
//
// It drains the same queue the API submits to and exposes its metrics on
// TABLEHOUSE_WORKER_METRICS_ADDR. Any number of workers may run side by side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tablehouse-io/tablehouse/internal/config"
	"github.com/tablehouse-io/tablehouse/internal/events"
	"github.com/tablehouse-io/tablehouse/internal/isolation"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
	"github.com/tablehouse-io/tablehouse/internal/storage"
	"github.com/tablehouse-io/tablehouse/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "tablehouse-worker"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := config.NewLoggerFromEnv()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Worker failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Worker exited")
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := worker.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("Starting Tablehouse worker",
		slog.String("version", version),
		slog.String("worker_id", cfg.WorkerID),
		slog.String("queue_backend", cfg.QueueBackend),
	)

	var conn *storage.Connection

	if cfg.QueueBackend == storage.QueueBackendPostgres {
		var err error

		conn, err = storage.NewConnection(storage.LoadConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		defer func() {
			_ = conn.Close()
		}()
	}

	queue, err := storage.OpenQueue(cfg.QueueBackend, cfg.QueueDir, conn, cfg.LeaseTTL, logger)
	if err != nil {
		return err
	}

	executor, err := isolation.NewProcessExecutor(isolation.LoadConfig(), logger)
	if err != nil {
		return err
	}

	var publisher jobs.Publisher = jobs.NopPublisher{}

	if eventsConfig := events.LoadConfig(); eventsConfig.Enabled() {
		kafkaPublisher, err := events.NewKafkaPublisher(eventsConfig, logger)
		if err != nil {
			return err
		}

		defer func() {
			_ = kafkaPublisher.Close()
		}()

		publisher = kafkaPublisher
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := worker.NewMetrics(registry)

	if addr := config.GetEnvStr("TABLEHOUSE_WORKER_METRICS_ADDR", ""); addr != "" {
		metricsServer := serveMetrics(addr, registry, logger)

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	sweeper, err := worker.NewSweeper(queue, metrics, cfg.SweepInterval, cfg.LeaseTTL, logger)
	if err != nil {
		return err
	}

	sweeper.Start()

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sweeper.Stop(stopCtx)
	}()

	return worker.New(queue, executor, publisher, metrics, cfg, logger).Run(ctx)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		logger.Info("Serving worker metrics", slog.String("address", addr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}
