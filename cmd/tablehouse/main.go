// Package main provides the Tablehouse service: the upload API together with an
// embedded ingestion worker and lease sweeper.
//
// Run with -create-key -identity <email> to issue an API key and exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tablehouse-io/tablehouse/internal/api"
	"github.com/tablehouse-io/tablehouse/internal/api/middleware"
	"github.com/tablehouse-io/tablehouse/internal/config"
	"github.com/tablehouse-io/tablehouse/internal/events"
	"github.com/tablehouse-io/tablehouse/internal/isolation"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
	"github.com/tablehouse-io/tablehouse/internal/storage"
	"github.com/tablehouse-io/tablehouse/internal/tenancy"
	"github.com/tablehouse-io/tablehouse/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "tablehouse"
)

const sweeperStopTimeout = 30 * time.Second

func main() {
	var (
		versionFlag = flag.Bool("version", false, "show version information")
		createKey   = flag.Bool("create-key", false, "create an API key for -identity, print it and exit")
		identity    = flag.String("identity", "", "identity (email) the new API key belongs to")
		keyName     = flag.String("key-name", "", "optional label for the new API key")
		keyTTL      = flag.Duration("key-ttl", 0, "lifetime of the new API key (0 = never expires)")
	)

	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	api.Version = version

	serverConfig := api.LoadServerConfig()
	logger := config.NewLogger(serverConfig.LogLevel)
	slog.SetDefault(logger)

	if *createKey {
		if err := runCreateKey(logger, *identity, *keyName, *keyTTL); err != nil {
			logger.Error("Failed to create API key", slog.String("error", err.Error()))
			os.Exit(1)
		}

		return
	}

	if err := run(serverConfig, logger); err != nil {
		logger.Error("Tablehouse service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Tablehouse service stopped")
}

func run(serverConfig *api.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting Tablehouse service",
		slog.String("service", name),
		slog.String("version", version),
	)

	if err := serverConfig.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	workerConfig := worker.LoadConfig()
	workerConfig.StagingDir = serverConfig.StagingDir

	if err := workerConfig.Validate(); err != nil {
		return err
	}

	rateLimitConfig := middleware.LoadConfig()
	if err := rateLimitConfig.Validate(); err != nil {
		return err
	}

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	tenancyConfig, err := tenancy.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	tenantStore, err := storage.NewTenantStore(conn, logger)
	if err != nil {
		return err
	}

	queue, err := storage.OpenQueue(workerConfig.QueueBackend, workerConfig.QueueDir, conn, workerConfig.LeaseTTL, logger)
	if err != nil {
		return err
	}

	logger.Info("Job queue opened", slog.String("backend", workerConfig.QueueBackend))

	publisher, closePublisher := openPublisher(logger)
	defer closePublisher()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", rateLimitConfig.GlobalRPS),
		slog.Int("identity_rps", rateLimitConfig.IdentityRPS),
		slog.Int("unauth_rps", rateLimitConfig.UnAuthRPS),
	)

	uploads := api.NewUploadService(
		tenancy.NewRegistry(tenantStore, tenancyConfig, logger),
		queue,
		publisher,
		serverConfig.StagingDir,
		serverConfig.MaxFiles,
		logger,
	)

	server := api.NewServer(serverConfig, api.Dependencies{
		Uploads:     uploads,
		APIKeyStore: storage.NewPersistentKeyStore(conn, logger),
		RateLimiter: rateLimiter,
		Health:      conn,
		Registry:    registry,
		Logger:      logger,
	})

	var workers sync.WaitGroup

	if config.GetEnvBool("TABLEHOUSE_EMBEDDED_WORKER", true) {
		stopWorker, err := startWorker(ctx, &workers, queue, publisher, registry, workerConfig, logger)
		if err != nil {
			return err
		}

		defer stopWorker()
	} else {
		logger.Info("Embedded worker disabled, jobs are processed by standalone workers")
	}

	err = server.Start(ctx)

	stop()
	workers.Wait()

	return err
}

// startWorker runs a worker and a lease sweeper until ctx ends. The returned func stops
// the sweeper.
func startWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	queue jobs.Queue,
	publisher jobs.Publisher,
	registry prometheus.Registerer,
	cfg worker.Config,
	logger *slog.Logger,
) (func(), error) {
	executor, err := isolation.NewProcessExecutor(isolation.LoadConfig(), logger)
	if err != nil {
		return nil, err
	}

	metrics := worker.NewMetrics(registry)

	sweeper, err := worker.NewSweeper(queue, metrics, cfg.SweepInterval, cfg.LeaseTTL, logger)
	if err != nil {
		return nil, err
	}

	sweeper.Start()

	w := worker.New(queue, executor, publisher, metrics, cfg, logger)

	wg.Add(1)

	go func() {
		defer wg.Done()

		_ = w.Run(ctx)
	}()

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), sweeperStopTimeout)
		defer cancel()

		sweeper.Stop(stopCtx)
	}, nil
}

// openPublisher returns the Kafka publisher when brokers are configured and a no-op
// publisher otherwise.
func openPublisher(logger *slog.Logger) (jobs.Publisher, func()) {
	eventsConfig := events.LoadConfig()
	if !eventsConfig.Enabled() {
		logger.Info("Job events disabled", slog.String("note", "Set TABLEHOUSE_KAFKA_BROKERS to publish job events"))

		return jobs.NopPublisher{}, func() {}
	}

	publisher, err := events.NewKafkaPublisher(eventsConfig, logger)
	if err != nil {
		logger.Warn("Job events disabled", slog.String("error", err.Error()))

		return jobs.NopPublisher{}, func() {}
	}

	logger.Info("Job events enabled",
		slog.Any("brokers", eventsConfig.Brokers),
		slog.String("topic", eventsConfig.Topic),
	)

	return publisher, func() { closeQuietly(publisher, logger) }
}

func closeQuietly(c io.Closer, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("Close failed", slog.String("error", err.Error()))
	}
}

// runCreateKey issues an API key and prints it once. Only its hash is stored.
func runCreateKey(logger *slog.Logger, identity, keyName string, ttl time.Duration) error {
	identity = tenancy.NormalizeIdentity(identity)
	if identity == "" {
		return errors.New("-identity is required with -create-key")
	}

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	key, err := storage.GenerateAPIKey()
	if err != nil {
		return err
	}

	apiKey := &storage.APIKey{
		ID:        uuid.NewString(),
		Key:       key,
		Identity:  identity,
		Name:      keyName,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}

	if ttl > 0 {
		expires := apiKey.CreatedAt.Add(ttl)
		apiKey.ExpiresAt = &expires
	}

	if err := storage.NewPersistentKeyStore(conn, logger).Add(context.Background(), apiKey); err != nil {
		return err
	}

	fmt.Println(key) //nolint:forbidigo // the key is shown exactly once

	return nil
}
