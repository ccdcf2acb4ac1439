package worker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tablehouse-io/tablehouse/internal/config"
	"github.com/tablehouse-io/tablehouse/internal/storage"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultLeaseTTL      = 10 * time.Minute
	defaultSweepInterval = time.Minute
	defaultQueueDir      = "/var/lib/tablehouse/queue"
	defaultStagingDir    = "/var/lib/tablehouse/staging"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid worker config")

// Config holds worker and queue settings.
type Config struct {
	WorkerID      string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	SweepInterval time.Duration
	QueueBackend  string
	QueueDir      string
	StagingDir    string
}

// LoadConfig reads worker settings from TABLEHOUSE_* environment variables.
// The worker ID defaults to hostname-pid plus a short random suffix.
func LoadConfig() Config {
	return Config{
		WorkerID:      config.GetEnvStr("TABLEHOUSE_WORKER_ID", defaultWorkerID()),
		PollInterval:  config.GetEnvDuration("TABLEHOUSE_POLL_INTERVAL", defaultPollInterval),
		LeaseTTL:      config.GetEnvDuration("TABLEHOUSE_LEASE_TTL", defaultLeaseTTL),
		SweepInterval: config.GetEnvDuration("TABLEHOUSE_SWEEP_INTERVAL", defaultSweepInterval),
		QueueBackend:  strings.ToLower(config.GetEnvStr("TABLEHOUSE_QUEUE_BACKEND", storage.QueueBackendPostgres)),
		QueueDir:      config.GetEnvStr("TABLEHOUSE_QUEUE_DIR", defaultQueueDir),
		StagingDir:    config.GetEnvStr("TABLEHOUSE_STAGING_DIR", defaultStagingDir),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("%w: worker ID is empty", ErrInvalidConfig)
	}

	if c.PollInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("%w: poll and sweep intervals must be positive", ErrInvalidConfig)
	}

	// Heartbeats run every LeaseTTL/3; anything shorter than a second thrashes the queue.
	if c.LeaseTTL < time.Second {
		return fmt.Errorf("%w: lease TTL %s is too short", ErrInvalidConfig, c.LeaseTTL)
	}

	switch c.QueueBackend {
	case storage.QueueBackendPostgres:
	case storage.QueueBackendFilesystem:
		if strings.TrimSpace(c.QueueDir) == "" {
			return fmt.Errorf("%w: filesystem queue needs TABLEHOUSE_QUEUE_DIR", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: queue backend %q", ErrInvalidConfig, c.QueueBackend)
	}

	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
