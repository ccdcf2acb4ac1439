package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

// Queue backends accepted by OpenQueue.
const (
	QueueBackendPostgres   = "postgres"
	QueueBackendFilesystem = "filesystem"
)

var (
	// ErrUnknownQueueBackend is returned by OpenQueue for an unsupported backend name.
	ErrUnknownQueueBackend = errors.New("unknown queue backend")

	_ jobs.Store = (*FileQueue)(nil)
	_ jobs.Store = (*JobQueue)(nil)
)

// OpenQueue returns the job store for backend. The filesystem backend needs dir; the
// postgres backend needs conn.
func OpenQueue(backend, dir string, conn *Connection, leaseTTL time.Duration, logger *slog.Logger) (jobs.Store, error) {
	switch backend {
	case QueueBackendPostgres:
		return NewJobQueue(conn, leaseTTL, logger)
	case QueueBackendFilesystem:
		return NewFileQueue(dir, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueueBackend, backend)
	}
}
