package jobs

import (
	"context"
	"time"
)

// Queue hands jobs from the API to workers and stores their status records.
//
// Implementations guarantee that a job is claimed by at most one worker at a time,
// that status writes replace the whole record and never regress (ErrStatusRegression),
// and that claims whose lease is not refreshed within the TTL become claimable again
// through RequeueExpired.
type Queue interface {
	// Submit persists job together with its pending status and returns the job ID.
	Submit(ctx context.Context, job *Job) (string, error)

	// ListQueued returns the IDs of unclaimed jobs, oldest first.
	ListQueued(ctx context.Context) ([]string, error)

	// Claim atomically takes the oldest unclaimed job for workerID.
	// Returns ErrQueueEmpty when nothing is waiting.
	Claim(ctx context.Context, workerID string) (*Job, error)

	// Heartbeat extends the lease workerID holds on jobID.
	Heartbeat(ctx context.Context, jobID, workerID string) error

	// WriteStatus replaces the status record of status.TaskID.
	WriteStatus(ctx context.Context, status *Status) error

	// ReadStatus returns ErrJobNotFound for unknown or unreadable records.
	ReadStatus(ctx context.Context, jobID string) (*Status, error)

	// Complete releases the claim on a finished job.
	Complete(ctx context.Context, jobID string) error

	// RequeueExpired returns claimed, unfinished jobs whose lease is older than ttl to
	// the queue and resets their status to pending. It reports how many were requeued.
	RequeueExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// Store is a Queue whose jobs can also be looked up by ID, including after they
// finish. The API uses it to check job ownership.
type Store interface {
	Queue

	// ReadJob returns ErrJobNotFound for unknown IDs.
	ReadJob(ctx context.Context, jobID string) (*Job, error)
}

// Publisher announces job lifecycle events. Implementations must not block the
// caller for long and must tolerate being called after a failed broker connection.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventType names a job lifecycle event.
type EventType string

const (
	EventSubmitted EventType = "job.submitted"
	EventStarted   EventType = "job.started"
	EventFinished  EventType = "job.finished"
)

// Event is one job lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"task_id"`
	Identity  string    `json:"email,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	State     State     `json:"status,omitempty"`
	Files     int       `json:"files"`
	Succeeded int       `json:"succeeded"`
	Time      time.Time `json:"time"`
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
