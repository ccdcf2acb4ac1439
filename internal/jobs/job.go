// Package jobs defines ingestion jobs, their status records and the Queue contract
// shared by the filesystem and PostgreSQL backends.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

// queuedMarker is the state value written into queue files.
const queuedMarker = "PENDING"

var (
	// ErrQueueEmpty is returned by Claim when no job is waiting.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrJobNotFound is returned when a job or its status record is missing or unreadable.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJob is returned when a job record fails validation.
	ErrInvalidJob = errors.New("invalid job")

	// ErrLeaseLost is returned by Heartbeat when the worker no longer holds the claim.
	ErrLeaseLost = errors.New("job lease lost")
)

// Job is one upload request: the files of a single identity, ingested in order.
type Job struct {
	ID        string    `json:"task_id"`
	Files     []string  `json:"files"`
	Identity  string    `json:"email"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"`
}

// NewJob creates a pending job with a random ID.
func NewJob(identity, namespace string, files []string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Files:     append([]string(nil), files...),
		Identity:  identity,
		Namespace: namespace,
		CreatedAt: time.Now().UTC(),
		State:     queuedMarker,
	}
}

// UnmarshalJSON accepts the legacy "database_name" key in place of "namespace".
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job

	aux := struct {
		*plain
		DatabaseName string `json:"database_name"`
	}{plain: (*plain)(j)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if j.Namespace == "" {
		j.Namespace = aux.DatabaseName
	}

	return nil
}

// Validate checks that a job read from storage is safe to process.
// A job with no files is valid; it finishes as a failure.
func (j *Job) Validate() error {
	if _, err := uuid.Parse(j.ID); err != nil {
		return fmt.Errorf("%w: task_id %q is not a UUID", ErrInvalidJob, j.ID)
	}

	if j.Identity == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidJob)
	}

	if !tenancy.ValidNamespace(j.Namespace) {
		return fmt.Errorf("%w: namespace %q is not a valid identifier", ErrInvalidJob, j.Namespace)
	}

	return nil
}
