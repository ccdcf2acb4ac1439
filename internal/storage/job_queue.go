package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

var _ jobs.Queue = (*JobQueue)(nil)

// ErrInvalidLeaseTTL is returned when a queue is created with a non-positive lease.
var ErrInvalidLeaseTTL = errors.New("lease TTL must be greater than zero")

// JobQueue implements jobs.Queue on the ingestion_jobs table.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never take the
// same row, and each claim carries a lease that the holder extends with Heartbeat.
// The state column follows the queue (pending, processing, terminal); the status
// column holds the client-visible record.
type JobQueue struct {
	conn     *Connection
	logger   *slog.Logger
	leaseTTL time.Duration
}

// NewJobQueue creates a JobQueue whose claims and heartbeats last leaseTTL.
func NewJobQueue(conn *Connection, leaseTTL time.Duration, logger *slog.Logger) (*JobQueue, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if leaseTTL <= 0 {
		return nil, ErrInvalidLeaseTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &JobQueue{conn: conn, logger: logger, leaseTTL: leaseTTL}, nil
}

// Submit implements jobs.Queue.
func (q *JobQueue) Submit(ctx context.Context, job *jobs.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	files, err := json.Marshal(job.Files)
	if err != nil {
		return "", fmt.Errorf("failed to encode files: %w", err)
	}

	status, err := json.Marshal(jobs.NewPendingStatus(job))
	if err != nil {
		return "", fmt.Errorf("failed to encode status: %w", err)
	}

	_, err = q.conn.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (id, identity, namespace, files, state, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6)
	`, job.ID, job.Identity, job.Namespace, files, status, job.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	return job.ID, nil
}

// ListQueued implements jobs.Queue.
func (q *JobQueue) ListQueued(ctx context.Context) ([]string, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT id FROM ingestion_jobs WHERE state = 'pending' ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	ids := []string{}

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return ids, nil
}

// Claim implements jobs.Queue.
func (q *JobQueue) Claim(ctx context.Context, workerID string) (*jobs.Job, error) {
	var (
		job   jobs.Job
		files []byte
	)

	err := q.conn.QueryRowContext(ctx, `
		UPDATE ingestion_jobs
		SET state = 'processing',
		    lease_owner = $1,
		    lease_expires_at = NOW() + make_interval(secs => $2),
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM ingestion_jobs
			WHERE state = 'pending'
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, identity, namespace, files, created_at
	`, workerID, q.leaseTTL.Seconds()).Scan(&job.ID, &job.Identity, &job.Namespace, &files, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrQueueEmpty
	}

	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := json.Unmarshal(files, &job.Files); err != nil {
		return nil, fmt.Errorf("%w: job %s has unreadable files: %w", jobs.ErrInvalidJob, job.ID, err)
	}

	job.State = string(jobs.StateProcessing)

	return &job, nil
}

// Heartbeat implements jobs.Queue.
func (q *JobQueue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	result, err := q.conn.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET lease_expires_at = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND lease_owner = $2 AND state = 'processing'
	`, jobID, workerID, q.leaseTTL.Seconds())
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrLeaseLost, jobID)
	}

	return nil
}

// WriteStatus implements jobs.Queue. Terminal statuses also move the row to its
// terminal state; the database trigger rejects any later change of state.
func (q *JobQueue) WriteStatus(ctx context.Context, status *jobs.Status) error {
	if err := status.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	var rowState, current string

	err = tx.QueryRowContext(ctx, `
		SELECT state, status->>'status' FROM ingestion_jobs WHERE id = $1 FOR UPDATE
	`, status.TaskID).Scan(&rowState, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, status.TaskID)
	}

	if err != nil {
		return fmt.Errorf("failed to read job state: %w", err)
	}

	if err := jobs.ValidateTransition(jobs.State(current), status.State); err != nil {
		return err
	}

	if status.State.IsTerminal() {
		rowState = string(status.State)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ingestion_jobs SET status = $2, state = $3, updated_at = NOW() WHERE id = $1
	`, status.TaskID, payload, rowState); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// ReadStatus implements jobs.Queue.
func (q *JobQueue) ReadStatus(ctx context.Context, jobID string) (*jobs.Status, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	var payload []byte

	err := q.conn.QueryRowContext(ctx, `SELECT status FROM ingestion_jobs WHERE id = $1`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	var status jobs.Status
	if err := json.Unmarshal(payload, &status); err != nil {
		q.logger.Warn("Unreadable status record",
			slog.String("task_id", jobID),
			slog.String("error", err.Error()))

		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	return &status, nil
}

// ReadJob returns the stored job without claiming it.
func (q *JobQueue) ReadJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	var (
		job   jobs.Job
		files []byte
	)

	err := q.conn.QueryRowContext(ctx, `
		SELECT id, identity, namespace, files, state, created_at FROM ingestion_jobs WHERE id = $1
	`, jobID).Scan(&job.ID, &job.Identity, &job.Namespace, &files, &job.State, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	if err := json.Unmarshal(files, &job.Files); err != nil {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	return &job, nil
}

// Complete implements jobs.Queue.
func (q *JobQueue) Complete(ctx context.Context, jobID string) error {
	result, err := q.conn.ExecContext(ctx, `
		UPDATE ingestion_jobs SET lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	return nil
}

// RequeueExpired implements jobs.Queue. A claim is expired when its last heartbeat
// is older than ttl. Results the interrupted worker recorded are kept in the pending
// status.
func (q *JobQueue) RequeueExpired(ctx context.Context, ttl time.Duration) (int, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	// lease_expires_at is last heartbeat + leaseTTL.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, files, status, created_at FROM ingestion_jobs
		WHERE state = 'processing'
		  AND lease_expires_at < NOW() + make_interval(secs => $1)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
	`, (q.leaseTTL - ttl).Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to query expired leases: %w", err)
	}

	type expiredJob struct {
		job  *jobs.Job
		done []jobs.FileResult
	}

	var expired []expiredJob

	for rows.Next() {
		var (
			job     jobs.Job
			files   []byte
			payload []byte
			current jobs.Status
		)

		if err := rows.Scan(&job.ID, &files, &payload, &job.CreatedAt); err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("failed to scan expired job: %w", err)
		}

		_ = json.Unmarshal(files, &job.Files)

		entry := expiredJob{job: &job}
		if err := json.Unmarshal(payload, &current); err == nil {
			entry.done = jobs.CompletedResults(&job, &current)
		}

		expired = append(expired, entry)
	}

	_ = rows.Close()

	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating rows: %w", err)
	}

	for _, entry := range expired {
		status, err := json.Marshal(jobs.NewRequeuedStatus(entry.job, entry.done))
		if err != nil {
			return 0, fmt.Errorf("failed to encode status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE ingestion_jobs
			SET state = 'pending', status = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, entry.job.ID, status); err != nil {
			return 0, fmt.Errorf("failed to requeue job %s: %w", entry.job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	for _, entry := range expired {
		q.logger.Warn("Requeued job with expired lease",
			slog.String("task_id", entry.job.ID),
			slog.Int("already_processed", len(entry.done)))
	}

	return len(expired), nil
}

// HealthCheck reports whether the backing database is reachable.
func (q *JobQueue) HealthCheck(ctx context.Context) error {
	return q.conn.HealthCheck(ctx)
}
