package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

const (
	queueDirName      = "queue"
	processingDirName = "processing"
	statusDirName     = "status"
	rejectedDirName   = "rejected"
	doneDirName       = "done"

	queueDirPerm  = 0o750
	queueFilePerm = 0o640
)

var _ jobs.Queue = (*FileQueue)(nil)

// FileQueue implements jobs.Queue on a shared directory tree:
//
//	<root>/queue/{id}.json       waiting jobs
//	<root>/processing/{id}.json  claimed jobs; the file mtime is the lease heartbeat
//	<root>/status/{id}.json      client-visible status records
//	<root>/rejected/{id}.json    unreadable job files, kept for inspection
//	<root>/done/{id}.json        completed jobs, kept so owners can be looked up
//
// Every write goes to a dot-prefixed temporary file that is renamed into place, so
// readers never observe a partial record. A claim is the rename from queue/ to
// processing/; when two workers race for a file exactly one rename succeeds.
// Lease owners are not recorded: any holder of the processing file may heartbeat it.
type FileQueue struct {
	root   string
	logger *slog.Logger

	// statusMu serializes read-check-write of status files within this process.
	statusMu sync.Mutex
}

// NewFileQueue creates the directory layout under root if needed.
func NewFileQueue(root string, logger *slog.Logger) (*FileQueue, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("queue directory cannot be empty")
	}

	for _, dir := range []string{queueDirName, processingDirName, statusDirName, rejectedDirName, doneDirName} {
		if err := os.MkdirAll(filepath.Join(root, dir), queueDirPerm); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", dir, err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FileQueue{root: root, logger: logger}, nil
}

// Submit implements jobs.Queue. The status record is written before the queue file
// so a claimed job always has one.
func (q *FileQueue) Submit(_ context.Context, job *jobs.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	if err := q.putStatus(jobs.NewPendingStatus(job)); err != nil {
		return "", err
	}

	if err := q.putJob(queueDirName, job); err != nil {
		return "", err
	}

	return job.ID, nil
}

// ListQueued implements jobs.Queue. Age is the queue file's mtime, which is set to
// the job's creation time.
func (q *FileQueue) ListQueued(_ context.Context) ([]string, error) {
	entries, err := q.listDir(queueDirName)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}

	return ids, nil
}

// Claim implements jobs.Queue. Unreadable job files are moved to rejected/ and, when
// the file name is a job ID, the job's status is set to failure.
func (q *FileQueue) Claim(ctx context.Context, _ string) (*jobs.Job, error) {
	ids, err := q.ListQueued(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		queued, processing := q.path(queueDirName, id), q.path(processingDirName, id)

		// The queue file's mtime is the job's age. Refresh it before the rename so the
		// processing file starts with a live lease and a sweep cannot mistake a fresh
		// claim for an expired one.
		now := time.Now()

		err := os.Chtimes(queued, now, now)
		if errors.Is(err, fs.ErrNotExist) {
			continue // another worker won
		}

		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}

		err = os.Rename(queued, processing)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
		}

		job, err := q.readJob(processingDirName, id)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			q.reject(id, err)

			continue
		}

		job.State = string(jobs.StateProcessing)

		return job, nil
	}

	return nil, jobs.ErrQueueEmpty
}

// Heartbeat implements jobs.Queue by touching the processing file.
func (q *FileQueue) Heartbeat(_ context.Context, jobID, _ string) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	now := time.Now()

	err := os.Chtimes(q.path(processingDirName, jobID), now, now)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", jobs.ErrLeaseLost, jobID)
	}

	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}

	return nil
}

// WriteStatus implements jobs.Queue.
func (q *FileQueue) WriteStatus(_ context.Context, status *jobs.Status) error {
	if err := status.Validate(); err != nil {
		return err
	}

	if !validJobID(status.TaskID) {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, status.TaskID)
	}

	q.statusMu.Lock()
	defer q.statusMu.Unlock()

	current, err := q.readStatus(status.TaskID)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, status.TaskID)
	}

	// A corrupt record is replaced rather than kept forever.
	if err == nil {
		if err := jobs.ValidateTransition(current.State, status.State); err != nil {
			return err
		}
	}

	return q.putStatus(status)
}

// ReadStatus implements jobs.Queue.
func (q *FileQueue) ReadStatus(_ context.Context, jobID string) (*jobs.Status, error) {
	if !validJobID(jobID) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	status, err := q.readStatus(jobID)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			q.logger.Warn("Unreadable status record",
				slog.String("task_id", jobID),
				slog.String("error", err.Error()))
		}

		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	return status, nil
}

// ReadJob returns a queued, claimed or completed job without claiming it.
func (q *FileQueue) ReadJob(_ context.Context, jobID string) (*jobs.Job, error) {
	if !validJobID(jobID) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	for _, dir := range []string{queueDirName, processingDirName, doneDirName} {
		job, err := q.readJob(dir, jobID)
		if err == nil {
			return job, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
}

// Complete implements jobs.Queue by moving the processing file to done/.
// Completing a job twice is not an error.
func (q *FileQueue) Complete(_ context.Context, jobID string) error {
	if !validJobID(jobID) {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	err := os.Rename(q.path(processingDirName, jobID), q.path(doneDirName, jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release job %s: %w", jobID, err)
	}

	return nil
}

// RequeueExpired implements jobs.Queue. Processing files not touched within ttl go
// back to queue/ with a pending status, unless the job already has a terminal status;
// those were finished by a worker that died before Complete and are just released.
// Results the interrupted worker recorded are kept in the pending status.
func (q *FileQueue) RequeueExpired(ctx context.Context, ttl time.Duration) (int, error) {
	entries, err := q.listDir(processingDirName)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	requeued := 0

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return requeued, err
		}

		if !entry.modTime.Before(cutoff) {
			continue
		}

		ok, err := q.requeueEntry(ctx, entry.id, cutoff)
		if err != nil {
			return requeued, err
		}

		if ok {
			requeued++
		}
	}

	return requeued, nil
}

// requeueEntry requeues one processing file that a listing reported as expired. The
// listing may be stale, so the lease is checked again before the file is moved.
func (q *FileQueue) requeueEntry(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	status, statusErr := q.readStatus(id)
	if statusErr == nil && status.State.IsTerminal() {
		_ = q.Complete(ctx, id)

		return false, nil
	}

	job, err := q.readJob(processingDirName, id)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		q.reject(id, err)

		return false, nil
	}

	processing := q.path(processingDirName, id)

	info, err := os.Stat(processing)
	if err != nil || !info.ModTime().Before(cutoff) {
		return false, nil
	}

	queued := q.path(queueDirName, id)

	if err := os.Rename(processing, queued); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to requeue job %s: %w", id, err)
	}

	_ = os.Chtimes(queued, job.CreatedAt, job.CreatedAt)

	var done []jobs.FileResult
	if statusErr == nil {
		done = jobs.CompletedResults(job, status)
	}

	q.statusMu.Lock()
	err = q.putStatus(jobs.NewRequeuedStatus(job, done))
	q.statusMu.Unlock()

	if err != nil {
		return false, err
	}

	q.logger.Warn("Requeued job with expired lease",
		slog.String("task_id", id),
		slog.Time("last_heartbeat", info.ModTime()),
		slog.Int("already_processed", len(done)))

	return true, nil
}

// HealthCheck reports whether the queue root is accessible.
func (q *FileQueue) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(filepath.Join(q.root, queueDirName)); err != nil {
		return fmt.Errorf("queue directory unavailable: %w", err)
	}

	return nil
}

type queueEntry struct {
	id      string
	modTime time.Time
}

// listDir returns the job entries of dir, oldest first. Temporary files are skipped.
func (q *FileQueue) listDir(dir string) ([]queueEntry, error) {
	dirEntries, err := os.ReadDir(filepath.Join(q.root, dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	entries := make([]queueEntry, 0, len(dirEntries))

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue // claimed or removed since ReadDir
		}

		entries = append(entries, queueEntry{id: strings.TrimSuffix(name, ".json"), modTime: info.ModTime()})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].id < entries[j].id
		}

		return entries[i].modTime.Before(entries[j].modTime)
	})

	return entries, nil
}

func (q *FileQueue) path(dir, id string) string {
	return filepath.Join(q.root, dir, id+".json")
}

func (q *FileQueue) putJob(dir string, job *jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	target := q.path(dir, job.ID)
	if err := writeFileAtomic(target, data); err != nil {
		return err
	}

	_ = os.Chtimes(target, job.CreatedAt, job.CreatedAt)

	return nil
}

func (q *FileQueue) putStatus(status *jobs.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	return writeFileAtomic(q.path(statusDirName, status.TaskID), data)
}

func (q *FileQueue) readJob(dir, id string) (*jobs.Job, error) {
	data, err := os.ReadFile(q.path(dir, id))
	if err != nil {
		return nil, err
	}

	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %w", jobs.ErrInvalidJob, err)
	}

	if job.ID != id {
		return nil, fmt.Errorf("%w: file %s holds task_id %q", jobs.ErrInvalidJob, id, job.ID)
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return &job, nil
}

func (q *FileQueue) readStatus(id string) (*jobs.Status, error) {
	data, err := os.ReadFile(q.path(statusDirName, id))
	if err != nil {
		return nil, err
	}

	var status jobs.Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("corrupt status record: %w", err)
	}

	return &status, nil
}

// reject moves an unreadable processing file aside and fails the job if it has an ID.
func (q *FileQueue) reject(id string, cause error) {
	q.logger.Error("Rejecting unreadable job file",
		slog.String("file", id+".json"),
		slog.String("error", cause.Error()))

	if err := os.Rename(q.path(processingDirName, id), q.path(rejectedDirName, id)); err != nil {
		q.logger.Error("Failed to move job file to rejected",
			slog.String("file", id+".json"),
			slog.String("error", err.Error()))
	}

	if !validJobID(id) {
		return
	}

	q.statusMu.Lock()
	defer q.statusMu.Unlock()

	failure := jobs.NewFailureStatus(&jobs.Job{ID: id, CreatedAt: time.Now().UTC()},
		fmt.Errorf("job file is unreadable: %w", cause))

	if err := q.putStatus(failure); err != nil {
		q.logger.Error("Failed to record rejected job status",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
	}
}

// writeFileAtomic writes data to a dot-prefixed temporary file in the target's
// directory and renames it over target.
func writeFileAtomic(target string, data []byte) error {
	dir, base := filepath.Split(target)

	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName) // no-op after a successful rename
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write %s: %w", base, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to sync %s: %w", base, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", base, err)
	}

	if err := os.Chmod(tmpName, queueFilePerm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", base, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to publish %s: %w", base, err)
	}

	return nil
}

func validJobID(id string) bool {
	_, err := uuid.Parse(id)

	return err == nil && !strings.ContainsAny(id, `/\.`)
}
