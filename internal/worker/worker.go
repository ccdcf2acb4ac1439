// Package worker drains the ingestion job queue.
//
// A Worker claims one job at a time and ingests its files in submission order, each
// in its own runner process. Status is written before every file and once at the end,
// so a polling client always sees how far the job got. Multiple workers, in one or
// several processes, can share a queue: claims are atomic and leases expire.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tablehouse-io/tablehouse/internal/isolation"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

const (
	heartbeatTimeout = 10 * time.Second
	statusTimeout    = 10 * time.Second
)

// Executor ingests one file in isolation. isolation.ProcessExecutor implements it.
type Executor interface {
	Run(ctx context.Context, req isolation.Request) jobs.FileResult
}

var _ Executor = (*isolation.ProcessExecutor)(nil)

// Worker processes jobs from a queue.
type Worker struct {
	queue     jobs.Queue
	executor  Executor
	publisher jobs.Publisher
	metrics   *Metrics
	cfg       Config
	logger    *slog.Logger
}

// New creates a Worker. publisher and metrics may be nil.
func New(queue jobs.Queue, executor Executor, publisher jobs.Publisher, metrics *Metrics, cfg Config, logger *slog.Logger) *Worker {
	if publisher == nil {
		publisher = jobs.NopPublisher{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:     queue,
		executor:  executor,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With(slog.String("worker_id", cfg.WorkerID)),
	}
}

// Run polls the queue until ctx is cancelled. It returns nil on cancellation.
// A job interrupted by cancellation keeps its lease and is requeued by a sweeper
// once the lease expires.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("lease_ttl", w.cfg.LeaseTTL))

	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to claim job", slog.String("error", err.Error()))
		}

		if ctx.Err() != nil {
			w.logger.Info("Worker stopped")

			return nil
		}

		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")

			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and processes one job. It reports false when the queue was empty.
// Job failures are recorded in the job's status, not returned.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx, w.cfg.WorkerID)
	if errors.Is(err, jobs.ErrQueueEmpty) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	w.process(ctx, job)

	return true, nil
}

func (w *Worker) process(ctx context.Context, job *jobs.Job) {
	logger := w.logger.With(
		slog.String("task_id", job.ID),
		slog.String("namespace", job.Namespace),
	)

	w.metrics.setBusy(true)
	defer w.metrics.setBusy(false)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := w.startHeartbeat(jobCtx, cancel, job.ID, logger)

	logger.Info("Processing job", slog.Int("files", len(job.Files)))
	w.publish(ctx, jobs.Event{Type: jobs.EventStarted, JobID: job.ID, Identity: job.Identity,
		Namespace: job.Namespace, State: jobs.StateProcessing, Files: len(job.Files)})

	final := w.runJob(jobCtx, job, logger)

	cancel()
	lost := leaseLost()

	switch {
	case lost:
		logger.Warn("Lease lost, leaving job to its new owner")

		return
	case ctx.Err() != nil:
		logger.Warn("Shutdown interrupted job, it will be requeued after its lease expires")

		return
	}

	if err := w.writeStatus(ctx, final); err != nil {
		logger.Error("Failed to write final status", slog.String("error", err.Error()))
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		logger.Error("Failed to complete job", slog.String("error", err.Error()))
	}

	succeeded := 0

	for _, r := range final.Result {
		if r.Success {
			succeeded++
		}
	}

	w.metrics.observeJob(final.State)
	w.publish(ctx, jobs.Event{Type: jobs.EventFinished, JobID: job.ID, Identity: job.Identity,
		Namespace: job.Namespace, State: final.State, Files: len(job.Files), Succeeded: succeeded})

	logger.Info("Job finished",
		slog.String("status", string(final.State)),
		slog.Int("succeeded", succeeded),
		slog.Int("files", len(job.Files)))
}

// runJob ingests every file and returns the terminal status. A panic becomes a
// job-level failure.
func (w *Worker) runJob(ctx context.Context, job *jobs.Job, logger *slog.Logger) (final *jobs.Status) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", slog.Any("panic", r))

			final = jobs.NewFailureStatus(job, fmt.Errorf("internal error: %v", r))
		}
	}()

	if len(job.Files) == 0 {
		return jobs.NewFailureStatus(job, errors.New("job has no files"))
	}

	total := len(job.Files)
	results := make([]jobs.FileResult, 0, total)
	results = append(results, w.completedResults(ctx, job, logger)...)

	for i := len(results); i < total; i++ {
		if ctx.Err() != nil {
			break
		}

		file := job.Files[i]

		if err := w.writeStatus(ctx, jobs.NewProcessingStatus(job, i+1, total, file, results)); err != nil {
			logger.Warn("Failed to write progress", slog.String("error", err.Error()))
		}

		start := time.Now()
		result := w.executor.Run(ctx, isolation.Request{
			Namespace: job.Namespace,
			File:      file,
			Identity:  job.Identity,
		})
		w.metrics.observeFile(result, time.Since(start))

		if ctx.Err() != nil {
			// The runner was killed by shutdown or lease loss; its file is left for the retry.
			break
		}

		if !result.Success {
			logger.Warn("File failed", slog.String("file", result.File), slog.String("error", result.Error))
		}

		results = append(results, result)

		// A source is deleted only after its result is recorded.
		if err := w.writeStatus(ctx, jobs.NewProcessingStatus(job, i+1, total, file, results)); err != nil {
			logger.Warn("Failed to record file result, keeping source until the job finishes",
				slog.String("file", file), slog.String("error", err.Error()))

			continue
		}

		w.removeSource(file, logger)
	}

	if ctx.Err() == nil {
		for _, file := range job.Files {
			w.removeSource(file, logger)
		}

		w.removeStagingDirs(job, logger)
	}

	return jobs.NewFinishedStatus(job, results)
}

// completedResults returns the results recorded for job by an earlier, interrupted
// attempt. Those files are not ingested again.
func (w *Worker) completedResults(ctx context.Context, job *jobs.Job, logger *slog.Logger) []jobs.FileResult {
	status, err := w.queue.ReadStatus(ctx, job.ID)
	if err != nil {
		return nil
	}

	done := jobs.CompletedResults(job, status)
	if len(done) > 0 {
		logger.Info("Resuming job", slog.Int("already_processed", len(done)))
	}

	return done
}

// startHeartbeat extends the job's lease every LeaseTTL/3 until ctx ends. If the
// lease is lost, cancel is called. The returned func waits for the goroutine and
// reports whether the lease was lost.
func (w *Worker) startHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID string, logger *slog.Logger) func() bool {
	var (
		wg   sync.WaitGroup
		lost bool
	)

	interval := max(w.cfg.LeaseTTL/3, 10*time.Millisecond) //nolint:mnd

	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, heartbeatTimeout)
				err := w.queue.Heartbeat(hbCtx, jobID, w.cfg.WorkerID)
				hbCancel()

				if errors.Is(err, jobs.ErrLeaseLost) {
					lost = true

					cancel()

					return
				}

				if err != nil && ctx.Err() == nil {
					logger.Warn("Heartbeat failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() bool {
		wg.Wait()

		return lost
	}
}

func (w *Worker) writeStatus(ctx context.Context, status *jobs.Status) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()

	return w.queue.WriteStatus(ctx, status)
}

func (w *Worker) publish(ctx context.Context, event jobs.Event) {
	event.Time = time.Now().UTC()

	if err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("Failed to publish job event",
			slog.String("task_id", event.JobID),
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) removeSource(file string, logger *slog.Logger) {
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to delete source file", slog.String("file", file), slog.String("error", err.Error()))
	}
}

// removeStagingDirs removes the now-empty per-job directories directly under StagingDir.
func (w *Worker) removeStagingDirs(job *jobs.Job, logger *slog.Logger) {
	if w.cfg.StagingDir == "" {
		return
	}

	root := filepath.Clean(w.cfg.StagingDir)
	seen := map[string]bool{}

	for _, file := range job.Files {
		dir := filepath.Dir(filepath.Clean(file))
		if seen[dir] || filepath.Dir(dir) != root {
			continue
		}

		seen[dir] = true

		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Debug("Staging directory not removed", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}
}
