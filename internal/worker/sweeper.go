package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

const sweepTimeout = time.Minute

// Sweeper periodically returns jobs with expired leases to the queue. One sweeper per
// deployment is enough, but running several is harmless.
type Sweeper struct {
	queue     jobs.Queue
	metrics   *Metrics
	leaseTTL  time.Duration
	logger    *slog.Logger
	scheduler *cron.Cron
}

// NewSweeper schedules a sweep every interval. Call Start to begin.
func NewSweeper(queue jobs.Queue, metrics *Metrics, interval, leaseTTL time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sweeper{
		queue:     queue,
		metrics:   metrics,
		leaseTTL:  leaseTTL,
		logger:    logger,
		scheduler: cron.New(),
	}

	if _, err := s.scheduler.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		_, _ = s.Sweep(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule lease sweep: %w", err)
	}

	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.scheduler.Start()
	s.logger.Info("Lease sweeper started", slog.Duration("lease_ttl", s.leaseTTL))
}

// Stop stops the schedule and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.scheduler.Stop()

	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Lease sweeper did not stop in time")
	}
}

// Sweep requeues expired jobs once and reports how many were requeued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.queue.RequeueExpired(ctx, s.leaseTTL)
	if err != nil {
		s.logger.Error("Lease sweep failed", slog.String("error", err.Error()))

		return n, err
	}

	s.metrics.observeRequeued(n)

	if n > 0 {
		s.logger.Info("Requeued jobs with expired leases", slog.Int("count", n))
	}

	return n, nil
}
