package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

const metricsNamespace = "tablehouse"

// Metrics are the worker's Prometheus collectors.
type Metrics struct {
	jobsFinished  *prometheus.CounterVec
	filesFinished *prometheus.CounterVec
	fileDuration  prometheus.Histogram
	rowsLoaded    prometheus.Counter
	requeued      prometheus.Counter
	busy          prometheus.Gauge
}

// NewMetrics registers the worker collectors with reg. Use prometheus.DefaultRegisterer
// in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by state.",
		}, []string{"state"}),
		filesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "files_ingested_total",
			Help:      "Files attempted, by outcome.",
		}, []string{"outcome"}),
		fileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "file_ingest_duration_seconds",
			Help:      "Wall-clock time of one isolated file ingestion.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		rowsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rows_loaded_total",
			Help:      "Rows loaded into tenant tables.",
		}),
		requeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_requeued_total",
			Help:      "Jobs returned to the queue after their lease expired.",
		}),
		busy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "worker_busy",
			Help:      "1 while the worker is processing a job.",
		}),
	}
}

func (m *Metrics) observeFile(result jobs.FileResult, elapsed time.Duration) {
	if m == nil {
		return
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}

	m.filesFinished.WithLabelValues(outcome).Inc()
	m.fileDuration.Observe(elapsed.Seconds())
	m.rowsLoaded.Add(float64(result.TotalRows))
}

func (m *Metrics) observeJob(state jobs.State) {
	if m == nil {
		return
	}

	m.jobsFinished.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) observeRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.requeued.Add(float64(n))
}

func (m *Metrics) setBusy(busy bool) {
	if m == nil {
		return
	}

	if busy {
		m.busy.Set(1)
	} else {
		m.busy.Set(0)
	}
}
