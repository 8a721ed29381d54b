package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes used as the "outcome" label.
const (
	OutcomeResolved = "resolved"
	OutcomeRejected = "rejected"
	OutcomeCrashed  = "crashed"
	OutcomeFailed   = "failed" // never reached a worker
)

// Metrics holds all Prometheus metrics for one pool process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Worker metrics
	WorkersIdle      prometheus.Gauge
	WorkersActive    prometheus.Gauge
	WorkersCreating  prometheus.Gauge
	WorkersCreated   prometheus.Counter
	WorkersCrashed   prometheus.Counter
	CreationFailures prometheus.Counter

	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	AcquireWait prometheus.Histogram

	// Admin endpoint metrics
	AdminRequests *prometheus.CounterVec

	// Snapshot for the JSON stats endpoint
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds running totals for the JSON API.
type MetricsSnapshot struct {
	RunsResolved   int64 `json:"runs_resolved"`
	RunsRejected   int64 `json:"runs_rejected"`
	RunsCrashed    int64 `json:"runs_crashed"`
	RunsFailed     int64 `json:"runs_failed"`
	WorkersCreated int64 `json:"workers_created"`
	WorkersCrashed int64 `json:"workers_crashed"`
}

// NewMetrics creates a metrics collector on its own registry, so several
// pools can live in one process (tests) without colliding registrations.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WorkersIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_workers_idle",
			Help: "Number of idle sandbox workers",
		}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_workers_active",
			Help: "Number of sandbox workers running a script",
		}),
		WorkersCreating: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scriptpool_workers_creating",
			Help: "Number of sandbox workers being created",
		}),
		WorkersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptpool_workers_created_total",
			Help: "Total number of sandbox workers created",
		}),
		WorkersCrashed: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptpool_workers_crashed_total",
			Help: "Total number of sandbox workers evicted after a crash",
		}),
		CreationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scriptpool_worker_creation_failures_total",
			Help: "Total number of sandbox workers that failed to become ready",
		}),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptpool_runs_total",
				Help: "Total number of script runs by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scriptpool_run_duration_seconds",
				Help:    "Script run duration in seconds, from dispatch to terminal event",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		AcquireWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scriptpool_acquire_wait_seconds",
			Help:    "Time spent waiting for an idle worker",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 5},
		}),

		AdminRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptpool_admin_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Registry returns the registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetWorkers records the current worker partition.
func (m *Metrics) SetWorkers(idle, active, creating int) {
	if m == nil {
		return
	}
	m.WorkersIdle.Set(float64(idle))
	m.WorkersActive.Set(float64(active))
	m.WorkersCreating.Set(float64(creating))
}

// IncWorkersCreated increments the created workers counter
func (m *Metrics) IncWorkersCreated() {
	if m == nil {
		return
	}
	m.WorkersCreated.Inc()
	m.mu.Lock()
	m.snapshot.WorkersCreated++
	m.mu.Unlock()
}

// IncWorkersCrashed increments the crashed workers counter
func (m *Metrics) IncWorkersCrashed() {
	if m == nil {
		return
	}
	m.WorkersCrashed.Inc()
	m.mu.Lock()
	m.snapshot.WorkersCrashed++
	m.mu.Unlock()
}

// IncCreationFailures increments the creation failure counter
func (m *Metrics) IncCreationFailures() {
	if m == nil {
		return
	}
	m.CreationFailures.Inc()
}

// ObserveAcquire records how long an acquisition waited.
func (m *Metrics) ObserveAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.AcquireWait.Observe(d.Seconds())
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	m.mu.Lock()
	switch outcome {
	case OutcomeResolved:
		m.snapshot.RunsResolved++
	case OutcomeRejected:
		m.snapshot.RunsRejected++
	case OutcomeCrashed:
		m.snapshot.RunsCrashed++
	case OutcomeFailed:
		m.snapshot.RunsFailed++
	}
	m.mu.Unlock()
}

// RecordAdminRequest records an admin HTTP request
func (m *Metrics) RecordAdminRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.AdminRequests.WithLabelValues(method, path, status).Inc()
}

// Snapshot returns a copy of the running totals.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
