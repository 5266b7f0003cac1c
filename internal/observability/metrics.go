package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the service. A nil *Metrics is
// valid and records nothing, so packages can be used without a registry.
type Metrics struct {
	// --- Engine ---
	OperationsApplied  *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	EventsEmitted      *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CommitConflicts    prometheus.Counter

	// --- Computation gateway ---
	ComputationsQueued      *prometheus.CounterVec
	ComputationsOutstanding *prometheus.GaugeVec
	CallbacksDelivered      *prometheus.CounterVec
	CallbacksRejected       *prometheus.CounterVec
	ComputationLatency      *prometheus.HistogramVec
	RetiredLRUSize          prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projections & API ---
	ProjectionUpdateDur *prometheus.HistogramVec
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec

	// --- Background jobs ---
	SchedulerRuns  *prometheus.CounterVec
	ArchiveUploads *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
	}

	return &Metrics{
		OperationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_core_operations_applied_total",
			Help: "Engine operations that committed",
		}, []string{"operation"}),

		OperationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_core_operations_rejected_total",
			Help: "Engine operations rejected, by error category",
		}, []string{"operation", "category"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pm_core_operation_duration_seconds",
			Help:    "Time to run one engine operation under its market lock",
			Buckets: opBuckets,
		}, []string{"operation"}),

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_core_events_emitted_total",
			Help: "Domain events emitted",
		}, []string{"event_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pm_core_sequence",
			Help: "Current global event sequence",
		}),

		CommitConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_core_commit_conflicts_total",
			Help: "Optimistic version conflicts on repository commit",
		}),

		ComputationsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_compute_queued_total",
			Help: "Computations queued with the cluster",
		}, []string{"kind"}),

		ComputationsOutstanding: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pm_compute_outstanding",
			Help: "Computations awaiting a callback",
		}, []string{"kind"}),

		CallbacksDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_compute_callbacks_total",
			Help: "Callbacks consumed, by reported status",
		}, []string{"kind", "status"}),

		CallbacksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_compute_callbacks_rejected_total",
			Help: "Callbacks rejected before reaching an applier",
		}, []string{"reason"}),

		ComputationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pm_compute_latency_seconds",
			Help:    "Queue to callback latency, ledger clock",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}, []string{"kind"}),

		RetiredLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pm_compute_retired_lru_size",
			Help: "Retired handles held in memory",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pm_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_publish_drops_total",
			Help: "Events dropped due to full publish or stream channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pm_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "pm_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pm_persist_last_sequence",
			Help: "Last sequence committed to the event log",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pm_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_api_requests_total",
			Help: "API requests",
		}, []string{"route", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pm_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_scheduler_runs_total",
			Help: "Scheduled batch-clear attempts",
		}, []string{"result"}),

		ArchiveUploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_archive_uploads_total",
			Help: "Resolved market archive uploads",
		}, []string{"result"}),
	}
}

// --- nil-safe recorders ---

func (m *Metrics) OperationDone(op string, started time.Time, category string) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if category == "" {
		m.OperationsApplied.WithLabelValues(op).Inc()
		return
	}
	m.OperationsRejected.WithLabelValues(op, category).Inc()
}

func (m *Metrics) EventEmitted(eventType string, seq int64) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
	m.CoreSequence.Set(float64(seq))
}

func (m *Metrics) CommitConflict() {
	if m == nil {
		return
	}
	m.CommitConflicts.Inc()
}

func (m *Metrics) ComputationQueued(kind string) {
	if m == nil {
		return
	}
	m.ComputationsQueued.WithLabelValues(kind).Inc()
	m.ComputationsOutstanding.WithLabelValues(kind).Inc()
}

func (m *Metrics) ComputationReleased(kind string) {
	if m == nil {
		return
	}
	m.ComputationsOutstanding.WithLabelValues(kind).Dec()
}

func (m *Metrics) CallbackConsumed(kind, status string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.CallbacksDelivered.WithLabelValues(kind, status).Inc()
	m.ComputationsOutstanding.WithLabelValues(kind).Dec()
	m.ComputationLatency.WithLabelValues(kind).Observe(latencySeconds)
}

func (m *Metrics) CallbackRejected(reason string) {
	if m == nil {
		return
	}
	m.CallbacksRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProjectionDropped() {
	if m == nil {
		return
	}
	m.ProjectionDrops.Inc()
}

func (m *Metrics) PublishDropped() {
	if m == nil {
		return
	}
	m.PublishDrops.Inc()
}

func (m *Metrics) SetChannelSize(name string, n int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(n))
}

func (m *Metrics) SetRetiredSize(n int) {
	if m == nil {
		return
	}
	m.RetiredLRUSize.Set(float64(n))
}

func (m *Metrics) SchedulerRun(result string) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ArchiveUpload(result string) {
	if m == nil {
		return
	}
	m.ArchiveUploads.WithLabelValues(result).Inc()
}

func (m *Metrics) Request(route, code string, started time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, code).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}
