package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wx_cache"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion
// and retrieval.
type Metrics struct {
	// Ingestion metrics. All vectors carry a kind label.
	IngestRuns      *prometheus.CounterVec   // labels: kind, outcome={success,empty,failed}
	IngestRunning   *prometheus.GaugeVec     // labels: kind
	IngestDuration  *prometheus.HistogramVec // labels: kind
	RecordsDecoded  *prometheus.CounterVec   // labels: kind
	RecordsDropped  *prometheus.CounterVec   // labels: kind
	RecordsWritten  *prometheus.CounterVec   // labels: kind
	IndexPruned     *prometheus.CounterVec   // labels: kind
	BackupOutcomes  *prometheus.CounterVec   // labels: kind, outcome={stored,failed,skipped}
	SummaryFailures prometheus.Counter

	// Retrieval metrics.
	Lookups             *prometheus.CounterVec // labels: kind, origin={cache,fallback,not_found,unavailable}
	FallbackErrors      *prometheus.CounterVec // labels: kind
	WriteThroughErrors  *prometheus.CounterVec // labels: kind
	StoreReadDuration   prometheus.Histogram
	FallbackAPIDuration *prometheus.HistogramVec // labels: kind
}

func newMetrics() *Metrics {
	return &Metrics{
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		IngestRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_running",
			Help:      "Ingestion runs currently in progress by kind.",
		}, []string{"kind"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Duration of a complete ingestion run.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		RecordsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_decoded_total",
			Help:      "Records normalized from bulk files.",
		}, []string{"kind"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Bulletins dropped with a decode warning.",
		}, []string{"kind"}),
		RecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records written to the store, including write-through.",
		}, []string{"kind"}),
		IndexPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_entries_pruned_total",
			Help:      "Dangling or trimmed index entries removed after ingestion.",
		}, []string{"kind"}),
		BackupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_total",
			Help:      "Raw payload backups by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SummaryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_publish_failures_total",
			Help:      "Ingestion summaries that could not be published.",
		}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Point lookups by kind and how they were answered.",
		}, []string{"kind", "origin"}),
		FallbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_errors_total",
			Help:      "Source API failures during lookup fallback.",
		}, []string{"kind"}),
		WriteThroughErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_through_errors_total",
			Help:      "Fallback records that could not be written back to the store.",
		}, []string{"kind"}),
		StoreReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_read_duration_seconds",
			Help:      "Duration of cache reads on the lookup path.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25},
		}),
		FallbackAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_api_duration_seconds",
			Help:      "Source API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.IngestRuns,
		m.IngestRunning,
		m.IngestDuration,
		m.RecordsDecoded,
		m.RecordsDropped,
		m.RecordsWritten,
		m.IndexPruned,
		m.BackupOutcomes,
		m.SummaryFailures,
		m.Lookups,
		m.FallbackErrors,
		m.WriteThroughErrors,
		m.StoreReadDuration,
		m.FallbackAPIDuration,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsWith creates metrics registered with reg. Short-lived tools use
// a private registry since nothing scrapes them.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}
