package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardduty_sentinel"

// Metrics holds Prometheus metrics for the ingestion pipeline
type Metrics struct {
	// Batch metrics
	BatchesTotal  *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	QueueDepth    *prometheus.GaugeVec

	// Finding metrics
	FindingsProcessed prometheus.Counter
	FindingsFailed    *prometheus.CounterVec
	Duplicates        *prometheus.CounterVec

	// Retry metrics
	Retries     *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec

	// Ingestion metrics
	RecordsIngested   *prometheus.CounterVec
	IngestionDuration prometheus.Histogram

	// Health metrics
	HealthStatus *prometheus.GaugeVec
}

// NewMetrics registers the pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Batches reaching a terminal state",
			},
			[]string{"status"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Batch processing duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Items waiting for batch formation",
			},
			[]string{"queue"},
		),
		FindingsProcessed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_processed_total",
				Help:      "Findings ingested or suppressed as duplicates",
			},
		),
		FindingsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_failed_total",
				Help:      "Items that failed by pipeline stage",
			},
			[]string{"stage"},
		),
		Duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Findings suppressed by deduplication",
			},
			[]string{"strategy"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts by operation",
			},
			[]string{"operation"},
		),
		DeadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Items handed to the dead-letter sink",
			},
			[]string{"operation"},
		),
		RecordsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_ingested_total",
				Help:      "Records submitted to the logs ingestion endpoint",
			},
			[]string{"stream", "status"},
		),
		IngestionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingestion_duration_seconds",
				Help:      "Logs ingestion call duration",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
			},
		),
		HealthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Health status of components (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"component"},
		),
	}
}

// ObserveBatch records a terminal batch.
func (m *Metrics) ObserveBatch(status string, d time.Duration, processed, failed int) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(status).Inc()
	m.BatchDuration.Observe(d.Seconds())
	m.FindingsProcessed.Add(float64(processed))
	if failed > 0 {
		m.FindingsFailed.WithLabelValues("batch").Add(float64(failed))
	}
}

// SetQueueDepth publishes the current queue lengths.
func (m *Metrics) SetQueueDepth(objects, findings int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("objects").Set(float64(objects))
	m.QueueDepth.WithLabelValues("findings").Set(float64(findings))
}

// AddFailed counts failures at a pipeline stage.
func (m *Metrics) AddFailed(stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FindingsFailed.WithLabelValues(stage).Add(float64(n))
}

// AddDuplicates counts suppressed findings.
func (m *Metrics) AddDuplicates(strategy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Duplicates.WithLabelValues(strategy).Add(float64(n))
}

// IncRetry counts one retry attempt.
func (m *Metrics) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}

// IncDeadLetter counts one dead-lettered item.
func (m *Metrics) IncDeadLetter(operation string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(operation).Inc()
}

// ObserveIngestion records one ingestion call.
func (m *Metrics) ObserveIngestion(stream, status string, records int, d time.Duration) {
	if m == nil {
		return
	}
	m.RecordsIngested.WithLabelValues(stream, status).Add(float64(records))
	m.IngestionDuration.Observe(d.Seconds())
}

// SetHealth publishes a component health value.
func (m *Metrics) SetHealth(component string, value float64) {
	if m == nil {
		return
	}
	m.HealthStatus.WithLabelValues(component).Set(value)
}
