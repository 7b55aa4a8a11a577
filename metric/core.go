package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "filterstream"

// Metrics contains the pipeline metrics. Every Record method is safe to call
// on a nil *Metrics so components can run without a registry.
type Metrics struct {
	// Stream metrics
	EventsReceived prometheus.Counter
	EmptyLines     prometheus.Counter
	ProtocolErrors prometheus.Counter
	SinkErrors     prometheus.Counter

	// Batch queue metrics
	BatchesTaken prometheus.Counter
	BatchSize    prometheus.Histogram
	QueueDepth   prometheus.Gauge
	QueueDropped prometheus.Counter

	// Rule and session metrics
	Reconciliations *prometheus.CounterVec
	SessionState    prometheus.Gauge

	// Output metrics
	RecordsPublished *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_received_total",
			Help:      "Total number of stream events delivered to the sink",
		}),
		EmptyLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "empty_lines_total",
			Help:      "Total number of blank keep-alive lines read from the stream",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "protocol_errors_total",
			Help:      "Total number of stream lines that ended the connection",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sink_errors_total",
			Help:      "Total number of events the sink rejected",
		}),

		BatchesTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "taken_total",
			Help:      "Total number of batches drained from the queue",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "size",
			Help:      "Number of items per drained batch",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "queue_depth",
			Help:      "Number of items waiting in the queue",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "dropped_total",
			Help:      "Total number of items evicted from a full queue",
		}),

		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "reconciliations_total",
			Help:      "Total number of rule operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Session state (0=idle, 1=reconciling, 2=streaming, 3=closing, 4=closed)",
		}),

		RecordsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "records_published_total",
			Help:      "Total number of records published downstream",
		}, []string{"output"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "publish_errors_total",
			Help:      "Total number of failed batch publishes",
		}, []string{"output"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "publish_duration_seconds",
			Help:      "Batch publish duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"output"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsReceived,
		m.EmptyLines,
		m.ProtocolErrors,
		m.SinkErrors,
		m.BatchesTaken,
		m.BatchSize,
		m.QueueDepth,
		m.QueueDropped,
		m.Reconciliations,
		m.SessionState,
		m.RecordsPublished,
		m.PublishErrors,
		m.PublishDuration,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordEventReceived increments the delivered event counter
func (m *Metrics) RecordEventReceived() {
	if m == nil {
		return
	}
	m.EventsReceived.Inc()
}

// RecordEmptyLine increments the keep-alive counter
func (m *Metrics) RecordEmptyLine() {
	if m == nil {
		return
	}
	m.EmptyLines.Inc()
}

// RecordProtocolError increments the protocol error counter
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordSinkError increments the sink error counter
func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// RecordBatch records one drained batch of the given size
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.BatchesTaken.Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordQueueDepth updates the queue depth gauge
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordDropped increments the dropped item counter
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

// RecordReconciliation counts one rule operation and its outcome
func (m *Metrics) RecordReconciliation(operation, outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(operation, outcome).Inc()
}

// RecordSessionState updates the session state gauge
func (m *Metrics) RecordSessionState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
}

// RecordPublished records a successful batch publish
func (m *Metrics) RecordPublished(output string, count int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RecordsPublished.WithLabelValues(output).Add(float64(count))
	m.PublishDuration.WithLabelValues(output).Observe(duration.Seconds())
}

// RecordPublishError increments the publish error counter
func (m *Metrics) RecordPublishError(output string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(output).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
