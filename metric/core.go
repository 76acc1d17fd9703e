package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics shared by every component.
// Domain-specific metrics (pipeline counters, cache gauges) are registered
// by their owning component through the Registry.
type Metrics struct {
	// Component metrics
	ComponentStatus    *prometheus.GaugeVec
	BatchesReceived    *prometheus.CounterVec
	BatchesCompleted   *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pointstream",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=running)",
			},
			[]string{"component"},
		),

		BatchesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointstream",
				Subsystem: "batches",
				Name:      "received_total",
				Help:      "Total number of batches received from the queue",
			},
			[]string{"partition"},
		),

		BatchesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointstream",
				Subsystem: "batches",
				Name:      "completed_total",
				Help:      "Total number of batches by terminal state",
			},
			[]string{"partition", "state"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pointstream",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Batch processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pointstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pointstream",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pointstream",
				Subsystem: "nats",
				Name:      "rtt_seconds",
				Help:      "Round-trip time to the NATS server",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pointstream",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnects",
			},
		),
	}
}

// collectors returns every core collector for registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ComponentStatus,
		m.BatchesReceived,
		m.BatchesCompleted,
		m.ProcessingDuration,
		m.ErrorsTotal,
		m.NATSConnected,
		m.NATSRTT,
		m.NATSReconnects,
	}
}
