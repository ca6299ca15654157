package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PaymentsProcessed *prometheus.CounterVec
	PaymentsRequeued  *prometheus.CounterVec
	ProcessorAttempts *prometheus.CounterVec
	HealthProbes      *prometheus.CounterVec

	PendingQueueDepth  prometheus.Gauge
	InflightDispatches prometheus.Gauge

	SummaryBarrierWait prometheus.Histogram
}

// NewMetrics creates the dispatch engine collectors and registers them on reg,
// falling back to the default registerer when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PaymentsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_processed_total",
				Help:      "Payments appended to the processed ledger, by processor",
			},
			[]string{"processor"},
		),
		PaymentsRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_requeued_total",
				Help:      "Payments returned to the pending queue, by reason",
			},
			[]string{"reason"},
		),
		ProcessorAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_attempts_total",
				Help:      "Outbound payment attempts, by processor and result",
			},
			[]string{"processor", "result"},
		),
		HealthProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Outbound health probes, by processor and result",
			},
			[]string{"processor", "result"},
		),
		PendingQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_queue_depth",
				Help:      "Payments waiting in this instance's pending queue",
			},
		),
		InflightDispatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_dispatches",
				Help:      "Payments currently holding a dispatch slot",
			},
		),
		SummaryBarrierWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "summary_barrier_wait_seconds",
				Help:      "Time summaries spent waiting for in-range processing attempts",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}

	reg.MustRegister(
		m.PaymentsProcessed,
		m.PaymentsRequeued,
		m.ProcessorAttempts,
		m.HealthProbes,
		m.PendingQueueDepth,
		m.InflightDispatches,
		m.SummaryBarrierWait,
	)

	return m
}
