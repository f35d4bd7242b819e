package serving

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the serving control plane's Prometheus metrics. Constructed
// once at startup and passed in explicitly, like the Config.
type Metrics struct {
	RequestsTotal     prometheus.Counter
	ValidationErrors  prometheus.Counter
	TasksAdmitted     prometheus.Counter
	TasksRejected     prometheus.Counter
	TokensGenerated   prometheus.Counter
	RequestsFinished  prometheus.Counter
	AvailableBatch    prometheus.Gauge
	AvailableBlocks   prometheus.Gauge
	RealBatchSize     prometheus.Gauge
	InferenceDuration prometheus.Histogram
}

// NewMetrics registers all metrics on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmserve_requests_total",
			Help: "Total generation requests received",
		}),
		ValidationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmserve_validation_errors_total",
			Help: "Requests rejected by parameter validation",
		}),
		TasksAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmserve_tasks_admitted_total",
			Help: "Tasks admitted into a batch slot",
		}),
		TasksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmserve_tasks_rejected_total",
			Help: "Tasks rejected at admission (oversize input)",
		}),
		TokensGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmserve_tokens_generated_total",
			Help: "Output tokens emitted across all requests",
		}),
		RequestsFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmserve_requests_finished_total",
			Help: "Requests that reached EOS and were retired",
		}),
		AvailableBatch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "llmserve_available_batch",
			Help: "Currently free batch slots",
		}),
		AvailableBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "llmserve_available_blocks",
			Help: "KV blocks currently in the free list",
		}),
		RealBatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "llmserve_real_batch_size",
			Help: "Active batch width (1 + highest occupied slot)",
		}),
		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmserve_inference_duration_seconds",
			Help:    "Per-request wall time from admission to EOS",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}
