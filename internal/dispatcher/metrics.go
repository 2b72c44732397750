package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "notifan"

// Metrics はディスパッチャのPrometheusメトリクス。
type Metrics struct {
	failures      *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	batchDuration prometheus.Histogram
	queued        prometheus.Gauge
	inflight      prometheus.Gauge
}

// NewMetrics はメトリクスを生成し、regに登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_failures_total",
				Help:      "Number of dispatch failures by kind and channel.",
			},
			[]string{"kind", "channel"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatched_total",
				Help:      "Number of notification events published by channel.",
			},
			[]string{"channel"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "batch_duration_seconds",
				Help:      "Time spent dispatching one batch.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		queued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "batches_queued",
				Help:      "Number of batches waiting for a worker.",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "batches_inflight",
				Help:      "Number of batches being dispatched.",
			},
		),
	}
	reg.MustRegister(m.failures, m.dispatched, m.batchDuration, m.queued, m.inflight)
	return m
}
