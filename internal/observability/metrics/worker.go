package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	rebuildTotal    *prometheus.CounterVec
	rebuildDuration *prometheus.HistogramVec
	rebuildInFlight prometheus.Gauge
	rebuiltValues   *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	rebuildTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "worker",
			Name:      "facet_rebuild_total",
			Help:      "Total facet rebuilds by status.",
		},
		[]string{"service", "facet", "status"},
	)
	rebuildDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "worker",
			Name:      "facet_rebuild_duration_seconds",
			Help:      "Facet rebuild duration in seconds by status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "status"},
	)
	rebuildInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rtv",
			Subsystem: "worker",
			Name:      "facet_rebuild_in_flight",
			Help:      "Number of in-flight facet rebuilds.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rebuiltValues := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "worker",
			Name:      "facet_rebuilt_values",
			Help:      "Distribution of facet values refreshed per rebuild.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"service"},
	)

	registry.MustRegister(rebuildTotal, rebuildDuration, rebuildInFlight, rebuiltValues)

	return &WorkerMetrics{
		registry:        registry,
		rebuildTotal:    rebuildTotal,
		rebuildDuration: rebuildDuration,
		rebuildInFlight: rebuildInFlight,
		rebuiltValues:   rebuiltValues,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartRebuild() {
	m.rebuildInFlight.Inc()
}

func (m *WorkerMetrics) FinishRebuild(service, facet string, values int, duration time.Duration, err error) {
	m.rebuildInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.rebuildTotal.WithLabelValues(service, facet, status).Inc()
	m.rebuildDuration.WithLabelValues(service, status).Observe(duration.Seconds())
	if err == nil {
		m.rebuiltValues.WithLabelValues(service).Observe(float64(values))
	}
}
