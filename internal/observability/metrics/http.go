package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	returnedChunks   *prometheus.HistogramVec
	verdictsTotal    *prometheus.CounterVec
	validatorRetries *prometheus.HistogramVec
	branchesPlanned  *prometheus.HistogramVec
	branchWinsTotal  *prometheus.CounterVec
	explorationTotal *prometheus.CounterVec
	ingestedTotal    *prometheus.CounterVec
	rebuildPublishes *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rtv",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "query",
			Name:      "total",
			Help:      "Total retrieval queries by terminal pipeline state.",
		},
		[]string{"service", "state"},
	)
	queryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end retrieval duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "query",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage pipeline duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "stage"},
	)
	returnedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "query",
			Name:      "returned_chunks",
			Help:      "Distribution of returned chunks per query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"service"},
	)
	verdictsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "validator",
			Name:      "verdicts_total",
			Help:      "Total validator verdicts by action.",
		},
		[]string{"service", "action"},
	)
	validatorRetries := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "validator",
			Name:      "iterations",
			Help:      "Distribution of validator retry iterations per query.",
			Buckets:   []float64{0, 1, 2, 3, 4},
		},
		[]string{"service"},
	)
	branchesPlanned := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtv",
			Subsystem: "branch",
			Name:      "planned",
			Help:      "Distribution of planned branches per query.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"service"},
	)
	branchWinsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "branch",
			Name:      "wins_total",
			Help:      "Total winning branches by kind.",
		},
		[]string{"service", "kind"},
	)
	explorationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "rank",
			Name:      "exploration_chunks_total",
			Help:      "Total chunks returned through exploration slots.",
		},
		[]string{"service"},
	)
	ingestedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "ingest",
			Name:      "items_total",
			Help:      "Total ingested items by kind.",
		},
		[]string{"service", "kind"},
	)
	rebuildPublishes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtv",
			Subsystem: "facet",
			Name:      "rebuild_publishes_total",
			Help:      "Total facet rebuild triggers published.",
		},
		[]string{"service", "facet"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		queriesTotal,
		queryDuration,
		stageDuration,
		returnedChunks,
		verdictsTotal,
		validatorRetries,
		branchesPlanned,
		branchWinsTotal,
		explorationTotal,
		ingestedTotal,
		rebuildPublishes,
	)

	return &HTTPServerMetrics{
		registry:         registry,
		requestTotal:     requestTotal,
		requestDuration:  requestDuration,
		requestInFlight:  requestInFlight,
		queriesTotal:     queriesTotal,
		queryDuration:    queryDuration,
		stageDuration:    stageDuration,
		returnedChunks:   returnedChunks,
		verdictsTotal:    verdictsTotal,
		validatorRetries: validatorRetries,
		branchesPlanned:  branchesPlanned,
		branchWinsTotal:  branchWinsTotal,
		explorationTotal: explorationTotal,
		ingestedTotal:    ingestedTotal,
		rebuildPublishes: rebuildPublishes,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/traces/"):
		return "/v1/traces/{trace_id}"
	default:
		return path
	}
}

// RecordQuery captures the terminal state, shape and duration of one
// retrieval execution.
func (m *HTTPServerMetrics) RecordQuery(service, state string, chunkCount, iterations int, duration time.Duration) {
	if state == "" {
		state = "unknown"
	}
	m.queriesTotal.WithLabelValues(service, state).Inc()
	m.queryDuration.WithLabelValues(service).Observe(duration.Seconds())
	m.returnedChunks.WithLabelValues(service).Observe(float64(chunkCount))
	m.validatorRetries.WithLabelValues(service).Observe(float64(iterations))
}

func (m *HTTPServerMetrics) RecordStage(service, stage string, duration time.Duration) {
	if stage == "" {
		stage = "unknown"
	}
	m.stageDuration.WithLabelValues(service, stage).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordVerdict(service, action string) {
	if action == "" {
		action = "none"
	}
	m.verdictsTotal.WithLabelValues(service, action).Inc()
}

func (m *HTTPServerMetrics) ObserveBranchesPlanned(service string, planned int) {
	m.branchesPlanned.WithLabelValues(service).Observe(float64(planned))
}

func (m *HTTPServerMetrics) RecordBranchWin(service string, winnerNoOp bool) {
	kind := "facet"
	if winnerNoOp {
		kind = "noop"
	}
	m.branchWinsTotal.WithLabelValues(service, kind).Inc()
}

func (m *HTTPServerMetrics) RecordExploration(service string, count int) {
	if count <= 0 {
		return
	}
	m.explorationTotal.WithLabelValues(service).Add(float64(count))
}

func (m *HTTPServerMetrics) RecordIngest(service, kind string, count int) {
	if count <= 0 {
		return
	}
	m.ingestedTotal.WithLabelValues(service, kind).Add(float64(count))
}

func (m *HTTPServerMetrics) RecordRebuildPublish(service, facet string) {
	if facet == "" {
		facet = "unknown"
	}
	m.rebuildPublishes.WithLabelValues(service, facet).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
