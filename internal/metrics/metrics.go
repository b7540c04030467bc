// Package metrics defines the API's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heirloom"

// Metrics holds every collector on its own registry so tests and multiple
// servers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	uploadBytes         prometheus.Counter
	exports             *prometheus.CounterVec
	exportDuration      *prometheus.HistogramVec
	mutations           *prometheus.CounterVec
	searchQueries       *prometheus.CounterVec
	RealtimeSubscribers prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memories",
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted by memory uploads",
		}),
		exports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "total",
			Help:      "Exports by format and outcome",
		}, []string{"format", "status"}),
		exportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "duration_seconds",
			Help:      "Export duration by format",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"format"}),
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "mutations_total",
			Help:      "Replayed offline mutations by result",
		}, []string{"status"}),
		searchQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Search queries by serving engine",
		}, []string{"engine"}),
		RealtimeSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Connected WebSocket subscribers",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) AddUploadBytes(n int64) {
	if n > 0 {
		m.uploadBytes.Add(float64(n))
	}
}

// ObserveExport records an export; status is "ok" or an error code.
func (m *Metrics) ObserveExport(format, status string, elapsed time.Duration) {
	m.exports.WithLabelValues(format, status).Inc()
	if status == "ok" {
		m.exportDuration.WithLabelValues(format).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveMutation(status string) {
	m.mutations.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSearch(engine string) {
	m.searchQueries.WithLabelValues(engine).Inc()
}
