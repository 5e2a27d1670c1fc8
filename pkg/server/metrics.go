package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Metrics holds the Prometheus metrics exposed by the relay.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge

	// Relay outcome metrics
	outcomesTotal *prometheus.CounterVec

	// Configuration change metrics
	configChanges *prometheus.CounterVec

	metricsPath string
	registry    *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
// metricsPath is the route the exposition handler is mounted on.
func NewMetrics(metricsPath string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"method", "route", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, upstream time included",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"method", "route"},
		),

		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_http_requests_in_flight",
				Help: "Number of requests currently being served",
			},
		),

		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_outcomes_total",
				Help: "Relay requests by resource class and outcome reason",
			},
			[]string{"class", "reason"},
		),

		configChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_config_changes_total",
				Help: "Configuration file changes observed by status",
			},
			[]string{"status"},
		),

		metricsPath: metricsPath,
		registry:    registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInFlight,
		m.outcomesTotal,
		m.configChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOutcome records how a relay request ended. An empty reason means
// the upstream response was relayed with a 2xx status.
func (m *Metrics) RecordOutcome(class domain.ResourceClass, reason domain.Reason) {
	label := string(reason)
	if label == "" {
		label = "ok"
	}
	m.outcomesTotal.WithLabelValues(string(class), label).Inc()
}

// RecordConfigChange records an observed configuration change.
func (m *Metrics) RecordConfigChange(status string) {
	m.configChanges.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts, latency and in-flight requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		rec := wrapRecorder(w)
		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(r.Method, m.routeName(r.URL.Path), strconv.Itoa(rec.Status()), time.Since(start))
	})
}

// routeName normalises the path so unknown paths share one label.
func (m *Metrics) routeName(path string) string {
	switch path {
	case "/":
		return "root"
	case "/healthz":
		return "healthz"
	case "/img":
		return "img"
	case "/api":
		return "api"
	case m.metricsPath:
		return "metrics"
	default:
		return "unknown"
	}
}
