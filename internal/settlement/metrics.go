package settlement

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "splitpay_"

	resultSuccess = "success"
	resultError   = "error"
	resultInvalid = "invalid"
)

// Metrics records settlement activity. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	records         *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	extractions     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the settlement collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "records_total",
				Help: "Record operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_transitions_total",
				Help: "Status transition requests by target status and result",
			},
			[]string{"to", "result"},
		),
		extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "extractions_total",
				Help: "Receipt extractions by outcome",
			},
			[]string{"result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "code"},
		),
	}

	m.registry.MustRegister(
		m.records,
		m.transitions,
		m.extractions,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// instrument wraps a route handler with the latency histogram
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	observer := m.requestDuration.MustCurryWith(prometheus.Labels{"route": route})
	return promhttp.InstrumentHandlerDuration(observer, next)
}

func (m *Metrics) recordOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(operation, resultOf(err)).Inc()
}

func (m *Metrics) recordTransition(to string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, resultOf(err)).Inc()
}

func (m *Metrics) recordExtraction(result string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(result).Inc()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case isClientError(err):
		return resultInvalid
	default:
		return resultError
	}
}
