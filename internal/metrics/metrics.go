// Package metrics exposes Prometheus collectors for the estimation pipeline and HTTP API
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-tdoa/internal/doa"
)

const namespace = "go_tdoa"

// Metrics contains all Prometheus metrics for the daemon
type Metrics struct {
	registry *prometheus.Registry

	// Estimation metrics
	Estimates        *prometheus.CounterVec
	EstimateDuration *prometheus.HistogramVec
	TDOA             prometheus.Histogram
	Peak             prometheus.Histogram

	// Tracker metrics
	Angle         prometheus.Gauge
	SmoothedAngle prometheus.Gauge
	Confidence    prometheus.Gauge
	BlockLatency  prometheus.Histogram

	// Uplink metrics
	UplinkConnected prometheus.Gauge
	UplinkSent      prometheus.Counter
	UplinkDropped   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics on a private registry, together with the Go runtime
// and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Estimates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimates_total",
			Help:      "Direction estimates by outcome and method",
		}, []string{"status", "method"}),
		EstimateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "estimate_duration_seconds",
			Help:      "Time spent conditioning, correlating and mapping one signal pair",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		}, []string{"method"}),
		TDOA: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tdoa_microseconds",
			Help:      "Estimated time difference of arrival",
			Buckets:   prometheus.LinearBuckets(-1000, 100, 21), // ±1ms
		}),
		Peak: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_peak",
			Help:      "Correlation peak of valid estimates",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		Angle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "doa_angle_degrees",
			Help:      "Angle of the latest valid block",
		}),
		SmoothedAngle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "doa_smoothed_angle_degrees",
			Help:      "Smoothed direction of arrival",
		}),
		Confidence: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "doa_confidence",
			Help:      "Confidence of the latest block",
		}),
		BlockLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_latency_milliseconds",
			Help:      "Estimation latency per streamed block",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1ms to ~0.5s
		}),

		UplinkConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uplink_connected",
			Help:      "Uplink connection state (1=connected, 0=disconnected)",
		}),
		UplinkSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_messages_sent_total",
			Help:      "Results published to the uplink",
		}),
		UplinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_messages_dropped_total",
			Help:      "Results dropped while the uplink was unavailable",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveEstimate records one pipeline estimate
func (m *Metrics) ObserveEstimate(est doa.Estimate, elapsed time.Duration) {
	m.Estimates.WithLabelValues(string(est.Status), est.Method).Inc()
	m.EstimateDuration.WithLabelValues(est.Method).Observe(elapsed.Seconds())

	switch est.Status {
	case doa.StatusOK:
		m.TDOA.Observe(est.TDOAMicros)
		m.Peak.Observe(est.Peak)
	case doa.StatusOutOfRange:
		m.TDOA.Observe(est.TDOAMicros)
	}
}

// ObserveResult records one tracker result
func (m *Metrics) ObserveResult(r doa.Result) {
	m.BlockLatency.Observe(float64(r.LatencyMs))
	m.Confidence.Set(r.Confidence)
	if r.Valid() {
		m.Angle.Set(r.Angle)
		m.SmoothedAngle.Set(r.SmoothedAngle)
	}
}

// RecordHTTPRequest records one handled request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetUplinkConnected records the uplink connection state
func (m *Metrics) SetUplinkConnected(connected bool) {
	if connected {
		m.UplinkConnected.Set(1)
		return
	}
	m.UplinkConnected.Set(0)
}

// GaugeFunc registers a gauge sampled from fn at scrape time
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
