// Package metrics exposes Prometheus collectors for HTTP traffic, model
// calls and chat activity.
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

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "chat_app"

// Collector owns a private registry so several instances can coexist in one
// process.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	modelRequestsTotal   *prometheus.CounterVec
	modelRequestDuration *prometheus.HistogramVec
	modelStreamChunks    *prometheus.CounterVec
	activeStreams        prometheus.Gauge

	chatMessagesTotal *prometheus.CounterVec
	sessionsCreated   prometheus.Counter
}

// NewCollector registers all collectors under namespace. Go runtime and
// process collectors are included.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		httpResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		modelRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_requests_total",
				Help:      "Total number of model invocations",
			},
			[]string{"provider", "model", "mode", "status"},
		),
		modelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_request_duration_seconds",
				Help:      "Model invocation duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model", "mode"},
		),
		modelStreamChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_stream_chunks_total",
				Help:      "Total number of streamed response chunks",
			},
			[]string{"provider", "model"},
		),
		activeStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Number of chat responses currently streaming",
			},
		),

		chatMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_messages_total",
				Help:      "Total number of chat messages appended to transcripts",
			},
			[]string{"role"},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Total number of chat sessions created",
			},
		),
	}
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordModelRequest records a finished model call. mode is "stream" or
// "complete"; status is "success" or "error".
func (c *Collector) RecordModelRequest(provider, model, mode, status string, duration time.Duration) {
	c.modelRequestsTotal.WithLabelValues(provider, model, mode, status).Inc()
	c.modelRequestDuration.WithLabelValues(provider, model, mode).Observe(duration.Seconds())
}

// RecordStreamChunks adds streamed chunks for a model.
func (c *Collector) RecordStreamChunks(provider, model string, n int) {
	if n <= 0 {
		return
	}
	c.modelStreamChunks.WithLabelValues(provider, model).Add(float64(n))
}

// StreamStarted increments the active stream gauge and returns the matching
// decrement.
func (c *Collector) StreamStarted() func() {
	c.activeStreams.Inc()
	return c.activeStreams.Dec
}

// RecordMessage counts a transcript append.
func (c *Collector) RecordMessage(role string) {
	c.chatMessagesTotal.WithLabelValues(role).Inc()
}

// RecordSessionCreated counts a new session.
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
