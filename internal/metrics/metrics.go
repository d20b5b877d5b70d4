// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Retried requests can spend
// minutes in backoff, so the tail reaches further than a plain API proxy.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration        *prometheus.HistogramVec
	UpstreamResponses       *prometheus.CounterVec
	UpstreamTransportErrors *prometheus.CounterVec

	RetriesTotal     prometheus.Counter
	RetriesExhausted prometheus.Counter
	AttemptsPerCall  prometheus.Histogram

	UpstreamFailuresLogged *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retry_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including retries and backoff.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retry_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retry_proxy_upstream_request_duration_seconds",
			Help:    "Single upstream attempt latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamTransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_proxy_upstream_transport_errors_total",
			Help: "Upstream attempts that failed without an HTTP response.",
		}, []string{"method"}),

		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retry_proxy_retries_total",
			Help: "Upstream attempts scheduled after a failed attempt.",
		}),

		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retry_proxy_retries_exhausted_total",
			Help: "Requests that failed on every allowed attempt.",
		}),

		AttemptsPerCall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retry_proxy_attempts_per_request",
			Help:    "Upstream attempts made per inbound request.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),

		UpstreamFailuresLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_proxy_upstream_failures_logged_total",
			Help: "Relayed upstream 500 and 502 responses whose body was logged.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamTransportErrors,
		m.RetriesTotal,
		m.RetriesExhausted,
		m.AttemptsPerCall,
		m.UpstreamFailuresLogged,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
