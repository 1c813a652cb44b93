// Package metrics registers the Prometheus metrics used by the proxy.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed requests labelled by route variant
	// ("segment", "embedded") and response status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airgate_requests_total",
			Help: "Total number of requests processed by the proxy.",
		},
		[]string{"route", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airgate_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	// RateLimitRejections counts requests rejected by the fixed-window
	// limiter, labelled by route variant.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airgate_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"route"},
	)

	// AccessRejections counts requests rejected by the resource allow-list,
	// labelled by reason ("missing_path", "unknown_base", "unknown_table",
	// "bad_segments").
	AccessRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airgate_access_rejections_total",
			Help: "Total requests rejected by the resource allow-list.",
		},
		[]string{"reason"},
	)

	// UpstreamErrors counts upstream transport failures surfaced as 502.
	UpstreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airgate_upstream_errors_total",
			Help: "Total upstream transport failures.",
		},
	)
)
