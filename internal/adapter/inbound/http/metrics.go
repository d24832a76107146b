// Package http provides the HTTP inbound transport for the proxy.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for toolgate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveSessions      prometheus.Gauge
	ActiveToolsets      prometheus.Gauge
	RateLimitRejections prometheus.Counter
	BreakerRejections   prometheus.Counter
	QueueDepth          prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
		),
		ActiveToolsets: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "active_toolsets",
				Help:      "Number of active toolsets in the gate",
			},
		),
		RateLimitRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "rate_limit_rejections_total",
				Help:      "Requests rejected by the fixed-window rate limiter",
			},
		),
		BreakerRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolgate",
				Name:      "breaker_rejections_total",
				Help:      "Requests rejected by an open circuit breaker",
			},
		),
		QueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolgate",
				Name:      "request_queue_depth",
				Help:      "Current depth of the bounded request queue",
			},
		),
	}
}
