// Package middleware provides the gateway's HTTP middleware: downstream API
// key verification, upstream credential resolution, request logging hooks,
// and Prometheus metrics.
package middleware

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kirogateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kirogateway_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	chatRequestsByModel = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_chat_requests_total",
			Help: "Chat completion requests grouped by model",
		},
		[]string{"model", "stream"},
	)

	tokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_token_refresh_total",
			Help: "Token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	firstTokenRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kirogateway_first_token_retries_total",
			Help: "Streaming attempts abandoned waiting for the first token",
		},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_upstream_errors_total",
			Help: "Upstream request failures by class",
		},
		[]string{"class"},
	)

	metricsRegistered atomic.Bool
)

// RegisterMetrics registers all Prometheus collectors. Safe to call more
// than once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeConnections,
		chatRequestsByModel,
		tokenRefreshTotal,
		firstTokenRetriesTotal,
		upstreamErrorsTotal,
	)
}

// PrometheusMiddleware collects request count, duration, and active
// connection metrics for every request except /metrics itself.
func PrometheusMiddleware() gin.HandlerFunc {
	RegisterMetrics()
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		activeConnections.Inc()
		defer activeConnections.Dec()

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath collapses dynamic segments so metric cardinality stays low.
func normalizePath(path string) string {
	switch {
	case path == "/" || path == "/health" || path == "/metrics":
		return path
	case path == "/v1/models" || path == "/models":
		return "/v1/models"
	case path == "/v1/chat/completions" || path == "/chat/completions":
		return "/v1/chat/completions"
	case len(path) > 15 && path[:15] == "/admin/accounts":
		return "/admin/accounts/*"
	case len(path) > 10 && path[:10] == "/auth/kiro":
		return "/auth/kiro/*"
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	RegisterMetrics()
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordChatRequest counts one chat completion request.
func RecordChatRequest(model string, stream bool) {
	chatRequestsByModel.WithLabelValues(model, strconv.FormatBool(stream)).Inc()
}

// RecordTokenRefresh counts one refresh attempt; outcome is "success" or
// "failure".
func RecordTokenRefresh(outcome string) {
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordFirstTokenRetry counts one abandoned first-token wait.
func RecordFirstTokenRetry() {
	firstTokenRetriesTotal.Inc()
}

// RecordUpstreamError counts one upstream failure; class is e.g.
// "transport", "http_5xx", "http_4xx", "first_token_timeout".
func RecordUpstreamError(class string) {
	upstreamErrorsTotal.WithLabelValues(class).Inc()
}
