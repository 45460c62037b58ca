// Package metrics exposes Prometheus counters and histograms for the
// gateway's HTTP surface and upstream dispatch behavior.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "antigravity_proxy_http_requests_total",
		Help: "Total HTTP requests handled, by route and status code.",
	}, []string{"route", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "antigravity_proxy_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	// DispatchAttemptsTotal counts Dispatcher retry attempts per account and outcome.
	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "antigravity_proxy_dispatch_attempts_total",
		Help: "Total Dispatcher attempts against the account pool, by outcome.",
	}, []string{"outcome"})

	// AccountsRateLimited reports how many pool accounts are currently rate-limited.
	AccountsRateLimited = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "antigravity_proxy_accounts_rate_limited",
		Help: "Number of accounts currently rate-limited in the pool.",
	})
)

// Middleware records request count and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
