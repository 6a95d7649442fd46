package proxy

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	metricsOnce     sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer

		if testing.Testing() {
			// Use isolated registry in tests to avoid metric collisions
			registry = prometheus.NewRegistry()
		}

		requestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spamgate",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of proxied requests by status code.",
		}, []string{"code"})

		requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spamgate",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Duration of proxied requests including the access decision.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code"})

		registry.MustRegister(requestCount, requestDuration)
	})
}

func observeRequest(code int, d time.Duration) {
	if requestCount == nil {
		return
	}
	c := strconv.Itoa(code)
	requestCount.WithLabelValues(c).Inc()
	requestDuration.WithLabelValues(c).Observe(d.Seconds())
}
