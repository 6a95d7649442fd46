package dnsbl

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lookupDuration *prometheus.HistogramVec
	metricsOnce    sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer

		if testing.Testing() {
			// Use isolated registry in tests to avoid metric collisions
			registry = prometheus.NewRegistry()
		}

		lookupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spamgate",
			Subsystem: "dnsbl",
			Name:      "lookup_duration_seconds",
			Help:      "Duration of DNSBL lookups by zone and verdict.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"zone", "verdict"})

		registry.MustRegister(lookupDuration)
	})
}

func observeLookup(zone string, v Verdict, d time.Duration) {
	if lookupDuration != nil {
		lookupDuration.WithLabelValues(zone, v.String()).Observe(d.Seconds())
	}
}
