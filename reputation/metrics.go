package reputation

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "spamgate"
	subsystem = "reputation"
)

var (
	entriesGauge prometheus.Gauge
	evictedTotal prometheus.Counter
	metricsOnce  sync.Once
)

// initMetrics registers the cache metrics once per process.
func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer

		if testing.Testing() {
			// Use isolated registry in tests to avoid metric collisions
			registry = prometheus.NewRegistry()
		}

		entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries",
			Help:      "Number of client addresses in the reputation cache.",
		})

		evictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evicted_total",
			Help:      "Total number of cache entries evicted to make room.",
		})

		registry.MustRegister(entriesGauge, evictedTotal)
	})
}

func setEntries(n int) {
	if entriesGauge != nil {
		entriesGauge.Set(float64(n))
	}
}

func incEvicted() {
	if evictedTotal != nil {
		evictedTotal.Inc()
	}
}
