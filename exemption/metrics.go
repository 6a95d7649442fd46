package exemption

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "spamgate"
	subsystem = "exemption"
)

var (
	entriesGauge    *prometheus.GaugeVec
	lastReloadGauge *prometheus.GaugeVec
	reloadsTotal    *prometheus.CounterVec
	metricsOnce     sync.Once
)

// initMetrics initializes and registers exemption metrics with appropriate registry.
// Uses sync.Once to ensure single initialization across parallel tests.
func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer

		if testing.Testing() {
			// Use isolated registry in tests to avoid metric collisions
			registry = prometheus.NewRegistry()
		}

		entriesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries",
			Help:      "Number of entries loaded from each exemption file.",
		}, []string{"path", "kind"})

		lastReloadGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_reload_timestamp",
			Help:      "Unix timestamp of the last successful reload.",
		}, []string{"path"})

		reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reloads_total",
			Help:      "Total number of exemption file reloads by outcome.",
		}, []string{"kind", "result"})

		registry.MustRegister(entriesGauge, lastReloadGauge, reloadsTotal)
	})
}

// updateEntries updates the entry count for a list.
func updateEntries(path string, kind Kind, count int) {
	if entriesGauge != nil {
		entriesGauge.WithLabelValues(path, string(kind)).Set(float64(count))
	}
}

// updateLastReload updates the last reload timestamp for a list.
func updateLastReload(path string, unixTimestamp int64) {
	if lastReloadGauge != nil {
		lastReloadGauge.WithLabelValues(path).Set(float64(unixTimestamp))
	}
}

func incReload(kind Kind, result string) {
	if reloadsTotal != nil {
		reloadsTotal.WithLabelValues(string(kind), result).Inc()
	}
}
