package gate

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal *prometheus.CounterVec
	metricsOnce    sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer

		if testing.Testing() {
			// Use isolated registry in tests to avoid metric collisions
			registry = prometheus.NewRegistry()
		}

		decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spamgate",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total number of access decisions by reason.",
		}, []string{"verdict", "reason"})

		registry.MustRegister(decisionsTotal)
	})
}

func incDecision(d Decision) {
	if decisionsTotal != nil {
		decisionsTotal.WithLabelValues(d.Verdict.String(), string(d.Reason)).Inc()
	}
}
