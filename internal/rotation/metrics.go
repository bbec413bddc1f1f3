package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RotationCycles counts deflector cycles.
var RotationCycles = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tidemark",
	Name:      "rotation_cycles_total",
	Help:      "Deflector cycles.",
})

// RetentionRemoved counts indices removed by retention, by strategy.
var RetentionRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tidemark",
	Name:      "retention_removed_total",
	Help:      "Indices removed from the write set by retention.",
}, []string{"strategy"})

// Collectors returns the metrics of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{RotationCycles, RetentionRemoved}
}
