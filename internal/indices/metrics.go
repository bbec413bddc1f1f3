package indices

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OperationsTotal counts lifecycle operations by op and result.
var OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tidemark",
	Subsystem: "indices",
	Name:      "operations_total",
	Help:      "Index lifecycle operations by result.",
}, []string{"op", "result"})

// OperationDuration observes the latency of lifecycle operations by op.
var OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tidemark",
	Subsystem: "indices",
	Name:      "operation_duration_seconds",
	Help:      "Latency of index lifecycle operations.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600, 3600},
}, []string{"op"})

// MoveDocuments counts documents copied by moves.
var MoveDocuments = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tidemark",
	Name:      "move_documents_total",
	Help:      "Documents copied between indices.",
})

// MoveBulkFailures counts bulk requests whose failures aborted a move.
var MoveBulkFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tidemark",
	Name:      "move_bulk_failures_total",
	Help:      "Bulk requests that aborted a move.",
})

// Collectors returns the metrics of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{OperationsTotal, OperationDuration, MoveDocuments, MoveBulkFailures}
}
