package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlegate",
		Subsystem: "reconciliation",
		Name:      "mismatches",
		Help:      "Findings in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlegate",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlegate",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
