package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileFindings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "obridge",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Findings by problem in the last reconciliation run.",
	}, []string{"problem"})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "obridge",
		Subsystem: "reconciliation",
		Name:      "records_checked",
		Help:      "Records checked in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "obridge",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "obridge",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFindings,
		reconcileChecked,
		reconcileDuration,
		reconcileErrors,
	)
}

func record(rep *Report, elapsed time.Duration) {
	counts := make(map[Problem]int, len(problems))
	for _, f := range rep.Findings {
		counts[f.Problem]++
	}
	for _, p := range problems {
		reconcileFindings.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
	reconcileChecked.Set(float64(rep.Checked))
	reconcileDuration.Observe(elapsed.Seconds())
}
