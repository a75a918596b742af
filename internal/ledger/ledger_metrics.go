package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obridge",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "obridge",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerTxRetries counts transactions replayed after a serialization
	// conflict.
	LedgerTxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "obridge",
			Name:      "ledger_tx_retries_total",
			Help:      "Ledger transactions replayed after a serialization conflict.",
		},
	)

	// CustodyAccountsOpen tracks custody accounts opened minus closed by this process.
	CustodyAccountsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "obridge",
			Name:      "ledger_custody_accounts_open",
			Help:      "Custody accounts opened and not yet closed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerTxRetries,
		CustodyAccountsOpen,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
