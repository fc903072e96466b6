package metrics

import (
	"math/big"
	"time"

	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpivest_ledger_operations_total",
			Help: "Total number of ledger operations by result kind",
		},
		[]string{"ledger", "operation", "result"},
	)

	LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kpivest_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"ledger", "operation"},
	)

	// Amounts are base units converted to float; precision loss is acceptable
	// for dashboards, the ledgers themselves stay exact.
	LedgerAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpivest_ledger_amount_total",
			Help: "Total base-unit amounts moved by ledger operations",
		},
		[]string{"ledger", "kind"},
	)

	ReferralBurnFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kpivest_referral_burn_failures_total",
			Help: "Total number of referral share burns that failed and were skipped",
		},
	)

	SettlerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpivest_settler_runs_total",
			Help: "Total number of settlement runs",
		},
		[]string{"status"},
	)

	SettlerClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpivest_settler_claims_total",
			Help: "Total number of per-account settlement attempts",
		},
		[]string{"result"},
	)

	SettlerRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kpivest_settler_run_duration_seconds",
			Help:    "Duration of settlement runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

// ObserveOperation records the outcome and duration of one ledger call.
func ObserveOperation(ledger, operation string, start time.Time, err error) {
	LedgerOperationsTotal.WithLabelValues(ledger, operation, core.KindOf(err)).Inc()
	LedgerOperationDuration.WithLabelValues(ledger, operation).Observe(time.Since(start).Seconds())
}

// AddAmount adds a base-unit amount to the amount counter.
func AddAmount(ledger, kind string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	LedgerAmountTotal.WithLabelValues(ledger, kind).Add(f)
}
