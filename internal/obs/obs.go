// Package obs exposes Prometheus counters/gauges for the engine's
// operational surface: orders submitted, fills applied, guard
// rejections by reason, cursor lag, and run claim latency. Grounded on
// chidi150c-coinbase/metrics.go's package-level CounterVec/GaugeVec
// registration pattern, generalized from its paper-trading-bot label
// set (mode/side/result) to this engine's run/symbol/reason label set.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders submitted by the accountant, by run and order type.",
		},
		[]string{"run_id", "order_type"},
	)

	fillsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_fills_applied_total",
			Help: "Fills recorded by the accountant, by run and symbol.",
		},
		[]string{"run_id", "symbol"},
	)

	guardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_guard_rejections_total",
			Help: "Signals rejected by the risk guard layer, by reason.",
		},
		[]string{"run_id", "reason"},
	)

	cursorLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_cursor_lag_seconds",
			Help: "Seconds between wall clock and the last processed bar timestamp, by run and symbol.",
		},
		[]string{"run_id", "symbol"},
	)

	claimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_run_claim_latency_seconds",
			Help:    "Time spent in the backtest worker's claim-next-queued-run transaction.",
			Buckets: prometheus.DefBuckets,
		},
	)

	equity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_run_equity",
			Help: "Current capital of an active run.",
		},
		[]string{"run_id"},
	)
)

func init() {
	prometheus.MustRegister(ordersSubmitted, fillsApplied, guardRejections)
	prometheus.MustRegister(cursorLagSeconds, claimLatency, equity)
}

func IncOrderSubmitted(runID, orderType string) { ordersSubmitted.WithLabelValues(runID, orderType).Inc() }
func IncFillApplied(runID, symbol string)       { fillsApplied.WithLabelValues(runID, symbol).Inc() }
func IncGuardRejection(runID, reason string)    { guardRejections.WithLabelValues(runID, reason).Inc() }
func SetCursorLag(runID, symbol string, lag time.Duration) {
	cursorLagSeconds.WithLabelValues(runID, symbol).Set(lag.Seconds())
}
func ObserveClaimLatency(d time.Duration) { claimLatency.Observe(d.Seconds()) }
func SetEquity(runID string, v float64)   { equity.WithLabelValues(runID).Set(v) }
