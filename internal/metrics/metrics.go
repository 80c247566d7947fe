// Package metrics exposes Prometheus collectors for the signal pipeline,
// its state store and the backtest engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smc"

var (
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals emitted by the pipeline",
		},
		[]string{"instrument", "direction", "grade"},
	)

	GatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gates_total",
			Help:      "Evaluations that ended in a no-signal, by gate",
		},
		[]string{"instrument", "gate"},
	)

	PhaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Sequence phase changes",
		},
		[]string{"instrument", "from", "to"},
	)

	CalibrationRefitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_refits_total",
			Help:      "Calibrator fits by result",
		},
		[]string{"result"},
	)

	StoreFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallbacks_total",
			Help:      "State store operations served from the in-memory fallback",
		},
		[]string{"operation"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Signal notifications by channel and status",
		},
		[]string{"channel", "status"},
	)

	BacktestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backtest_duration_seconds",
			Help:      "Wall time of a single backtest run",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"instrument"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one live scan across every instrument",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// RecordSignal counts an emitted signal
func RecordSignal(instrument, direction, grade string) {
	SignalsTotal.WithLabelValues(instrument, direction, grade).Inc()
}

// RecordGate counts a no-signal
func RecordGate(instrument, gate string) {
	if gate == "" {
		gate = "none"
	}
	GatesTotal.WithLabelValues(instrument, gate).Inc()
}

// RecordTransition counts a phase change
func RecordTransition(instrument, from, to string) {
	PhaseTransitionsTotal.WithLabelValues(instrument, from, to).Inc()
}

// RecordRefit counts a calibrator fit. result is "fitted" or "identity".
func RecordRefit(result string) {
	CalibrationRefitsTotal.WithLabelValues(result).Inc()
}

// RecordFallback counts a store operation served from memory
func RecordFallback(op string) {
	StoreFallbacksTotal.WithLabelValues(op).Inc()
}

// RecordNotification counts a notification attempt
func RecordNotification(channel string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	NotificationsTotal.WithLabelValues(channel, status).Inc()
}

// ObserveBacktest records how long a backtest took
func ObserveBacktest(instrument string, d time.Duration) {
	BacktestDuration.WithLabelValues(instrument).Observe(d.Seconds())
}

// ObserveScan records how long a live scan took
func ObserveScan(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ScanDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
