package prometheus

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements ports.Metrics using Prometheus.
type Recorder struct {
	registry     *prometheus.Registry
	gapsTotal    *prometheus.CounterVec
	gapHours     *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
	completeness *prometheus.GaugeVec
	tradesTotal  *prometheus.CounterVec
	tradePnL     *prometheus.CounterVec
	trialsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates a recorder on its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		gapsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replayguard_gaps_total",
				Help: "Gap records by instrument and classification",
			},
			[]string{"instrument", "classification"},
		),
		gapHours: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replayguard_gap_hours_total",
				Help: "Gap hours by instrument and classification",
			},
			[]string{"instrument", "classification"},
		),
		anomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replayguard_anomalies_total",
				Help: "Anomalous bars by instrument and kind",
			},
			[]string{"instrument", "kind"},
		),
		completeness: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replayguard_completeness_pct",
				Help: "Latest completeness percentage per instrument",
			},
			[]string{"instrument"},
		),
		tradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replayguard_trades_total",
				Help: "Simulated trades by instrument and close reason",
			},
			[]string{"instrument", "reason"},
		),
		tradePnL: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replayguard_trade_pnl_abs_total",
				Help: "Absolute realized pnl by instrument and sign",
			},
			[]string{"instrument", "sign"},
		),
		trialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replayguard_optimizer_trials_total",
				Help: "Optimizer trials by status",
			},
			[]string{"status"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replayguard_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// Registry exposes the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveGap records one gap record.
func (r *Recorder) ObserveGap(instrument, classification string, hours float64) {
	r.gapsTotal.WithLabelValues(instrument, classification).Inc()
	r.gapHours.WithLabelValues(instrument, classification).Add(hours)
}

// ObserveAnomaly records one anomalous bar.
func (r *Recorder) ObserveAnomaly(instrument, kind string) {
	r.anomalies.WithLabelValues(instrument, kind).Inc()
}

// ObserveCompleteness records the latest completeness of an instrument.
func (r *Recorder) ObserveCompleteness(instrument string, pct float64) {
	r.completeness.WithLabelValues(instrument).Set(pct)
}

// ObserveTrade records one closed trade.
func (r *Recorder) ObserveTrade(instrument, closeReason string, pnl float64) {
	r.tradesTotal.WithLabelValues(instrument, closeReason).Inc()
	sign := "profit"
	if pnl < 0 {
		sign, pnl = "loss", -pnl
	}
	r.tradePnL.WithLabelValues(instrument, sign).Add(pnl)
}

// ObserveTrial records one optimizer trial.
func (r *Recorder) ObserveTrial(status string) {
	r.trialsTotal.WithLabelValues(status).Inc()
}

// ObserveDuration records operation latency.
func (r *Recorder) ObserveDuration(operation string, d time.Duration) {
	r.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
