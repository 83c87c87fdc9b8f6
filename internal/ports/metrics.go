package ports

import "time"

// Metrics receives operational counters from the replay pipeline.
// Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveGap(instrument, classification string, hours float64)
	ObserveAnomaly(instrument, kind string)
	ObserveCompleteness(instrument string, pct float64)
	ObserveTrade(instrument, closeReason string, pnl float64)
	ObserveTrial(status string)
	ObserveDuration(operation string, d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveGap(string, string, float64) {}
func (NopMetrics) ObserveAnomaly(string, string) {}
func (NopMetrics) ObserveCompleteness(string, float64) {}
func (NopMetrics) ObserveTrade(string, string, float64) {}
func (NopMetrics) ObserveTrial(string) {}
func (NopMetrics) ObserveDuration(string, time.Duration) {}
