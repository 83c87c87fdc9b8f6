package domain

// DriftResult is the comparison of one metric between a backtest and live trading.
type DriftResult struct {
	Metric          string
	LiveValue       float64
	BacktestValue   float64
	RelativeDelta   float64
	Tolerance       float64
	WithinTolerance bool
}
