package domain

import "time"

// IndicatorSnapshot is the indicator state the signal engine decided on.
type IndicatorSnapshot struct {
	Close     float64
	PrevClose float64
	Fast      float64
	Medium    float64
	Slow      float64
	PrevFast  float64
	Momentum  float64
	RSI       float64
	ATR       float64
	// Confidence is the continuous strength of the ribbon and momentum readings.
	Confidence float64
	Warm       bool // false until every indicator has its lookback
}

// SignalEvent is emitted once per bar per instrument by the signal engine.
type SignalEvent struct {
	Instrument string
	Timestamp  time.Time
	Direction  Direction
	Confidence float64
	State      IndicatorSnapshot
	// Entry is true when the event asks the ledger to open (or reverse into) Direction.
	Entry bool
	// Reason explains a FLAT event that should close an open position.
	Reason CloseReason
}
