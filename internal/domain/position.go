package domain

import "time"

// Position is a simulated open position. It is owned exclusively by the ledger.
type Position struct {
	ID          int64
	Instrument  string
	Direction   Direction
	SignalPrice float64
	EntryPrice  float64 // fill price including spread and slippage
	Size        float64
	StopPrice   float64
	TargetPrice float64
	OpenedAt    time.Time
	Status      PositionStatus
	// EquityAtEntry is the portfolio equity used for sizing.
	EquityAtEntry float64
	EntryCosts    CostBreakdown
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Notional is the position's exposure at its entry fill.
func (p *Position) Notional() float64 {
	return p.Size * p.EntryPrice
}
