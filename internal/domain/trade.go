package domain

import "time"

// CostBreakdown attributes execution costs in account currency.
type CostBreakdown struct {
	Spread     float64
	Slippage   float64
	Commission float64
}

// Total returns the sum of all cost components.
func (c CostBreakdown) Total() float64 {
	return c.Spread + c.Slippage + c.Commission
}

// Add returns the component-wise sum.
func (c CostBreakdown) Add(o CostBreakdown) CostBreakdown {
	return CostBreakdown{
		Spread:     c.Spread + o.Spread,
		Slippage:   c.Slippage + o.Slippage,
		Commission: c.Commission + o.Commission,
	}
}

// TradeRecord represents a completed round trip. It is immutable once written.
type TradeRecord struct {
	ID               int64
	PositionID       int64
	Instrument       string
	Direction        Direction
	Size             float64
	EntrySignalPrice float64
	EntryPrice       float64 // realized fill
	ExitSignalPrice  float64
	ExitPrice        float64 // realized fill
	EntryTime        time.Time
	ExitTime         time.Time
	GrossPNL         float64 // at signal prices
	PNL              float64 // realized, net of Costs
	ReturnPct        float64 // PNL / EquityAtEntry
	EquityAtEntry    float64
	Costs            CostBreakdown
	CloseReason      CloseReason
}

// EquityPoint is one sample of the portfolio equity curve.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}
