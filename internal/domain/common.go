package domain

// OrderSide represents the side of a fill (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Direction is the directional state of a signal or position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT"
)

// EntrySide returns the order side that opens a position in this direction.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide returns the order side that closes a position in this direction.
func (d Direction) ExitSide() OrderSide {
	if d == Short {
		return Buy
	}
	return Sell
}

// Sign is +1 for long, -1 for short and 0 for flat.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// PositionStatus represents the status of a simulated position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss      CloseReason = "SL"
	CloseReasonTakeProfit    CloseReason = "TP"
	CloseReasonTrendReversal CloseReason = "TREND_REVERSAL" // opposite signal while in a position
	CloseReasonMisalignment  CloseReason = "RIBBON_MISALIGNED"
	CloseReasonEndOfData     CloseReason = "END_OF_DATA"
)
