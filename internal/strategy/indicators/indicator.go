// Package indicators holds the streaming indicators behind the ribbon engine.
package indicators

import "replayGuard/internal/domain"

// Stream is an indicator updated one candle at a time. Value is only meaningful once
// Ready reports true.
type Stream interface {
	Update(c domain.Candle) float64
	Value() float64
	Ready() bool
	Reset()
}

var (
	_ Stream = (*EMAStream)(nil)
	_ Stream = (*RSIStream)(nil)
	_ Stream = (*ATRStream)(nil)
	_ Stream = (*MomentumStream)(nil)
)
