package quality

import (
	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
)

// ValidateSeries checks that candles are strictly increasing by timestamp.
// The first violation is returned as a *ports.DataOrderingError.
func ValidateSeries(instrument string, candles []domain.Candle) error {
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].Timestamp, candles[i].Timestamp
		if !cur.After(prev) {
			return &ports.DataOrderingError{Instrument: instrument, Index: i, Previous: prev, Current: cur}
		}
	}
	return nil
}
