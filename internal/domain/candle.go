package domain

import (
	"math"
	"time"
)

// Candle represents a single OHLCV bar of one instrument.
// Timestamp is UTC and follows the closed-bar convention of the data export.
type Candle struct {
	Instrument string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	Bid        float64 // optional, 0 when the export has no quote columns
	Ask        float64 // optional, 0 when the export has no quote columns
}

// TrueRange returns the bar's true range given the previous close.
// A non-positive prevClose yields the plain high-low range.
func (c Candle) TrueRange(prevClose float64) float64 {
	tr := c.High - c.Low
	if prevClose <= 0 {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}
