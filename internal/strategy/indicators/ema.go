package indicators

import "replayGuard/internal/domain"

// EMAStream is an exponential moving average updated per candle close.
type EMAStream struct {
	period     int
	multiplier float64
	seedSum    float64
	count      int
	value      float64
}

// NewEMAStream creates an EMA stream over period closes.
func NewEMAStream(period int) *EMAStream {
	return &EMAStream{period: period, multiplier: 2.0 / float64(period+1)}
}

// Update folds in the candle's close and returns the current value.
func (e *EMAStream) Update(c domain.Candle) float64 {
	e.count++
	if e.count <= e.period {
		e.seedSum += c.Close
		e.value = e.seedSum / float64(e.count)
		return e.value
	}
	e.value = (c.Close-e.value)*e.multiplier + e.value
	return e.value
}

func (e *EMAStream) Value() float64 { return e.value }
func (e *EMAStream) Ready() bool    { return e.count >= e.period }

func (e *EMAStream) Reset() {
	e.count, e.seedSum, e.value = 0, 0, 0
}
