package indicators

import "replayGuard/internal/domain"

// ATRStream is a Wilder-smoothed ATR. The first true range is the bar's high-low range.
type ATRStream struct {
	period    int
	count     int
	prevClose float64
	value     float64
}

// NewATRStream creates an ATR stream.
func NewATRStream(period int) *ATRStream {
	return &ATRStream{period: period}
}

// Update folds in the candle and returns the current value.
func (s *ATRStream) Update(c domain.Candle) float64 {
	tr := c.TrueRange(s.prevClose)
	if s.count == 0 {
		tr = c.High - c.Low
	}
	s.prevClose = c.Close
	s.count++

	p := float64(s.period)
	if s.count <= s.period {
		// running mean of the seed window
		s.value += (tr - s.value) / float64(s.count)
		return s.value
	}
	s.value = (s.value*(p-1) + tr) / p
	return s.value
}

func (s *ATRStream) Value() float64 { return s.value }
func (s *ATRStream) Ready() bool    { return s.count > s.period }

func (s *ATRStream) Reset() {
	*s = ATRStream{period: s.period}
}
